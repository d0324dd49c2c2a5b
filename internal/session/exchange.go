package session

import (
	"fmt"

	"github.com/edgenet6/coapstack/internal/metrics"
	"github.com/edgenet6/coapstack/internal/netstack"
	"github.com/edgenet6/coapstack/internal/statusapi"
)

// mtu is the standard Ethernet MTU the shared frame buffer is sized for.
const mtu = 1514

// defaultRetryLimit bounds the EAGAIN retry loop around Recv.
const defaultRetryLimit = 5

// Result is the outcome of one RunExchange call.
type Result struct {
	Status       netstack.Status
	ResponseCode uint8
	Payload      []byte
}

// RunExchange sends one CoAP request carrying payload, then polls Recv up
// to retryLimit times (0 means defaultRetryLimit), classifying the
// outcome and recording it to collector and reg under name. An empty
// acknowledgement keeps the poll going, waiting for the separate
// non-confirmable response; any other terminal status (piggybacked ack,
// reset, error) returns immediately.
func RunExchange(name, linkDriver string, stack Stack, payload []byte, retryLimit int, collector *metrics.Collector, reg *statusapi.Registry) (Result, error) {
	if retryLimit <= 0 {
		retryLimit = defaultRetryLimit
	}

	sendBuf := make([]byte, mtu)
	pos := stack.PayloadPosition()
	if int(pos)+len(payload) > len(sendBuf) {
		return Result{}, fmt.Errorf("session %q: payload of %d bytes exceeds MTU at offset %d", name, len(payload), pos)
	}
	copy(sendBuf[pos:], payload)

	if status := stack.Send(sendBuf, pos, uint16(len(payload))); status != netstack.StatusOK {
		if collector != nil {
			collector.IncFramesDropped(name, metrics.LayerCoAP, status.String())
		}
		recordStatus(reg, name, linkDriver, status, 0)
		return Result{Status: status}, status.Err()
	}
	if collector != nil {
		collector.IncFramesSent(name, metrics.LayerCoAP)
	}

	recvBuf := make([]byte, mtu)
	awaitingSeparate := false
	for attempt := 0; attempt < retryLimit; attempt++ {
		offset, length, status := stack.Recv(recvBuf)

		switch status {
		case netstack.StatusEAgain:
			if collector != nil {
				collector.IncFramesDropped(name, metrics.LayerCoAP, status.String())
			}
			continue

		case netstack.StatusCoAPAck:
			responseCode := stack.LastResponseCode()
			if collector != nil {
				collector.IncFramesReceived(name, metrics.LayerCoAP)
			}
			if responseCode == 0 {
				// empty ack: the answer follows as a separate
				// non-confirmable response, keep polling
				if collector != nil {
					collector.IncCoAPExchange(name, metrics.OutcomeAck)
				}
				recordStatus(reg, name, linkDriver, status, 0)
				awaitingSeparate = true
				continue
			}
			if collector != nil {
				collector.IncCoAPExchange(name, metrics.OutcomePiggyback)
			}
			recordStatus(reg, name, linkDriver, status, responseCode)
			return Result{Status: status, ResponseCode: responseCode, Payload: copyWindow(recvBuf, offset, length)}, nil

		case netstack.StatusOK:
			responseCode := stack.LastResponseCode()
			if collector != nil {
				collector.IncFramesReceived(name, metrics.LayerCoAP)
				collector.IncCoAPExchange(name, metrics.OutcomeSeparate)
			}
			recordStatus(reg, name, linkDriver, status, responseCode)
			return Result{Status: status, ResponseCode: responseCode, Payload: copyWindow(recvBuf, offset, length)}, nil

		case netstack.StatusCoAPReset:
			if collector != nil {
				collector.IncFramesReceived(name, metrics.LayerCoAP)
				collector.IncCoAPExchange(name, metrics.OutcomeReset)
			}
			recordStatus(reg, name, linkDriver, status, 0)
			return Result{Status: status}, nil

		default:
			if collector != nil {
				collector.IncFramesDropped(name, metrics.LayerCoAP, status.String())
			}
			recordStatus(reg, name, linkDriver, status, 0)
			return Result{Status: status}, status.Err()
		}
	}

	if collector != nil {
		collector.IncCoAPExchange(name, metrics.OutcomeTimeout)
	}
	recordStatus(reg, name, linkDriver, netstack.StatusEAgain, 0)
	if awaitingSeparate {
		return Result{Status: netstack.StatusEAgain}, fmt.Errorf("session %q: acked but no separate response after %d retries", name, retryLimit)
	}
	return Result{Status: netstack.StatusEAgain}, fmt.Errorf("session %q: no response after %d retries", name, retryLimit)
}

func copyWindow(buf []byte, offset, length uint16) []byte {
	if length == 0 {
		return nil
	}
	return append([]byte(nil), buf[offset:offset+length]...)
}

// recordStatus updates reg if non-nil; coapstackctl's one-shot get/post
// commands run without a status-API registry.
func recordStatus(reg *statusapi.Registry, name, linkDriver string, status netstack.Status, responseCode uint8) {
	if reg == nil {
		return
	}
	statusapi.RecordExchangeStatus(reg, name, linkDriver, status, responseCode)
}
