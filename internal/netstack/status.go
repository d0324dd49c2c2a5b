package netstack

import "fmt"

// Status is the closed outcome set returned by every layer's Send/Recv.
//
// There is no panic path in this package: malformed input, configuration
// errors, and "not for this session" all become a Status value. Positive
// values are CoAP-specific classifications (Ack/Reset); zero is success;
// negative values are the shared error taxonomy used by every layer.
type Status int8

const (
	// StatusOK indicates success.
	StatusOK Status = 0

	// StatusEAgain indicates the frame was not for this session, or the
	// link was idle. The caller should retry, typically in a bounded
	// loop.
	StatusEAgain Status = -1

	// StatusENoMem indicates the driver could not accept all bytes of an
	// outgoing frame.
	StatusENoMem Status = -2

	// StatusEOverflow indicates a declared length exceeded the bytes
	// available in the buffer.
	StatusEOverflow Status = -3

	// StatusEInval indicates a feature the stack does not implement was
	// requested (e.g., acknowledging a server-initiated Confirmable
	// message).
	StatusEInval Status = -4

	// StatusEProto indicates a structural wire-format violation.
	StatusEProto Status = -5

	// StatusEConfig indicates invalid configuration, detected at Connect.
	StatusEConfig Status = -6

	// StatusCoAPAck indicates a CoAP Acknowledgement (including a
	// piggybacked response) was received and correlated to our last sent
	// message ID.
	StatusCoAPAck Status = 1

	// StatusCoAPReset indicates a CoAP Reset was received and correlated
	// to our last sent message ID.
	StatusCoAPReset Status = 2
)

// String returns the symbolic name of the status, for logging.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusEAgain:
		return "EAGAIN"
	case StatusENoMem:
		return "ENOMEM"
	case StatusEOverflow:
		return "EOVERFLOW"
	case StatusEInval:
		return "EINVAL"
	case StatusEProto:
		return "EPROTO"
	case StatusEConfig:
		return "ECONFIG"
	case StatusCoAPAck:
		return "COAP_ACK"
	case StatusCoAPReset:
		return "COAP_RST"
	default:
		return fmt.Sprintf("Status(%d)", int8(s))
	}
}

// Err adapts a Status to the error interface. StatusOK, StatusCoAPAck and
// StatusCoAPReset are not errors and return nil.
func (s Status) Err() error {
	switch s {
	case StatusOK, StatusCoAPAck, StatusCoAPReset:
		return nil
	default:
		return statusError(s)
	}
}

// statusError wraps a negative Status so it satisfies the error interface
// without allocating a distinct type per call site.
type statusError Status

func (e statusError) Error() string {
	return "netstack: " + Status(e).String()
}

// Is reports whether target is the same Status, so callers can use
// errors.Is(err, netstack.StatusEAgain.Err()).
func (e statusError) Is(target error) bool {
	t, ok := target.(statusError)
	return ok && t == e
}
