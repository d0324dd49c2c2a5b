package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/edgenet6/coapstack/internal/session"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// resultView is the JSON-friendly rendering of a session.Result.
type resultView struct {
	Session      string `json:"session"`
	Status       string `json:"status"`
	ResponseCode string `json:"response_code,omitempty"`
	Payload      string `json:"payload,omitempty"`
}

func formatResult(name string, result session.Result, format string) (string, error) {
	view := resultView{
		Session: name,
		Status:  result.Status.String(),
	}
	if result.ResponseCode != 0 {
		view.ResponseCode = fmt.Sprintf("0x%02x", result.ResponseCode)
	}
	if len(result.Payload) > 0 {
		view.Payload = string(result.Payload)
	}

	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal result to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Session:\t%s\n", view.Session)
		fmt.Fprintf(w, "Status:\t%s\n", view.Status)
		if view.ResponseCode != "" {
			fmt.Fprintf(w, "Response Code:\t%s\n", view.ResponseCode)
		}
		if view.Payload != "" {
			fmt.Fprintf(w, "Payload:\t%s\n", view.Payload)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// selftestView is the JSON-friendly rendering of one selftest scenario
// outcome.
type selftestView struct {
	Scenario string `json:"scenario"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail,omitempty"`
}

func formatSelftest(results []selftestView, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal selftest results to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SCENARIO\tPASSED\tDETAIL")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%t\t%s\n", r.Scenario, r.Passed, r.Detail)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
