package orchestrator

import (
	"net/http"
	"strings"

	"github.com/floegence/redeven-orchestrator/internal/ai/arc"
	"github.com/floegence/redeven-orchestrator/internal/ai/ir"
)

type ModeKind string

const (
	ModeInput           ModeKind = "input"
	ModeResponding      ModeKind = "responding"
	ModeToolRequest     ModeKind = "tool-request"
	ModeToolWaiting     ModeKind = "tool-waiting"
	ModeCompacting      ModeKind = "compacting"
	ModeFixJSON         ModeKind = "fix-json"
	ModeDiffApply       ModeKind = "diff-apply"
	ModePaymentError    ModeKind = "payment-error"
	ModeRateLimitError  ModeKind = "rate-limit-error"
	ModeRequestError    ModeKind = "request-error"
	ModeCompactionError ModeKind = "compaction-error"
	ModeMenu            ModeKind = "menu"
)

// Mode is the active state. Only the fields of the active kind are set.
type Mode struct {
	Kind ModeKind

	// Call is set for tool-request and tool-waiting.
	Call *ir.ToolCallRequest

	// Error, Curl and StatusCode are set for the error kinds.
	Error      string
	Curl       string
	StatusCode int

	// Return is the mode a transient sub-mode (compacting, fix-json,
	// diff-apply) goes back to.
	Return *Mode
}

func (m Mode) IsError() bool {
	switch m.Kind {
	case ModePaymentError, ModeRateLimitError, ModeRequestError, ModeCompactionError:
		return true
	default:
		return false
	}
}

func (m Mode) transient() bool {
	switch m.Kind {
	case ModeCompacting, ModeFixJSON, ModeDiffApply:
		return true
	default:
		return false
	}
}

// busy reports whether a backend call or tool run is in flight.
func (m Mode) busy() bool {
	switch m.Kind {
	case ModeResponding, ModeToolWaiting, ModeCompacting, ModeFixJSON, ModeDiffApply:
		return true
	case ModeInput, ModeToolRequest, ModeMenu,
		ModePaymentError, ModeRateLimitError, ModeRequestError, ModeCompactionError:
		return false
	default:
		return false
	}
}

// base unwinds transient sub-modes to the mode that entered them.
func (m Mode) base() Mode {
	for m.transient() && m.Return != nil {
		m = *m.Return
	}
	return m
}

// errorMode maps a request error finish to its mode.
func errorMode(fin arc.Finish) Mode {
	mode := Mode{Error: fin.Message, Curl: fin.Curl, StatusCode: fin.StatusCode}
	msg := strings.ToLower(fin.Message)
	switch {
	case fin.StatusCode == http.StatusPaymentRequired || strings.Contains(msg, "payment") ||
		strings.Contains(msg, "billing") || strings.Contains(msg, "insufficient credit"):
		mode.Kind = ModePaymentError
	case fin.StatusCode == http.StatusTooManyRequests || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") || strings.Contains(msg, "too many requests"):
		mode.Kind = ModeRateLimitError
	case fin.Stage == arc.StageCompaction:
		mode.Kind = ModeCompactionError
	default:
		mode.Kind = ModeRequestError
	}
	return mode
}
