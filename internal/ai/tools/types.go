package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/floegence/redeven-orchestrator/internal/ai/ir"
)

// Result is the output of one tool execution.
type Result struct {
	Content string
	Lines   int
}

// Executor is the tool-execution boundary shared by the main conversation and subagents.
//
// Validate returns nil, a *ToolError, a *FileOutdatedError, or any other error
// (treated as a generic tool error).
type Executor interface {
	Validate(ctx context.Context, call ir.ToolCallRequest) error
	Run(ctx context.Context, call ir.ToolCallRequest) (Result, error)
}

// UntrackedReader reads a file without updating the stale-read tracker.
type UntrackedReader interface {
	ReadUntracked(ctx context.Context, path string) (string, error)
}

// ErrorCode is a stable, machine-readable tool error code.
type ErrorCode string

const (
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodeInvalidPath      ErrorCode = "INVALID_PATH"
	ErrorCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrorCodeTimeout          ErrorCode = "TIMEOUT"
	ErrorCodeInvalidArguments ErrorCode = "INVALID_ARGUMENTS"
	ErrorCodeCanceled         ErrorCode = "CANCELED"
	ErrorCodeUnknown          ErrorCode = "UNKNOWN"
)

// ToolError carries structured tool failure metadata.
type ToolError struct {
	Code           ErrorCode `json:"code"`
	Message        string    `json:"message"`
	Retryable      bool      `json:"retryable,omitempty"`
	SuggestedFixes []string  `json:"suggested_fixes,omitempty"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *ToolError) Normalize() {
	if e == nil {
		return
	}
	e.Message = strings.TrimSpace(e.Message)
	if e.Message == "" {
		e.Message = "Tool failed"
	}
	if e.Code == "" {
		e.Code = ErrorCodeUnknown
	}
	if len(e.SuggestedFixes) > 0 {
		out := make([]string, 0, len(e.SuggestedFixes))
		seen := make(map[string]struct{}, len(e.SuggestedFixes))
		for _, it := range e.SuggestedFixes {
			v := strings.TrimSpace(it)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
		e.SuggestedFixes = out
	}
}

// Feedback renders the error as the text fed back to the model.
func (e *ToolError) Feedback() string {
	if e == nil {
		return ""
	}
	e.Normalize()
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Code, e.Message)
	for _, fix := range e.SuggestedFixes {
		sb.WriteString("\n- ")
		sb.WriteString(fix)
	}
	return sb.String()
}

// FileOutdatedError reports that a file changed since the model last read it.
type FileOutdatedError struct {
	Path string
}

func (e *FileOutdatedError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("file %s was modified since it was last read", e.Path)
}

// Definition describes a built-in tool: its schema and the policy flags.
type Definition struct {
	Name             string
	Description      string
	Mutating         bool
	RequiresApproval bool
	// Schema is the JSON schema of the arguments object.
	Schema string
}
