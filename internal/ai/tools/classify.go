package tools

import (
	"context"
	"errors"
	"os"
	"strings"
)

// ClassifyError maps an execution or validation error onto a stable ToolError.
func ClassifyError(toolName string, err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		out := *te
		out.Normalize()
		return &out
	}

	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "Tool failed"
	}
	lower := strings.ToLower(msg)

	out := &ToolError{
		Code:    ErrorCodeUnknown,
		Message: msg,
	}

	switch {
	case errors.Is(err, context.Canceled):
		out.Code = ErrorCodeCanceled
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(lower, "timed out"):
		out.Code = ErrorCodeTimeout
		out.Retryable = true
		out.SuggestedFixes = []string{"Retry with a smaller scope."}
	case errors.Is(err, os.ErrPermission) || strings.Contains(lower, "permission denied"):
		out.Code = ErrorCodePermissionDenied
		out.SuggestedFixes = []string{"Use a path the session is allowed to access."}
	case errors.Is(err, os.ErrNotExist) || strings.Contains(lower, "not found") || strings.Contains(lower, "no such file"):
		out.Code = ErrorCodeNotFound
		out.SuggestedFixes = []string{"Verify the path exists.", "Call list on the parent directory first."}
	case strings.Contains(lower, "must be absolute") || strings.Contains(lower, "invalid path"):
		out.Code = ErrorCodeInvalidPath
		out.Retryable = true
		out.SuggestedFixes = []string{"Use an absolute path inside the working directory."}
	case strings.Contains(lower, "invalid argument") || strings.Contains(lower, "missing required") || strings.Contains(lower, "unknown field"):
		out.Code = ErrorCodeInvalidArguments
		out.Retryable = true
		out.SuggestedFixes = []string{"Check the tool schema and resend the call with valid arguments."}
	}
	if toolName == EditToolName && out.Code == ErrorCodeUnknown && strings.Contains(lower, "hunk") {
		out.Code = ErrorCodeInvalidArguments
		out.Retryable = true
		out.SuggestedFixes = []string{"Read the file again and regenerate the diff against its current content."}
	}
	out.Normalize()
	return out
}

// IsFileOutdated reports whether err is a stale-read conflict and returns its path.
func IsFileOutdated(err error) (string, bool) {
	var fe *FileOutdatedError
	if errors.As(err, &fe) {
		return fe.Path, true
	}
	return "", false
}
