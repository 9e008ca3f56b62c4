package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err       error
		code      ErrorCode
		retryable bool
	}{
		{fmt.Errorf("open x: %w", os.ErrNotExist), ErrorCodeNotFound, false},
		{errors.New("permission denied"), ErrorCodePermissionDenied, false},
		{errors.New("path must be absolute"), ErrorCodeInvalidPath, true},
		{errors.New("command timed out"), ErrorCodeTimeout, true},
		{context.DeadlineExceeded, ErrorCodeTimeout, true},
		{context.Canceled, ErrorCodeCanceled, false},
		{errors.New("missing required field path"), ErrorCodeInvalidArguments, true},
		{errors.New("boom"), ErrorCodeUnknown, false},
	}
	for _, tc := range cases {
		got := ClassifyError(ReadToolName, tc.err)
		require.NotNil(t, got, tc.err.Error())
		assert.Equal(t, tc.code, got.Code, tc.err.Error())
		assert.Equal(t, tc.retryable, got.Retryable, tc.err.Error())
	}
	assert.Nil(t, ClassifyError(ReadToolName, nil))
}

func TestClassifyError_PassesToolErrorThrough(t *testing.T) {
	t.Parallel()

	in := &ToolError{Code: ErrorCodeInvalidPath, Message: "  bad  ", SuggestedFixes: []string{"a", "a", " "}}
	got := ClassifyError(EditToolName, fmt.Errorf("wrapped: %w", in))
	assert.Equal(t, ErrorCodeInvalidPath, got.Code)
	assert.Equal(t, "bad", got.Message)
	assert.Equal(t, []string{"a"}, got.SuggestedFixes)
	assert.Equal(t, "[INVALID_PATH] bad\n- a", got.Feedback())
}

func TestClassifyError_EditHunkMismatch(t *testing.T) {
	t.Parallel()

	got := ClassifyError(EditToolName, errors.New("hunk 2 does not apply"))
	assert.Equal(t, ErrorCodeInvalidArguments, got.Code)
}

func TestIsFileOutdated(t *testing.T) {
	t.Parallel()

	path, ok := IsFileOutdated(fmt.Errorf("validate: %w", &FileOutdatedError{Path: "/w/a.go"}))
	assert.True(t, ok)
	assert.Equal(t, "/w/a.go", path)

	_, ok = IsFileOutdated(errors.New("x"))
	assert.False(t, ok)
}
