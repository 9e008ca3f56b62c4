package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, err := New(&buf, "json", "warn")
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept", "task_id", "t1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "t1", rec["task_id"])
}

func TestNew_TextFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, err := New(&buf, "text", "")
	require.NoError(t, err)
	log.Info("hello", "retry_budget", 2)
	assert.Contains(t, buf.String(), "retry_budget=2")
}

func TestNew_RejectsUnknownValues(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "xml", "info")
	require.Error(t, err)
	_, err = New(nil, "json", "loud")
	require.Error(t, err)
}

func TestOrDefault(t *testing.T) {
	t.Parallel()

	assert.NotNil(t, OrDefault(nil))
	l := Discard()
	assert.Same(t, l, OrDefault(l))
}
