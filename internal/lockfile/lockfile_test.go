package lockfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_Exclusive(t *testing.T) {
	t.Parallel()
	path := For(filepath.Join(t.TempDir(), "state", "sessions.db"))
	assert.True(t, strings.HasSuffix(path, "sessions.db.lock"))

	l, err := Acquire(path)
	require.NoError(t, err)
	assert.Equal(t, path, l.Path())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(raw)))

	_, err = Acquire(path)
	require.ErrorIs(t, err, ErrAlreadyLocked)

	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	again, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquire_EmptyPath(t *testing.T) {
	t.Parallel()
	_, err := Acquire("  ")
	require.Error(t, err)
}
