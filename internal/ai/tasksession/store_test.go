package tasksession

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/redeven-orchestrator/internal/ai/ir"
	"github.com/floegence/redeven-orchestrator/internal/lockfile"
)

func TestAcquire_ResumeAppendsToSameSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewStore(Options{})

	sess, created, err := st.Acquire(ctx, "task_a", "explore")
	require.NoError(t, err)
	require.True(t, created)
	sess.Append(ctx, ir.User("first"), ir.Assistant("done", ""))

	again, created, err := st.Acquire(ctx, "task_a", "explore")
	require.NoError(t, err)
	require.False(t, created)
	require.Same(t, sess, again)
	again.Append(ctx, ir.User("second"))

	history := again.History()
	require.Len(t, history, 3)
	assert.Equal(t, "second", history[2].Content)
}

func TestAcquire_PinnedSubagent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewStore(Options{})

	_, _, err := st.Acquire(ctx, "task_a", "explore")
	require.NoError(t, err)

	_, _, err = st.Acquire(ctx, "task_a", "general-purpose")
	var pinned *PinnedSubagentError
	require.True(t, errors.As(err, &pinned))
	assert.Equal(t, "explore", pinned.Subagent)
	assert.Equal(t, "general-purpose", pinned.Requested)
	assert.Contains(t, err.Error(), `"task_a"`)
	assert.Contains(t, err.Error(), `"explore"`)
}

func TestAcquire_MissingTaskID(t *testing.T) {
	t.Parallel()
	_, _, err := NewStore(Options{}).Acquire(context.Background(), "  ", "explore")
	require.ErrorIs(t, err, ErrMissingTaskID)
}

func TestAcquire_EvictsOldestInsertion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewStore(Options{Capacity: 3})

	for i := 0; i < 3; i++ {
		_, _, err := st.Acquire(ctx, fmt.Sprintf("t%d", i), "explore")
		require.NoError(t, err)
	}
	// Touching t0 does not refresh its insertion position.
	_, _, err := st.Acquire(ctx, "t0", "explore")
	require.NoError(t, err)

	_, _, err = st.Acquire(ctx, "t3", "explore")
	require.NoError(t, err)

	assert.Equal(t, []string{"t1", "t2", "t3"}, st.IDs())
	_, ok := st.Get("t0")
	assert.False(t, ok)
}

func TestDefaultCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewStore(Options{})
	for i := 0; i < DefaultCapacity+5; i++ {
		_, _, err := st.Acquire(ctx, fmt.Sprintf("t%d", i), "explore")
		require.NoError(t, err)
	}
	ids := st.IDs()
	require.Len(t, ids, DefaultCapacity)
	assert.Equal(t, "t5", ids[0])
}

func TestSQLiteMirror_ResumesAcrossStores(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "sessions", "tasks.sqlite")

	m, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	first := NewStore(Options{Mirror: m})
	sess, created, err := first.Acquire(ctx, "task_a", "explore")
	require.NoError(t, err)
	require.True(t, created)
	sess.Append(ctx, ir.User("look around"), ir.Assistant("found it", "thinking"))

	second := NewStore(Options{Mirror: m})
	resumed, created, err := second.Acquire(ctx, "task_a", "explore")
	require.NoError(t, err)
	require.False(t, created)
	history := resumed.History()
	require.Len(t, history, 2)
	assert.Equal(t, "found it", history[1].Content)
	assert.Empty(t, history[1].Reasoning)

	_, _, err = NewStore(Options{Mirror: m}).Acquire(ctx, "task_a", "general-purpose")
	var pinned *PinnedSubagentError
	require.ErrorAs(t, err, &pinned)
}

func TestSQLiteMirror_EvictionDeletesRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, err := OpenSQLite(filepath.Join(t.TempDir(), "tasks.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	st := NewStore(Options{Capacity: 1, Mirror: m})
	sess, _, err := st.Acquire(ctx, "old", "explore")
	require.NoError(t, err)
	sess.Append(ctx, ir.User("hi"))

	_, _, err = st.Acquire(ctx, "new", "explore")
	require.NoError(t, err)

	_, _, ok, err := m.Load(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenSQLite_LocksDatabase(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "tasks.sqlite")
	m, err := OpenSQLite(dbPath)
	require.NoError(t, err)

	_, err = OpenSQLite(dbPath)
	require.ErrorIs(t, err, lockfile.ErrAlreadyLocked)

	require.NoError(t, m.Close())
	again, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestOpenSQLite_MissingPath(t *testing.T) {
	t.Parallel()
	_, err := OpenSQLite(" ")
	require.Error(t, err)
}

func TestRecompact(t *testing.T) {
	t.Parallel()

	t.Run("strips reasoning and metadata", func(t *testing.T) {
		t.Parallel()
		a := ir.Assistant("visible", "hidden")
		a.Metadata = map[string]any{"anthropic_thinking_signature": "sig"}
		out := Recompact([]ir.Item{ir.User("seed"), a}, Limits{})
		require.Len(t, out, 2)
		assert.Equal(t, "visible", out[1].Content)
		assert.Empty(t, out[1].Reasoning)
		assert.Nil(t, out[1].Metadata)
	})

	t.Run("truncates tool output", func(t *testing.T) {
		t.Parallel()
		call := ir.ToolCallRequest{ID: "c1", Function: ir.Function{Name: "read", Arguments: "{}"}}
		big := strings.Repeat("x", 50)
		out := Recompact([]ir.Item{ir.ToolRequest("", "", call), ir.ToolOutput(call, big, 1)}, Limits{ToolOutputCap: 10})
		require.Len(t, out, 2)
		assert.Equal(t, strings.Repeat("x", 10)+truncatedSuffix, out[1].Content)
	})

	t.Run("item ceiling pins seed", func(t *testing.T) {
		t.Parallel()
		history := []ir.Item{ir.User("seed")}
		for i := 0; i < 10; i++ {
			history = append(history, ir.Assistant(fmt.Sprintf("a%d", i), ""))
		}
		out := Recompact(history, Limits{MaxItems: 4})
		require.Len(t, out, 4)
		assert.Equal(t, "seed", out[0].Content)
		assert.Equal(t, "a7", out[1].Content)
		assert.Equal(t, "a9", out[3].Content)
	})

	t.Run("char ceiling", func(t *testing.T) {
		t.Parallel()
		history := []ir.Item{
			ir.Assistant(strings.Repeat("a", 60), ""),
			ir.Assistant(strings.Repeat("b", 60), ""),
			ir.Assistant(strings.Repeat("c", 60), ""),
		}
		out := Recompact(history, Limits{MaxChars: 130})
		require.Len(t, out, 2)
		assert.LessOrEqual(t, ir.Size(out), 130)
		assert.Equal(t, byte('b'), out[0].Content[0])
	})

	t.Run("drops orphaned tool results", func(t *testing.T) {
		t.Parallel()
		call := ir.ToolCallRequest{ID: "c1", Function: ir.Function{Name: "read", Arguments: "{}"}}
		history := []ir.Item{
			ir.User("seed"),
			ir.ToolRequest("", "", call),
			ir.ToolOutput(call, "out", 1),
			ir.Assistant("final", ""),
		}
		out := Recompact(history, Limits{MaxItems: 3})
		require.Len(t, out, 2)
		assert.Equal(t, ir.KindUser, out[0].Kind)
		assert.Equal(t, "final", out[1].Content)
	})

	t.Run("does not mutate input", func(t *testing.T) {
		t.Parallel()
		in := []ir.Item{ir.Assistant("x", "r")}
		_ = Recompact(in, Limits{})
		assert.Equal(t, "r", in[0].Reasoning)
	})
}
