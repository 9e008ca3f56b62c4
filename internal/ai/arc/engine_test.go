package arc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/redeven-orchestrator/internal/ai/ir"
	"github.com/floegence/redeven-orchestrator/internal/ai/llm"
	"github.com/floegence/redeven-orchestrator/internal/ai/tools"
)

type scriptedTransport struct {
	mu    sync.Mutex
	turns []func(ctx context.Context, req llm.Request) llm.Response
	calls []llm.Request
}

func (s *scriptedTransport) Run(ctx context.Context, req llm.Request) llm.Response {
	s.mu.Lock()
	idx := len(s.calls)
	s.calls = append(s.calls, req)
	var turn func(context.Context, llm.Request) llm.Response
	if idx < len(s.turns) {
		turn = s.turns[idx]
	} else if len(s.turns) > 0 {
		turn = s.turns[len(s.turns)-1]
	}
	s.mu.Unlock()
	if turn == nil {
		return llm.Response{Success: false, RequestError: "no scripted turn"}
	}
	return turn(ctx, req)
}

func (s *scriptedTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func reply(items ...ir.Item) func(context.Context, llm.Request) llm.Response {
	return func(context.Context, llm.Request) llm.Response {
		return llm.Response{Success: true, Output: items}
	}
}

type fakeExecutor struct {
	validate func(call ir.ToolCallRequest) error
}

func (f fakeExecutor) Validate(_ context.Context, call ir.ToolCallRequest) error {
	if f.validate == nil {
		return nil
	}
	return f.validate(call)
}

func (fakeExecutor) Run(context.Context, ir.ToolCallRequest) (tools.Result, error) {
	return tools.Result{}, nil
}

type fakeReader struct {
	content string
	err     error
}

func (r fakeReader) ReadUntracked(context.Context, string) (string, error) { return r.content, r.err }

type fakeFixer struct {
	json     func(string) (string, bool)
	edit     func(ir.ToolCallRequest) (string, bool)
	editSeen int
}

func (f *fakeFixer) FixJSON(raw string) (string, bool) {
	if f.json == nil {
		return "", false
	}
	return f.json(raw)
}

func (f *fakeFixer) FixEdit(_ context.Context, call ir.ToolCallRequest) (string, bool) {
	f.editSeen++
	if f.edit == nil {
		return "", false
	}
	return f.edit(call)
}

func newEngine(t *testing.T, tr llm.Transport, opts Options) *Engine {
	t.Helper()
	opts.Transport = tr
	if opts.Executor == nil {
		opts.Executor = fakeExecutor{}
	}
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func call(name string, args string) ir.ToolCallRequest {
	return ir.ToolCallRequest{ID: "call_1", Function: ir.Function{Name: name, Arguments: args}}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Transport: &scriptedTransport{}})
	require.Error(t, err)
}

func TestRun_NeedsResponse(t *testing.T) {
	t.Parallel()
	tr := &scriptedTransport{turns: []func(context.Context, llm.Request) llm.Response{reply(ir.Assistant("hello", ""))}}
	var kinds []EventKind
	fin := newEngine(t, tr, Options{}).Run(context.Background(), Input{
		Messages: []ir.Item{ir.User("hi")},
		OnEvent:  func(ev Event) { kinds = append(kinds, ev.Kind) },
	}, 3)

	assert.Equal(t, FinishNeedsResponse, fin.Kind)
	require.Len(t, fin.Output, 1)
	assert.Equal(t, "hello", fin.Output[0].Content)
	assert.Equal(t, []EventKind{EventStartResponse}, kinds)
}

func TestRun_RequestTool(t *testing.T) {
	t.Parallel()
	c := call(tools.ReadToolName, `{"path":"/a"}`)
	tr := &scriptedTransport{turns: []func(context.Context, llm.Request) llm.Response{reply(ir.ToolRequest("", "", c))}}
	fin := newEngine(t, tr, Options{}).Run(context.Background(), Input{Messages: []ir.Item{ir.User("read")}}, 0)

	require.Equal(t, FinishRequestTool, fin.Kind)
	require.NotNil(t, fin.Call)
	assert.Equal(t, "/a", fin.Call.ArgString("path"))
}

func TestRun_AlreadyAborted(t *testing.T) {
	t.Parallel()
	tr := &scriptedTransport{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fin := newEngine(t, tr, Options{}).Run(ctx, Input{}, 3)
	assert.Equal(t, FinishAbort, fin.Kind)
	assert.Empty(t, fin.Output)
	assert.Zero(t, tr.count())
}

func TestRun_MalformedRetriesExactlyBudgetPlusOne(t *testing.T) {
	t.Parallel()
	for _, budget := range []int{0, 1, 3, 5} {
		tr := &scriptedTransport{turns: []func(context.Context, llm.Request) llm.Response{
			reply(ir.Malformed("call_x", "read", `{"path":`, "tool call arguments are not a valid JSON object")),
		}}
		var retries []int
		fin := newEngine(t, tr, Options{}).Run(context.Background(), Input{
			Messages: []ir.Item{ir.User("go")},
			OnEvent: func(ev Event) {
				if ev.Kind == EventRetryTool {
					retries = append(retries, ev.Budget)
				}
			},
		}, budget)

		assert.Equal(t, FinishRequestError, fin.Kind, "budget %d", budget)
		assert.Equal(t, "too many malformed tool retries", fin.Message)
		assert.Equal(t, budget+1, tr.count(), "budget %d", budget)
		assert.Len(t, fin.Output, budget+1)
		require.Len(t, retries, budget)
		for i, b := range retries {
			assert.Equal(t, budget-1-i, b)
			assert.GreaterOrEqual(t, b, 0)
		}
	}
}

func TestRun_RetrySeesEarlierOutput(t *testing.T) {
	t.Parallel()
	good := call(tools.ReadToolName, `{"path":"/a"}`)
	tr := &scriptedTransport{turns: []func(context.Context, llm.Request) llm.Response{
		reply(ir.Assistant("thinking aloud", ""), ir.Malformed("call_x", "read", "{", "bad")),
		reply(ir.ToolRequest("", "", good)),
	}}
	fin := newEngine(t, tr, Options{}).Run(context.Background(), Input{Messages: []ir.Item{ir.User("go")}}, 2)

	require.Equal(t, FinishRequestTool, fin.Kind)
	require.Len(t, fin.Output, 3)
	assert.Equal(t, ir.KindAssistant, fin.Output[0].Kind)
	assert.Equal(t, ir.KindToolMalformed, fin.Output[1].Kind)
	assert.NotNil(t, fin.Output[2].ToolCall)

	second := tr.calls[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, ir.KindToolMalformed, second[2].Kind)
}

func TestRun_FixJSONRepairsMalformedCall(t *testing.T) {
	t.Parallel()
	tr := &scriptedTransport{turns: []func(context.Context, llm.Request) llm.Response{
		reply(ir.Assistant("let me read", ""), ir.Malformed("call_x", "read", `{"path":"/a"`, "bad")),
	}}
	fixer := &fakeFixer{json: func(raw string) (string, bool) { return raw + "}", true }}
	var autofix []Event
	fin := newEngine(t, tr, Options{Autofix: fixer}).Run(context.Background(), Input{
		OnEvent: func(ev Event) {
			if ev.Kind == EventAutofixStart || ev.Kind == EventAutofixEnd {
				autofix = append(autofix, ev)
			}
		},
	}, 0)

	require.Equal(t, FinishRequestTool, fin.Kind)
	assert.Equal(t, "call_x", fin.Call.ID)
	assert.Equal(t, "/a", fin.Call.ArgString("path"))
	require.Len(t, fin.Output, 1)
	assert.Equal(t, "let me read", fin.Output[0].Content)
	require.NotNil(t, fin.Output[0].ToolCall)
	require.Len(t, autofix, 2)
	assert.Equal(t, AutofixJSON, autofix[0].Autofix)
	assert.True(t, autofix[1].OK)
	assert.Equal(t, 1, tr.count())
}

func TestRun_FileOutdatedRereadsAndRetries(t *testing.T) {
	t.Parallel()
	c := call(tools.EditToolName, `{"path":"/a","patch":"x"}`)
	tr := &scriptedTransport{turns: []func(context.Context, llm.Request) llm.Response{
		reply(ir.ToolRequest("", "", c)),
		reply(ir.Assistant("ok", "")),
	}}
	exec := fakeExecutor{validate: func(ir.ToolCallRequest) error { return &tools.FileOutdatedError{Path: "/a"} }}

	fin := newEngine(t, tr, Options{Executor: exec, Reader: fakeReader{content: "fresh"}}).Run(context.Background(), Input{}, 1)
	require.Equal(t, FinishNeedsResponse, fin.Kind)
	require.Len(t, fin.Output, 3)
	assert.Equal(t, ir.KindFileOutdated, fin.Output[1].Kind)
	assert.Equal(t, "fresh", fin.Output[1].Content)

	tr2 := &scriptedTransport{turns: []func(context.Context, llm.Request) llm.Response{reply(ir.ToolRequest("", "", c))}}
	fin = newEngine(t, tr2, Options{Executor: exec, Reader: fakeReader{err: errors.New("gone")}}).Run(context.Background(), Input{}, 0)
	require.Equal(t, FinishRequestError, fin.Kind)
	require.Len(t, fin.Output, 2)
	assert.Equal(t, ir.KindFileUnreadable, fin.Output[1].Kind)
	assert.Equal(t, "gone", fin.Output[1].Error)
}

func TestRun_EditAutofixSkipsBudget(t *testing.T) {
	t.Parallel()
	c := call(tools.EditToolName, `{"path":"/a","patch":"bad"}`)
	tr := &scriptedTransport{turns: []func(context.Context, llm.Request) llm.Response{reply(ir.ToolRequest("", "", c))}}
	exec := fakeExecutor{validate: func(call ir.ToolCallRequest) error {
		if call.ArgString("patch") == "good" {
			return nil
		}
		return errors.New("hunk 1 does not apply")
	}}
	fixer := &fakeFixer{edit: func(call ir.ToolCallRequest) (string, bool) {
		next, err := call.WithArgument("patch", "good")
		if err != nil {
			return "", false
		}
		return next.Function.Arguments, true
	}}

	fin := newEngine(t, tr, Options{Executor: exec, Autofix: fixer}).Run(context.Background(), Input{}, 0)
	require.Equal(t, FinishRequestTool, fin.Kind)
	assert.Equal(t, "good", fin.Call.ArgString("patch"))
	assert.Equal(t, "good", fin.Output[0].ToolCall.ArgString("patch"))
	assert.Equal(t, 1, fixer.editSeen)
}

func TestRun_ToolErrorFallsBackToRetry(t *testing.T) {
	t.Parallel()
	c := call(tools.EditToolName, `{"path":"/a","patch":"bad"}`)
	tr := &scriptedTransport{turns: []func(context.Context, llm.Request) llm.Response{reply(ir.ToolRequest("", "", c))}}
	exec := fakeExecutor{validate: func(ir.ToolCallRequest) error { return errors.New("hunk 1 does not apply") }}
	fixer := &fakeFixer{}

	fin := newEngine(t, tr, Options{Executor: exec, Autofix: fixer}).Run(context.Background(), Input{}, 2)
	require.Equal(t, FinishRequestError, fin.Kind)
	assert.Equal(t, 3, tr.count())
	assert.Equal(t, 3, fixer.editSeen)
	require.Len(t, fin.Output, 6)
	assert.Equal(t, ir.KindToolError, fin.Output[1].Kind)
	assert.Contains(t, fin.Output[1].Error, "INVALID_ARGUMENTS")
}

func TestRun_RequestErrorCarriesCurlAndPartial(t *testing.T) {
	t.Parallel()
	tr := &scriptedTransport{turns: []func(context.Context, llm.Request) llm.Response{
		func(_ context.Context, req llm.Request) llm.Response {
			req.OnTokens("partial", llm.TokenContent)
			return llm.Response{RequestError: "boom", StatusCode: 500, Curl: "curl x"}
		},
	}}
	fin := newEngine(t, tr, Options{}).Run(context.Background(), Input{}, 3)
	assert.Equal(t, FinishRequestError, fin.Kind)
	assert.Equal(t, StageResponse, fin.Stage)
	assert.Equal(t, "boom", fin.Message)
	assert.Equal(t, "curl x", fin.Curl)
	assert.Equal(t, 500, fin.StatusCode)
	require.Len(t, fin.Output, 1)
	assert.Equal(t, "partial", fin.Output[0].Content)
	assert.Equal(t, 1, tr.count())
}

func TestRun_AbortDuringStreamKeepsPartial(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	tr := &scriptedTransport{turns: []func(context.Context, llm.Request) llm.Response{
		func(_ context.Context, req llm.Request) llm.Response {
			req.OnTokens("I will ", llm.TokenContent)
			req.OnTokens("hmm", llm.TokenReasoning)
			req.OnTokens(`{"path":`, llm.TokenTool)
			cancel()
			return llm.Response{RequestError: "context canceled"}
		},
	}}
	var progress []Progress
	fin := newEngine(t, tr, Options{}).Run(ctx, Input{OnEvent: func(ev Event) {
		if ev.Kind == EventResponseProgress {
			progress = append(progress, ev.Progress)
		}
	}}, 3)

	require.Equal(t, FinishAbort, fin.Kind)
	require.Len(t, fin.Output, 1)
	assert.Equal(t, "I will \n<partial_tool_call>\n{\"path\":\n</partial_tool_call>", fin.Output[0].Content)
	assert.Equal(t, "hmm", fin.Output[0].Reasoning)
	require.Len(t, progress, 3)
	assert.Equal(t, `{"path":`, progress[2].Tool)
}

func TestRun_AbortWithoutTokensAddsNothing(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	tr := &scriptedTransport{turns: []func(context.Context, llm.Request) llm.Response{
		func(context.Context, llm.Request) llm.Response {
			cancel()
			return llm.Response{RequestError: "context canceled"}
		},
	}}
	fin := newEngine(t, tr, Options{}).Run(ctx, Input{}, 3)
	assert.Equal(t, FinishAbort, fin.Kind)
	assert.Empty(t, fin.Output)
}

func TestRun_CompactionPrecedesResponse(t *testing.T) {
	t.Parallel()
	tr := &scriptedTransport{turns: []func(context.Context, llm.Request) llm.Response{
		func(_ context.Context, req llm.Request) llm.Response {
			if len(req.Tools) != 0 {
				return llm.Response{RequestError: "compaction must not offer tools"}
			}
			return llm.Response{Success: true, Output: []ir.Item{ir.Assistant("summary text", "")}}
		},
		reply(ir.Assistant("answer", "")),
	}}
	var kinds []EventKind
	fin := newEngine(t, tr, Options{ShouldCompact: func([]ir.Item) bool { return true }}).Run(context.Background(), Input{
		Messages: []ir.Item{ir.User("long history")},
		Tools:    []llm.ToolDef{{Name: "read"}},
		OnEvent:  func(ev Event) { kinds = append(kinds, ev.Kind) },
	}, 0)

	require.Equal(t, FinishNeedsResponse, fin.Kind)
	assert.Equal(t, []EventKind{EventStartCompaction, EventCompactionParsed, EventStartResponse}, kinds)
	require.Len(t, fin.Output, 2)
	assert.Equal(t, ir.KindCompactionCheckpoint, fin.Output[0].Kind)
	assert.Equal(t, "summary text", fin.Output[0].Content)

	second := tr.calls[1].Messages
	assert.Equal(t, ir.KindCompactionCheckpoint, second[len(second)-1].Kind)
	first := tr.calls[0].Messages
	assert.Contains(t, first[len(first)-1].Content, "Summarize")
}

func TestRun_CompactionFailureStage(t *testing.T) {
	t.Parallel()
	tr := &scriptedTransport{turns: []func(context.Context, llm.Request) llm.Response{
		func(context.Context, llm.Request) llm.Response { return llm.Response{RequestError: "overloaded", StatusCode: 529} },
	}}
	fin := newEngine(t, tr, Options{ShouldCompact: func([]ir.Item) bool { return true }}).Run(context.Background(), Input{}, 3)
	assert.Equal(t, FinishRequestError, fin.Kind)
	assert.Equal(t, StageCompaction, fin.Stage)
	assert.Equal(t, 1, tr.count())
}

func TestCompactWhen(t *testing.T) {
	t.Parallel()
	pred := CompactWhen(100, 0.5)
	assert.False(t, pred([]ir.Item{ir.User(strings.Repeat("x", 200))}))
	assert.True(t, pred([]ir.Item{ir.User(strings.Repeat("x", 204))}))
	assert.False(t, CompactWhen(0, 0.5)([]ir.Item{ir.User(strings.Repeat("x", 1000))}))
}

func TestTokenBuffersDropPastCap(t *testing.T) {
	t.Parallel()
	b := newTokenBuffers()
	b.add(strings.Repeat("r", ReasoningBufferCap-2), llm.TokenReasoning)
	p := b.add("abcd", llm.TokenReasoning)
	assert.Len(t, p.Reasoning, ReasoningBufferCap)
	p = b.add("more", llm.TokenReasoning)
	assert.Len(t, p.Reasoning, ReasoningBufferCap)
	assert.True(t, strings.HasSuffix(p.Reasoning, "ab"))

	p = b.add("content", llm.TokenContent)
	assert.Equal(t, "content", p.Content)
}

func TestTokenBuffersCapCountsCharacters(t *testing.T) {
	t.Parallel()
	b := newTokenBuffers()
	b.add(strings.Repeat("界", ReasoningBufferCap-1), llm.TokenReasoning)
	p := b.add("ab", llm.TokenReasoning)
	assert.Equal(t, ReasoningBufferCap, utf8.RuneCountInString(p.Reasoning))
	assert.True(t, strings.HasSuffix(p.Reasoning, "界a"))
}

func TestTokenBuffersStreamingAllocationsStayBounded(t *testing.T) {
	delta := strings.Repeat("x", 20)
	const deltas = ContentBufferCap / 20

	allocs := testing.AllocsPerRun(1, func() {
		b := newTokenBuffers()
		var p Progress
		for i := 0; i < deltas; i++ {
			p = b.add(delta, llm.TokenContent)
		}
		if len(p.Content) != ContentBufferCap {
			t.Fatalf("content length = %d", len(p.Content))
		}
	})
	// Snapshots share the builder's bytes; only buffer growth allocates.
	assert.Less(t, allocs, float64(200))
}
