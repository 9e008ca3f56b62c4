// Package arc runs one bounded turn of a conversation: optional compaction,
// one streamed model response, tool-call validation, and local retries that
// share a single retry budget.
package arc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/floegence/redeven-orchestrator/internal/ai/ir"
	"github.com/floegence/redeven-orchestrator/internal/ai/llm"
	"github.com/floegence/redeven-orchestrator/internal/ai/tools"
	"github.com/floegence/redeven-orchestrator/internal/logging"
)

type FinishKind string

const (
	FinishAbort         FinishKind = "abort"
	FinishNeedsResponse FinishKind = "needs-response"
	FinishRequestTool   FinishKind = "request-tool"
	FinishRequestError  FinishKind = "request-error"
)

// Stage tells which backend call a request error came from.
type Stage string

const (
	StageCompaction Stage = "compaction"
	StageResponse   Stage = "response"
)

// Finish is the terminal outcome of Run. Output holds every item produced,
// in the order it was produced, across all retries.
type Finish struct {
	Kind FinishKind
	Call *ir.ToolCallRequest

	Message    string
	Curl       string
	StatusCode int
	Stage      Stage

	Output []ir.Item
}

type EventKind string

const (
	EventStartCompaction  EventKind = "start-compaction"
	EventCompactionParsed EventKind = "compaction-parsed"
	EventStartResponse    EventKind = "start-response"
	EventResponseProgress EventKind = "response-progress"
	EventRetryTool        EventKind = "retry-tool"
	EventAutofixStart     EventKind = "autofix-start"
	EventAutofixEnd       EventKind = "autofix-end"
)

type AutofixKind string

const (
	AutofixJSON AutofixKind = "json"
	AutofixDiff AutofixKind = "diff"
)

type Event struct {
	Kind EventKind

	Checkpoint *ir.Item
	Progress   Progress
	// Budget is the retry budget left after a retry-tool event.
	Budget  int
	Autofix AutofixKind
	OK      bool
}

// Autofixer repairs a failed tool call once before retry budget is spent.
type Autofixer interface {
	FixJSON(raw string) (string, bool)
	FixEdit(ctx context.Context, call ir.ToolCallRequest) (string, bool)
}

type Input struct {
	Model        string
	SystemPrompt string
	Messages     []ir.Item
	Tools        []llm.ToolDef
	// OnEvent is called synchronously from Run. It may be nil.
	OnEvent func(Event)
}

type Options struct {
	Transport llm.Transport
	Executor  tools.Executor
	Reader    tools.UntrackedReader
	// Autofix is optional; without it malformed and invalid calls go straight to retry.
	Autofix Autofixer
	// ShouldCompact decides whether to summarize before responding. Nil disables compaction.
	ShouldCompact    func(messages []ir.Item) bool
	CompactionPrompt string

	Tracer trace.Tracer
	Logger *slog.Logger
}

const DefaultCompactionPrompt = `Summarize the conversation so far for a continuation of the same task.
Keep: the user's goal, decisions made, files touched and their current state, open problems, and the next step.
Drop: tool output that is no longer relevant. Reply with the summary only.`

// CompactWhen returns the default compaction predicate: the estimated token
// count (characters / 4) exceeds threshold * contextLimitTokens.
func CompactWhen(contextLimitTokens int, threshold float64) func([]ir.Item) bool {
	return func(messages []ir.Item) bool {
		if contextLimitTokens <= 0 || threshold <= 0 {
			return false
		}
		estimated := ir.Size(llm.Visible(messages)) / 4
		return float64(estimated) > threshold*float64(contextLimitTokens)
	}
}

type Engine struct {
	transport llm.Transport
	executor  tools.Executor
	reader    tools.UntrackedReader
	autofix   Autofixer

	shouldCompact    func([]ir.Item) bool
	compactionPrompt string

	tracer trace.Tracer
	log    *slog.Logger
}

func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.New("missing transport")
	}
	if opts.Executor == nil {
		return nil, errors.New("missing tool executor")
	}
	prompt := strings.TrimSpace(opts.CompactionPrompt)
	if prompt == "" {
		prompt = DefaultCompactionPrompt
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = defaultTracer()
	}
	return &Engine{
		transport:        opts.Transport,
		executor:         opts.Executor,
		reader:           opts.Reader,
		autofix:          opts.Autofix,
		shouldCompact:    opts.ShouldCompact,
		compactionPrompt: prompt,
		tracer:           tracer,
		log:              logging.OrDefault(opts.Logger),
	}, nil
}

// Run executes arcs until one reaches a terminal outcome. Each local retry
// consumes one unit of retryBudget and sees the output of the attempts before
// it; the budget never goes below zero.
func (e *Engine) Run(ctx context.Context, in Input, retryBudget int) Finish {
	if retryBudget < 0 {
		retryBudget = 0
	}
	messages := ir.Clone(in.Messages)
	var output []ir.Item
	for {
		spanCtx, span := e.startArcSpan(ctx, retryBudget)
		fin, produced, retry := e.arc(spanCtx, in, messages, retryBudget)
		endArcSpan(span, fin, retry)

		output = append(output, produced...)
		if !retry {
			fin.Output = output
			if fin.Kind == FinishRequestError {
				e.log.Warn("arc request error", "stage", fin.Stage, "status", fin.StatusCode, "error", fin.Message)
			}
			return fin
		}
		messages = append(messages, produced...)
		retryBudget--
		e.log.Debug("arc retrying tool call", "retry_budget", retryBudget)
		emit(in.OnEvent, Event{Kind: EventRetryTool, Budget: retryBudget})
	}
}

// arc runs one attempt. retry reports that the attempt ended in a
// recoverable tool failure and budget remains.
func (e *Engine) arc(ctx context.Context, in Input, messages []ir.Item, budget int) (Finish, []ir.Item, bool) {
	if ctx.Err() != nil {
		return Finish{Kind: FinishAbort}, nil, false
	}

	var produced []ir.Item
	working := messages[:len(messages):len(messages)]

	if e.shouldCompact != nil && e.shouldCompact(working) {
		emit(in.OnEvent, Event{Kind: EventStartCompaction})
		checkpoint, fin, ok := e.compact(ctx, in, working)
		if !ok {
			return fin, nil, false
		}
		emit(in.OnEvent, Event{Kind: EventCompactionParsed, Checkpoint: &checkpoint})
		working = append(working, checkpoint)
		produced = append(produced, checkpoint)
	}

	if ctx.Err() != nil {
		return Finish{Kind: FinishAbort}, produced, false
	}

	emit(in.OnEvent, Event{Kind: EventStartResponse})
	bufs := newTokenBuffers()
	resp := e.transport.Run(ctx, llm.Request{
		Model:        in.Model,
		SystemPrompt: in.SystemPrompt,
		Messages:     working,
		Tools:        in.Tools,
		OnTokens: func(text string, kind llm.TokenKind) {
			p := bufs.add(text, kind)
			emit(in.OnEvent, Event{Kind: EventResponseProgress, Progress: p})
		},
	})

	if ctx.Err() != nil {
		if partial, ok := bufs.partialItem(); ok {
			produced = append(produced, partial)
		}
		return Finish{Kind: FinishAbort}, produced, false
	}

	if !resp.Success || len(resp.Output) == 0 {
		if partial, ok := bufs.partialItem(); ok {
			produced = append(produced, partial)
		}
		msg := strings.TrimSpace(resp.RequestError)
		if msg == "" {
			msg = "model returned no output"
		}
		return Finish{Kind: FinishRequestError, Message: msg, Curl: resp.Curl, StatusCode: resp.StatusCode, Stage: StageResponse}, produced, false
	}
	produced = append(produced, resp.Output...)

	last := produced[len(produced)-1]
	if last.Kind == ir.KindToolMalformed {
		fixed, ok := e.fixMalformed(in, last)
		if !ok {
			if budget <= 0 {
				return Finish{Kind: FinishRequestError, Message: "too many malformed tool retries", Stage: StageResponse}, produced, false
			}
			return Finish{}, produced, true
		}
		produced = attachCall(produced[:len(produced)-1], fixed)
		last = produced[len(produced)-1]
	}

	if last.ToolCall == nil {
		return Finish{Kind: FinishNeedsResponse}, produced, false
	}
	return e.validate(ctx, in, produced, last.ToolCall, budget)
}

func (e *Engine) compact(ctx context.Context, in Input, working []ir.Item) (ir.Item, Finish, bool) {
	bufs := newTokenBuffers()
	req := llm.Request{
		Model:        in.Model,
		SystemPrompt: in.SystemPrompt,
		Messages:     append(working, ir.User(e.compactionPrompt)),
		OnTokens:     func(text string, kind llm.TokenKind) { bufs.add(text, kind) },
	}
	resp := e.transport.Run(ctx, req)
	if ctx.Err() != nil {
		return ir.Item{}, Finish{Kind: FinishAbort}, false
	}
	if !resp.Success {
		return ir.Item{}, Finish{Kind: FinishRequestError, Message: resp.RequestError, Curl: resp.Curl, StatusCode: resp.StatusCode, Stage: StageCompaction}, false
	}
	summary := ""
	for _, it := range resp.Output {
		if it.Kind == ir.KindAssistant && strings.TrimSpace(it.Content) != "" {
			summary = strings.TrimSpace(it.Content)
		}
	}
	if summary == "" {
		summary = strings.TrimSpace(bufs.snapshot().Content)
	}
	if summary == "" {
		return ir.Item{}, Finish{Kind: FinishRequestError, Message: "compaction produced no summary", Curl: resp.Curl, Stage: StageCompaction}, false
	}
	return ir.Checkpoint(summary), Finish{}, true
}

func (e *Engine) fixMalformed(in Input, it ir.Item) (ir.ToolCallRequest, bool) {
	if e.autofix == nil || strings.TrimSpace(it.ToolName) == "" {
		return ir.ToolCallRequest{}, false
	}
	emit(in.OnEvent, Event{Kind: EventAutofixStart, Autofix: AutofixJSON})
	fixed, ok := e.autofix.FixJSON(it.Content)
	emit(in.OnEvent, Event{Kind: EventAutofixEnd, Autofix: AutofixJSON, OK: ok})
	if !ok {
		return ir.ToolCallRequest{}, false
	}
	return ir.ToolCallRequest{ID: it.ToolCallID, Function: ir.Function{Name: it.ToolName, Arguments: fixed}}, true
}

// attachCall adds a repaired call to the turn, joining the assistant text
// that preceded the malformed item when there is one.
func attachCall(produced []ir.Item, call ir.ToolCallRequest) []ir.Item {
	if n := len(produced); n > 0 {
		prev := produced[n-1]
		if prev.Kind == ir.KindAssistant && prev.ToolCall == nil {
			produced[n-1].ToolCall = &call
			return produced
		}
	}
	return append(produced, ir.ToolRequest("", "", call))
}

func (e *Engine) validate(ctx context.Context, in Input, produced []ir.Item, call *ir.ToolCallRequest, budget int) (Finish, []ir.Item, bool) {
	err := e.executor.Validate(ctx, *call)
	if err == nil {
		c := *call
		return Finish{Kind: FinishRequestTool, Call: &c}, produced, false
	}
	if ctx.Err() != nil {
		return Finish{Kind: FinishAbort}, produced, false
	}

	if path, ok := tools.IsFileOutdated(err); ok {
		produced = append(produced, e.rereadItem(ctx, *call, path))
		return e.retryOrFail(produced, budget, err)
	}

	if call.Function.Name == tools.EditToolName && e.autofix != nil {
		emit(in.OnEvent, Event{Kind: EventAutofixStart, Autofix: AutofixDiff})
		if fixed, ok := e.autofix.FixEdit(ctx, *call); ok {
			candidate := *call
			candidate.ReplaceArguments(fixed)
			if e.executor.Validate(ctx, candidate) == nil {
				call.ReplaceArguments(fixed)
				emit(in.OnEvent, Event{Kind: EventAutofixEnd, Autofix: AutofixDiff, OK: true})
				return Finish{Kind: FinishRequestTool, Call: &candidate}, produced, false
			}
		}
		emit(in.OnEvent, Event{Kind: EventAutofixEnd, Autofix: AutofixDiff, OK: false})
	}

	te := tools.ClassifyError(call.Function.Name, err)
	produced = append(produced, ir.ToolError(*call, te.Feedback()))
	return e.retryOrFail(produced, budget, err)
}

func (e *Engine) rereadItem(ctx context.Context, call ir.ToolCallRequest, path string) ir.Item {
	if e.reader == nil {
		return ir.FileUnreadable(call, path, "file changed since it was last read and cannot be re-read")
	}
	content, err := e.reader.ReadUntracked(ctx, path)
	if err != nil {
		return ir.FileUnreadable(call, path, err.Error())
	}
	return ir.FileOutdated(call, path, content)
}

func (e *Engine) retryOrFail(produced []ir.Item, budget int, cause error) (Finish, []ir.Item, bool) {
	if budget <= 0 {
		return Finish{Kind: FinishRequestError, Message: fmt.Sprintf("too many tool retries: %v", cause), Stage: StageResponse}, produced, false
	}
	return Finish{}, produced, true
}

func emit(fn func(Event), ev Event) {
	if fn != nil {
		fn(ev)
	}
}
