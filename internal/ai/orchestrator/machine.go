// Package orchestrator holds the top-level session state: the active mode,
// the main conversation, delegated task observations, and focus. It is a
// bubbletea component; model turns, tool runs, and delegations execute in
// commands and report back as messages.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/floegence/redeven-orchestrator/internal/ai/arc"
	"github.com/floegence/redeven-orchestrator/internal/ai/delegate"
	"github.com/floegence/redeven-orchestrator/internal/ai/ir"
	"github.com/floegence/redeven-orchestrator/internal/ai/liveprogress"
	"github.com/floegence/redeven-orchestrator/internal/ai/llm"
	"github.com/floegence/redeven-orchestrator/internal/ai/tools"
	"github.com/floegence/redeven-orchestrator/internal/config"
	"github.com/floegence/redeven-orchestrator/internal/logging"
)

// Delegator runs task tool calls; *delegate.Service implements it.
type Delegator interface {
	Run(ctx context.Context, call ir.ToolCallRequest) (string, error)
	Live() *liveprogress.Registry
}

type Options struct {
	Engine    delegate.Runner
	Executor  tools.Executor
	Delegator Delegator

	Model        string
	SystemPrompt string
	Tools        []llm.ToolDef
	RetryBudget  int
	PollInterval time.Duration
	// Whitelist names tools that run without confirmation.
	Whitelist []string

	Logger *slog.Logger
}

// Counters tracks streamed bytes of the current response.
type Counters struct {
	Content   int
	Reasoning int
	Tool      int
}

type Machine struct {
	engine    delegate.Runner
	executor  tools.Executor
	delegator Delegator

	model        string
	systemPrompt string
	tools        []llm.ToolDef
	retryBudget  int
	pollInterval time.Duration
	log          *slog.Logger

	mode      Mode
	history   []ir.Item
	whitelist map[string]struct{}
	counters  Counters
	composer  string
	focus     Focus

	finalized      map[string]delegate.Observation
	finalizedOrder []string

	live       *liveprogress.Snapshot
	liveCallID string
	polling    bool

	turn   int
	cancel context.CancelFunc
	ctx    context.Context
}

func New(opts Options) (*Machine, error) {
	if opts.Engine == nil {
		return nil, errors.New("missing engine")
	}
	if opts.Executor == nil {
		return nil, errors.New("missing tool executor")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Duration(config.DefaultLivePollIntervalMs) * time.Millisecond
	}
	budget := opts.RetryBudget
	if budget < 0 {
		budget = 0
	}
	m := &Machine{
		engine:       opts.Engine,
		executor:     opts.Executor,
		delegator:    opts.Delegator,
		model:        opts.Model,
		systemPrompt: opts.SystemPrompt,
		tools:        opts.Tools,
		retryBudget:  budget,
		pollInterval: poll,
		log:          logging.OrDefault(opts.Logger),
		mode:         Mode{Kind: ModeInput},
		whitelist:    map[string]struct{}{},
		finalized:    map[string]delegate.Observation{},
	}
	for _, name := range opts.Whitelist {
		if name = strings.TrimSpace(name); name != "" {
			m.whitelist[name] = struct{}{}
		}
	}
	return m, nil
}

// Messages accepted by Update.
type (
	SubmitMsg struct{ Text string }

	// ApproveMsg confirms the pending tool call. Always adds the tool to the whitelist.
	ApproveMsg struct{ Always bool }
	RejectMsg  struct{}
	AbortMsg   struct{}

	// RetryMsg re-runs the failed turn from the current history.
	RetryMsg struct{}

	// EditRetryMsg drops the failed turn and puts its text back in the composer.
	EditRetryMsg struct{}
	OpenMenuMsg  struct{}
	CloseMenuMsg struct{}
	FocusNextMsg struct{}
	FocusPrevMsg struct{}
	PollTickMsg  time.Time

	arcEventMsg struct {
		turn  int
		event arc.Event
		ch    <-chan tea.Msg
	}
	arcDoneMsg struct {
		turn   int
		finish arc.Finish
	}
	toolDoneMsg struct {
		turn int
		call ir.ToolCallRequest
		item ir.Item
		// observation is the raw delegation text for task tool calls.
		observation string
		err         error
	}
)

func (m *Machine) Init() tea.Cmd { return nil }

func (m *Machine) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case SubmitMsg:
		return m.submit(msg.Text)
	case ApproveMsg:
		return m.approve(msg.Always)
	case RejectMsg:
		return m.reject()
	case AbortMsg:
		m.abort()
		return nil
	case RetryMsg:
		return m.retry()
	case EditRetryMsg:
		m.editRetry()
		return nil
	case OpenMenuMsg:
		if m.mode.Kind == ModeInput {
			m.mode = Mode{Kind: ModeMenu}
		}
		return nil
	case CloseMenuMsg:
		if m.mode.Kind == ModeMenu {
			m.mode = Mode{Kind: ModeInput}
		}
		return nil
	case FocusNextMsg:
		m.FocusNext()
		return nil
	case FocusPrevMsg:
		m.FocusPrev()
		return nil
	case PollTickMsg:
		return m.poll()
	case arcEventMsg:
		if msg.turn == m.turn && m.mode.busy() {
			m.applyEvent(msg.event)
		}
		return listen(msg.ch)
	case arcDoneMsg:
		if msg.turn != m.turn {
			return nil
		}
		return m.finishArc(msg.finish)
	case toolDoneMsg:
		if msg.turn != m.turn {
			return nil
		}
		return m.finishTool(msg)
	}
	return nil
}

func (m *Machine) Mode() Mode               { return m.mode }
func (m *Machine) Focus() Focus             { return m.focus }
func (m *Machine) Counters() Counters       { return m.counters }
func (m *Machine) Composer() string         { return m.composer }
func (m *Machine) History() []ir.Item       { return ir.Clone(m.history) }
func (m *Machine) FinalizedOrder() []string { return append([]string(nil), m.finalizedOrder...) }

func (m *Machine) Observation(taskID string) (delegate.Observation, bool) {
	o, ok := m.finalized[taskID]
	return o, ok
}

// LiveObservations returns the latest polled live snapshot, or nil.
func (m *Machine) LiveObservations() *liveprogress.Snapshot { return m.live }

func (m *Machine) submit(text string) tea.Cmd {
	text = strings.TrimSpace(text)
	if m.mode.Kind != ModeInput || text == "" {
		return nil
	}
	m.composer = ""
	m.history = append(m.history, ir.User(text))
	return m.respond()
}

// respond starts a new turn and runs one arc over the history.
func (m *Machine) respond() tea.Cmd {
	m.turn++
	if m.cancel != nil {
		m.cancel()
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mode = Mode{Kind: ModeResponding}
	return m.startArc()
}

func (m *Machine) startArc() tea.Cmd {
	m.counters = Counters{}
	ctx, turn := m.ctx, m.turn
	in := arc.Input{
		Model:        m.model,
		SystemPrompt: m.systemPrompt,
		Messages:     ir.Clone(m.history),
		Tools:        m.tools,
	}
	ch := make(chan tea.Msg, 64)
	in.OnEvent = func(ev arc.Event) { deliver(ctx, ch, arcEventMsg{turn: turn, event: ev, ch: ch}) }
	engine, budget := m.engine, m.retryBudget
	go func() {
		defer close(ch)
		deliver(ctx, ch, arcDoneMsg{turn: turn, finish: engine.Run(ctx, in, budget)})
	}()
	return listen(ch)
}

// deliver blocks until msg is queued or ctx is done. Once canceled, msg is
// still queued if there is room, so an aborted arc can report its partial
// output; otherwise it is dropped.
func deliver(ctx context.Context, ch chan<- tea.Msg, msg tea.Msg) {
	select {
	case ch <- msg:
		return
	case <-ctx.Done():
	}
	select {
	case ch <- msg:
	default:
	}
}

// listen delivers the next message of a running arc. Stale turns are
// drained the same way so the producer never blocks.
func listen(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func (m *Machine) applyEvent(ev arc.Event) {
	switch ev.Kind {
	case arc.EventStartCompaction:
		m.enterSubMode(ModeCompacting)
	case arc.EventCompactionParsed:
		m.mode = m.mode.base()
	case arc.EventStartResponse:
		m.counters = Counters{}
	case arc.EventResponseProgress:
		m.counters = Counters{Content: len(ev.Progress.Content), Reasoning: len(ev.Progress.Reasoning), Tool: len(ev.Progress.Tool)}
	case arc.EventAutofixStart:
		if ev.Autofix == arc.AutofixDiff {
			m.enterSubMode(ModeDiffApply)
		} else {
			m.enterSubMode(ModeFixJSON)
		}
	case arc.EventAutofixEnd:
		m.mode = m.mode.base()
	case arc.EventRetryTool:
		m.log.Debug("retrying tool call", "retry_budget", ev.Budget)
	}
}

func (m *Machine) enterSubMode(kind ModeKind) {
	base := m.mode.base()
	m.mode = Mode{Kind: kind, Return: &base}
}

func (m *Machine) finishArc(fin arc.Finish) tea.Cmd {
	if !m.mode.busy() {
		// Aborted from the UI; keep whatever the arc produced before it stopped.
		if fin.Kind == arc.FinishAbort {
			m.history = append(m.history, fin.Output...)
		}
		return nil
	}
	m.mode = m.mode.base()
	switch fin.Kind {
	case arc.FinishAbort:
		m.history = append(m.history, fin.Output...)
		m.mode = Mode{Kind: ModeInput}
		return nil
	case arc.FinishNeedsResponse:
		m.history = append(m.history, fin.Output...)
		m.mode = Mode{Kind: ModeInput}
		return nil
	case arc.FinishRequestError:
		m.mode = errorMode(fin)
		m.log.Warn("turn failed", "mode", m.mode.Kind, "status", fin.StatusCode, "error", fin.Message)
		return nil
	case arc.FinishRequestTool:
		m.history = append(m.history, fin.Output...)
		call := *fin.Call
		if m.autoApproved(call) {
			return m.runTool(call)
		}
		m.mode = Mode{Kind: ModeToolRequest, Call: &call}
		return nil
	}
	m.mode = Mode{Kind: ModeInput}
	return nil
}

func (m *Machine) autoApproved(call ir.ToolCallRequest) bool {
	name := call.Function.Name
	args := call.ArgsMap()
	if tools.IsDangerousInvocation(name, args) {
		return false
	}
	if _, ok := m.whitelist[name]; ok {
		return true
	}
	return !tools.RequiresApprovalForInvocation(name, args)
}

func (m *Machine) approve(always bool) tea.Cmd {
	if m.mode.Kind != ModeToolRequest || m.mode.Call == nil {
		return nil
	}
	call := *m.mode.Call
	if always {
		m.whitelist[call.Function.Name] = struct{}{}
	}
	return m.runTool(call)
}

func (m *Machine) reject() tea.Cmd {
	if m.mode.Kind != ModeToolRequest || m.mode.Call == nil {
		return nil
	}
	m.history = append(m.history, ir.ToolError(*m.mode.Call, "rejected by user"))
	m.mode = Mode{Kind: ModeResponding}
	return m.startArc()
}

func (m *Machine) runTool(call ir.ToolCallRequest) tea.Cmd {
	m.mode = Mode{Kind: ModeToolWaiting, Call: &call}
	ctx, turn := m.ctx, m.turn

	if call.Function.Name == tools.TaskToolName && m.delegator != nil {
		m.liveCallID = call.ID
		run := func() tea.Msg {
			out, err := m.delegator.Run(ctx, call)
			return toolDoneMsg{turn: turn, call: call, item: ir.ToolOutput(call, out, strings.Count(out, "\n")+1), observation: out, err: err}
		}
		if m.polling {
			return run
		}
		m.polling = true
		return tea.Batch(run, m.pollTick())
	}

	exec := m.executor
	return func() tea.Msg {
		res, err := exec.Run(ctx, call)
		return toolDoneMsg{turn: turn, call: call, item: ir.ToolOutput(call, res.Content, res.Lines), err: err}
	}
}

func (m *Machine) finishTool(msg toolDoneMsg) tea.Cmd {
	if m.mode.Kind != ModeToolWaiting {
		return nil
	}
	isTask := msg.call.Function.Name == tools.TaskToolName
	if isTask {
		m.liveCallID = ""
		m.live = nil
	}

	item := msg.item
	if msg.err != nil {
		if errors.Is(msg.err, context.Canceled) || m.ctx.Err() != nil {
			m.history = append(m.history, ir.ToolError(msg.call, "aborted by user"))
			m.mode = Mode{Kind: ModeInput}
			return nil
		}
		item = ir.ToolError(msg.call, tools.ClassifyError(msg.call.Function.Name, msg.err).Feedback())
	}
	m.history = append(m.history, item)

	if isTask && msg.err == nil {
		if obs, ok := delegate.ParseObservations(msg.observation); ok {
			m.recordObservations(obs)
		}
	}
	m.settleFocus()

	m.mode = Mode{Kind: ModeResponding}
	return m.startArc()
}

func (m *Machine) recordObservations(obs []delegate.Observation) {
	for _, o := range obs {
		if _, seen := m.finalized[o.TaskID]; !seen {
			m.finalizedOrder = append(m.finalizedOrder, o.TaskID)
		}
		m.finalized[o.TaskID] = o
	}
}

func (m *Machine) pollTick() tea.Cmd {
	return tea.Tick(m.pollInterval, func(t time.Time) tea.Msg {
		return PollTickMsg(t)
	})
}

// poll republishes the live snapshot of the outstanding delegation and keeps
// ticking while one exists.
func (m *Machine) poll() tea.Cmd {
	if m.liveCallID == "" || m.delegator == nil {
		m.polling = false
		return nil
	}
	snap := m.delegator.Live().Snapshot(m.liveCallID)
	if snap != nil && (m.live == nil || snap.UpdatedAt != m.live.UpdatedAt) {
		m.live = snap
		m.settleFocus()
	}
	return m.pollTick()
}

func (m *Machine) abort() {
	if m.cancel != nil {
		m.cancel()
	}
	switch base := m.mode.base(); base.Kind {
	case ModeToolRequest, ModeToolWaiting:
		if base.Call != nil {
			m.history = append(m.history, ir.ToolError(*base.Call, "aborted by user"))
		}
	}
	if m.mode.Kind == ModeToolWaiting {
		// The tool result for this turn is dropped from here on.
		m.turn++
	}
	m.liveCallID = ""
	m.live = nil
	m.settleFocus()
	m.mode = Mode{Kind: ModeInput}
}

func (m *Machine) retry() tea.Cmd {
	if !m.mode.IsError() {
		return nil
	}
	return m.respond()
}

func (m *Machine) editRetry() {
	if !m.mode.IsError() {
		return
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].Kind == ir.KindUser {
			m.composer = m.history[i].Content
			m.history = m.history[:i]
			break
		}
	}
	m.mode = Mode{Kind: ModeInput}
}

// String is a compact description used in logs.
func (m *Machine) String() string {
	return fmt.Sprintf("mode=%s history=%d focus=%q", m.mode.Kind, len(m.history), m.focus.TaskID)
}
