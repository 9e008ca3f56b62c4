// Package delegate runs task tool calls: each invocation drives a nested arc
// loop for one subagent, backed by a resumable task session and reported
// live through the progress registry.
package delegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/floegence/redeven-orchestrator/internal/ai/agents"
	"github.com/floegence/redeven-orchestrator/internal/ai/arc"
	"github.com/floegence/redeven-orchestrator/internal/ai/ir"
	"github.com/floegence/redeven-orchestrator/internal/ai/liveprogress"
	"github.com/floegence/redeven-orchestrator/internal/ai/llm"
	"github.com/floegence/redeven-orchestrator/internal/ai/tasksession"
	"github.com/floegence/redeven-orchestrator/internal/ai/tools"
	"github.com/floegence/redeven-orchestrator/internal/logging"
)

const DefaultMaxSteps = 40

// Runner runs one arc; *arc.Engine implements it.
type Runner interface {
	Run(ctx context.Context, in arc.Input, retryBudget int) arc.Finish
}

// Catalog lists delegation targets; *agents.Catalog implements it.
type Catalog interface {
	Lookup(name string) (agents.Definition, bool)
	Names() []string
}

type Options struct {
	Engine   Runner
	Executor tools.Executor
	Agents   Catalog
	Sessions *tasksession.Store
	Live     *liveprogress.Registry

	// Model is used for agents that do not pin one.
	Model       string
	RetryBudget int
	// MaxSteps bounds tool round trips per task and call.
	MaxSteps int

	Tracer trace.Tracer
	Logger *slog.Logger
}

type Service struct {
	engine      Runner
	executor    tools.Executor
	agents      Catalog
	sessions    *tasksession.Store
	live        *liveprogress.Registry
	model       string
	retryBudget int
	maxSteps    int
	tracer      trace.Tracer
	log         *slog.Logger
}

func New(opts Options) (*Service, error) {
	switch {
	case opts.Engine == nil:
		return nil, errors.New("missing engine")
	case opts.Executor == nil:
		return nil, errors.New("missing tool executor")
	case opts.Agents == nil:
		return nil, errors.New("missing agent catalog")
	}
	s := &Service{
		engine:      opts.Engine,
		executor:    opts.Executor,
		agents:      opts.Agents,
		sessions:    opts.Sessions,
		live:        opts.Live,
		model:       strings.TrimSpace(opts.Model),
		retryBudget: opts.RetryBudget,
		maxSteps:    opts.MaxSteps,
		tracer:      opts.Tracer,
		log:         logging.OrDefault(opts.Logger),
	}
	if s.sessions == nil {
		s.sessions = tasksession.NewStore(tasksession.Options{Logger: opts.Logger})
	}
	if s.live == nil {
		s.live = liveprogress.NewRegistry()
	}
	if s.maxSteps <= 0 {
		s.maxSteps = DefaultMaxSteps
	}
	if s.retryBudget < 0 {
		s.retryBudget = 0
	}
	if s.tracer == nil {
		s.tracer = defaultTracer()
	}
	return s, nil
}

// Live returns the registry the service reports progress to.
func (s *Service) Live() *liveprogress.Registry { return s.live }

// Sessions returns the task session table.
func (s *Service) Sessions() *tasksession.Store { return s.sessions }

// Run parses a task tool call and delegates it.
func (s *Service) Run(ctx context.Context, call ir.ToolCallRequest) (string, error) {
	invs, err := ParseInvocations(call)
	if err != nil {
		return "", err
	}
	return s.Delegate(ctx, call.ID, invs)
}

type plannedTask struct {
	index int
	id    string
	inv   Invocation
	def   agents.Definition
}

// Delegate runs invs and returns the observation text. Validation errors are
// returned before anything starts. A single task that is canceled returns
// the context error; any other task failure becomes a failure observation.
// Parallel tasks all run to completion regardless of sibling failures.
func (s *Service) Delegate(ctx context.Context, toolCallID string, invs []Invocation) (string, error) {
	toolCallID = strings.TrimSpace(toolCallID)
	if toolCallID == "" {
		return "", errors.New("missing tool call id")
	}
	if len(invs) == 0 {
		return "", &tools.ToolError{Code: tools.ErrorCodeInvalidArguments, Message: "no tasks to delegate"}
	}
	if err := Validate(invs, s.agents); err != nil {
		return "", err
	}

	plan := make([]plannedTask, len(invs))
	seeds := make([]liveprogress.Seed, len(invs))
	planned := make(map[string]struct{}, len(invs))
	for _, inv := range invs {
		if inv.TaskID != "" {
			planned[inv.TaskID] = struct{}{}
		}
	}
	for i, inv := range invs {
		def, _ := s.agents.Lookup(inv.SubagentType)
		id := inv.TaskID
		if id == "" {
			// A derived id may not shadow an explicit one in the same batch.
			id = DerivedTaskID(toolCallID, i)
			if _, dup := planned[id]; dup {
				return "", &DuplicateTaskIDError{TaskID: id}
			}
		}
		plan[i] = plannedTask{index: i, id: id, inv: inv, def: def}
		seeds[i] = liveprogress.Seed{TaskID: id, Subagent: def.Name, Description: inv.Description, Preview: oneLine(inv.Prompt, previewWidth)}
	}

	ctx, span := s.startRunSpan(ctx, toolCallID, len(plan))
	s.live.StartRun(toolCallID, seeds)
	defer s.live.Clear(toolCallID)

	if len(plan) == 1 {
		obs, err := s.runTask(ctx, toolCallID, plan[0], plan[0].inv.Prompt)
		if err != nil && isAbort(ctx, err) {
			endSpan(span, err)
			return "", err
		}
		endSpan(span, nil)
		return FormatObservations([]Observation{obs}), nil
	}

	results := make([]Observation, len(plan))
	var wg sync.WaitGroup
	for _, p := range plan {
		wg.Add(1)
		go func(p plannedTask) {
			defer wg.Done()
			obs, _ := s.runTask(ctx, toolCallID, p, peerPreamble(plan, p.index)+p.inv.Prompt)
			results[p.index] = obs
		}(p)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		endSpan(span, err)
		return "", err
	}
	endSpan(span, nil)
	return FormatObservations(results), nil
}

// runTask always returns a usable observation; on failure it is the failure
// shape and err is the cause.
func (s *Service) runTask(ctx context.Context, toolCallID string, p plannedTask, prompt string) (Observation, error) {
	ctx, span := s.startTaskSpan(ctx, p.id, p.def.Name)
	rec := &traceRecorder{live: s.live, toolCallID: toolCallID, taskID: p.id}
	obs := Observation{TaskID: p.id, Subagent: p.def.Name, Description: p.inv.Description}

	s.log.Info("subagent task started", "tool_call_id", toolCallID, "task_id", p.id, "subagent", p.def.Name)
	result, err := s.runTaskSession(ctx, rec, p, prompt)
	endSpan(span, err)
	if err != nil {
		msg := err.Error()
		if isAbort(ctx, err) {
			msg = "canceled"
		}
		s.log.Warn("subagent task failed", "tool_call_id", toolCallID, "task_id", p.id, "subagent", p.def.Name, "error", msg)
		s.live.MarkFailed(toolCallID, p.id, msg)
		rec.local("task-error", msg)
		obs.Trace = rec.String()
		obs.Result = liveprogress.FailurePrefix + msg
		return obs, err
	}

	s.live.SetResult(toolCallID, p.id, result)
	s.log.Info("subagent task finished", "tool_call_id", toolCallID, "task_id", p.id, "subagent", p.def.Name)
	obs.Trace = rec.String()
	obs.Result = result
	return obs, nil
}

func (s *Service) runTaskSession(ctx context.Context, rec *traceRecorder, p plannedTask, prompt string) (string, error) {
	sess, created, err := s.sessions.Acquire(ctx, p.id, p.def.Name)
	if err != nil {
		return "", err
	}
	if !created {
		rec.line("resume", fmt.Sprintf("%d prior items", sess.Len()))
	}
	sess.Append(ctx, ir.User(prompt))
	return s.runSubagentUntilPause(ctx, rec, p.def, sess)
}

// runSubagentUntilPause alternates arcs and inline tool runs until the
// subagent answers, fails, or is canceled.
func (s *Service) runSubagentUntilPause(ctx context.Context, rec *traceRecorder, def agents.Definition, sess *tasksession.Session) (string, error) {
	allowed := subagentTools(def)
	var toolDefs []llm.ToolDef
	if len(allowed) > 0 {
		toolDefs = llm.ToolDefs(tools.Definitions(allowed))
	}
	model := def.Model
	if model == "" {
		model = s.model
	}

	for step := 0; ; step++ {
		if step >= s.maxSteps {
			return "", fmt.Errorf("subagent did not finish within %d steps", s.maxSteps)
		}
		fin := s.engine.Run(ctx, arc.Input{
			Model:        model,
			SystemPrompt: def.Prompt,
			Messages:     sess.History(),
			Tools:        toolDefs,
		}, s.retryBudget)
		for _, it := range fin.Output {
			rec.item(it)
		}
		sess.Append(ctx, fin.Output...)

		switch fin.Kind {
		case arc.FinishAbort:
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "", context.Canceled
		case arc.FinishRequestError:
			return "", fmt.Errorf("request failed: %s", fin.Message)
		case arc.FinishNeedsResponse:
			return finalAnswer(fin.Output), nil
		case arc.FinishRequestTool:
			item, err := s.runTool(ctx, allowed, *fin.Call)
			if err != nil {
				return "", err
			}
			rec.item(item)
			sess.Append(ctx, item)
		default:
			return "", fmt.Errorf("unexpected arc finish %q", fin.Kind)
		}
	}
}

func (s *Service) runTool(ctx context.Context, allowed []string, call ir.ToolCallRequest) (ir.Item, error) {
	if !contains(allowed, call.Function.Name) {
		return ir.ToolError(call, fmt.Sprintf("tool %q is not available to this subagent", call.Function.Name)), nil
	}
	res, err := s.executor.Run(ctx, call)
	if err != nil {
		if ctx.Err() != nil {
			return ir.Item{}, ctx.Err()
		}
		return ir.ToolError(call, tools.ClassifyError(call.Function.Name, err).Feedback()), nil
	}
	return ir.ToolOutput(call, res.Content, res.Lines), nil
}

func subagentTools(def agents.Definition) []string {
	src := def.Tools
	if src == nil {
		src = agents.SanitizeTools(nil, def.ReadOnly)
	}
	out := make([]string, 0, len(src))
	for _, name := range src {
		if name != tools.TaskToolName {
			out = append(out, name)
		}
	}
	return out
}

func finalAnswer(items []ir.Item) string {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Kind == ir.KindAssistant && strings.TrimSpace(items[i].Content) != "" {
			return strings.TrimSpace(items[i].Content)
		}
	}
	return ""
}

func peerPreamble(plan []plannedTask, index int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are task %d of %d running in parallel.\n", index+1, len(plan))
	fmt.Fprintf(&b, "Your task: %s\n", oneLine(plan[index].inv.Description, previewWidth))
	b.WriteString("Other tasks running at the same time:\n")
	for _, p := range plan {
		if p.index == index {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", p.def.Name, oneLine(p.inv.Description, previewWidth))
	}
	b.WriteString("Do not modify files or other artifacts that belong to those tasks.\n\n")
	return b.String()
}

func isAbort(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}
