// Package liveprogress keeps snapshots of in-flight delegated tasks, keyed by
// the tool call that started them. Consumers poll Snapshot and compare UpdatedAt.
package liveprogress

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	TraceCap  = 32000
	ResultCap = 8000

	// TruncationMarker prefixes text whose oldest part was dropped.
	TruncationMarker = "[... earlier output truncated ...]\n"

	FailurePrefix = "Subagent task failed: "
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Seed is the placeholder registered for one planned task.
type Seed struct {
	TaskID      string
	Subagent    string
	Description string
	// Preview is a short preview of the task prompt.
	Preview string
}

// Observation is the live view of one task.
type Observation struct {
	TaskID      string `json:"task_id"`
	Subagent    string `json:"subagent"`
	Description string `json:"description"`
	Status      Status `json:"status"`
	Preview     string `json:"preview,omitempty"`
	Trace       string `json:"trace"`
	Result      string `json:"result"`
}

// Snapshot is a copy of one live run.
type Snapshot struct {
	Order        []string               `json:"order"`
	Observations map[string]Observation `json:"observations"`
	UpdatedAt    int64                  `json:"updated_at"`
}

type run struct {
	order        []string
	observations map[string]*Observation
	updatedAt    int64
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	runs    map[string]*run
	lastTS  int64
	nowFunc func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{runs: map[string]*run{}, nowFunc: time.Now}
}

// stamp returns a strictly increasing millisecond timestamp. Caller holds mu.
func (r *Registry) stamp() int64 {
	now := r.nowFunc().UnixMilli()
	if now <= r.lastTS {
		now = r.lastTS + 1
	}
	r.lastTS = now
	return now
}

// StartRun registers a live run, replacing any previous run with the same id.
func (r *Registry) StartRun(toolCallID string, seeds []Seed) {
	if r == nil {
		return
	}
	toolCallID = strings.TrimSpace(toolCallID)
	lr := &run{order: make([]string, 0, len(seeds)), observations: make(map[string]*Observation, len(seeds))}
	for _, s := range seeds {
		id := strings.TrimSpace(s.TaskID)
		if id == "" {
			continue
		}
		if _, dup := lr.observations[id]; !dup {
			lr.order = append(lr.order, id)
		}
		lr.observations[id] = &Observation{
			TaskID:      id,
			Subagent:    s.Subagent,
			Description: s.Description,
			Status:      StatusRunning,
			Preview:     s.Preview,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	lr.updatedAt = r.stamp()
	r.runs[toolCallID] = lr
}

func (r *Registry) mutate(toolCallID string, taskID string, fn func(o *Observation)) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	lr := r.runs[strings.TrimSpace(toolCallID)]
	if lr == nil {
		return
	}
	o := lr.observations[strings.TrimSpace(taskID)]
	if o == nil {
		return
	}
	fn(o)
	lr.updatedAt = r.stamp()
}

// AppendTrace appends one line to a task's trace. Unknown tasks are ignored.
func (r *Registry) AppendTrace(toolCallID string, taskID string, line string) {
	r.mutate(toolCallID, taskID, func(o *Observation) {
		o.Trace = appendLine(o.Trace, line, TraceCap)
	})
}

// SetResult replaces a task's result. Unknown tasks are ignored.
func (r *Registry) SetResult(toolCallID string, taskID string, text string) {
	r.mutate(toolCallID, taskID, func(o *Observation) {
		o.Result = TailTruncate(text, ResultCap)
		o.Status = StatusCompleted
	})
}

// MarkFailed records a task failure as an error trace line plus a prefixed result.
func (r *Registry) MarkFailed(toolCallID string, taskID string, message string) {
	r.mutate(toolCallID, taskID, func(o *Observation) {
		o.Trace = appendLine(o.Trace, "[task-error] "+message, TraceCap)
		o.Result = TailTruncate(FailurePrefix+message, ResultCap)
		o.Status = StatusFailed
	})
}

// Snapshot returns a copy of the run, or nil when none is registered.
func (r *Registry) Snapshot(toolCallID string) *Snapshot {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	lr := r.runs[strings.TrimSpace(toolCallID)]
	if lr == nil {
		return nil
	}
	out := &Snapshot{
		Order:        append([]string(nil), lr.order...),
		Observations: make(map[string]Observation, len(lr.observations)),
		UpdatedAt:    lr.updatedAt,
	}
	for id, o := range lr.observations {
		out.Observations[id] = *o
	}
	return out
}

// Active returns the ids of every registered run.
func (r *Registry) Active() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.runs))
	for id := range r.runs {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Clear(toolCallID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, strings.TrimSpace(toolCallID))
}

func appendLine(trace string, line string, limit int) string {
	line = strings.TrimRight(line, "\n")
	if trace == "" {
		return TailTruncate(line, limit)
	}
	return TailTruncate(trace+"\n"+line, limit)
}

// TailTruncate keeps the last limit characters (runes) of s, prefixed by
// TruncationMarker when anything was dropped.
func TailTruncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	body := strings.TrimPrefix(s, TruncationMarker)
	n := utf8.RuneCountInString(body)
	if n <= limit {
		return s
	}
	cut := 0
	for drop := n - limit; drop > 0; drop-- {
		_, size := utf8.DecodeRuneInString(body[cut:])
		cut += size
	}
	return TruncationMarker + body[cut:]
}
