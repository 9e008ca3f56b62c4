package delegate

import (
	"strings"
	"sync"

	"github.com/muesli/reflow/truncate"

	"github.com/floegence/redeven-orchestrator/internal/ai/ir"
	"github.com/floegence/redeven-orchestrator/internal/ai/liveprogress"
)

const (
	traceLineWidth = 400
	previewWidth   = 120
)

// oneLine collapses whitespace and bounds s to width display cells.
func oneLine(s string, width uint) string {
	return truncate.StringWithTail(strings.Join(strings.Fields(s), " "), width, "…")
}

// traceRecorder mirrors one task's transcript into the live registry and
// keeps its own copy for the final observation.
type traceRecorder struct {
	live       *liveprogress.Registry
	toolCallID string
	taskID     string

	mu    sync.Mutex
	trace string
}

func (r *traceRecorder) line(tag string, text string) {
	l := r.local(tag, text)
	r.live.AppendTrace(r.toolCallID, r.taskID, l)
}

// local records a line without publishing it.
func (r *traceRecorder) local(tag string, text string) string {
	l := "[" + tag + "]"
	if text = oneLine(text, traceLineWidth); text != "" {
		l += " " + text
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trace == "" {
		r.trace = l
	} else {
		r.trace = liveprogress.TailTruncate(r.trace+"\n"+l, liveprogress.TraceCap)
	}
	return l
}

func (r *traceRecorder) item(it ir.Item) {
	switch it.Kind {
	case ir.KindAssistant:
		if strings.TrimSpace(it.Reasoning) != "" {
			r.line("reasoning", it.Reasoning)
		}
		if strings.TrimSpace(it.Content) != "" {
			r.line("assistant", it.Content)
		}
		if it.ToolCall != nil {
			r.line("tool-request", it.ToolCall.Function.Name+" "+it.ToolCall.Function.Arguments)
		}
	case ir.KindToolOutput:
		r.line("tool-output", it.Content)
	case ir.KindToolError:
		r.line("tool-error", it.Error)
	case ir.KindToolMalformed:
		r.line("tool-malformed", it.ToolName+" "+it.Error)
	case ir.KindFileOutdated:
		r.line("file-outdated", it.Path)
	case ir.KindFileUnreadable:
		r.line("file-unreadable", it.Path+" "+it.Error)
	case ir.KindCompactionCheckpoint:
		r.line("compaction", "")
	}
}

func (r *traceRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trace
}
