package tasksession

import "github.com/floegence/redeven-orchestrator/internal/ai/ir"

const (
	DefaultToolOutputCap = 24000
	DefaultMaxItems      = 80
	DefaultMaxChars      = 140000

	truncatedSuffix = "\n... (truncated)"
)

// Limits bounds a session history after every append.
type Limits struct {
	ToolOutputCap int
	MaxItems      int
	MaxChars      int
}

func (l Limits) withDefaults() Limits {
	if l.ToolOutputCap <= 0 {
		l.ToolOutputCap = DefaultToolOutputCap
	}
	if l.MaxItems <= 0 {
		l.MaxItems = DefaultMaxItems
	}
	if l.MaxChars <= 0 {
		l.MaxChars = DefaultMaxChars
	}
	return l
}

// Recompact returns a bounded copy of history.
//
// Assistant entries lose reasoning and provider metadata, tool output bodies
// are cut to ToolOutputCap, and the oldest entries are evicted until both the
// item and character ceilings hold. A leading user message is the task seed
// and is never evicted. The newest entry is always kept.
func Recompact(history []ir.Item, lim Limits) []ir.Item {
	lim = lim.withDefaults()

	out := ir.Clone(history)
	for i := range out {
		switch out[i].Kind {
		case ir.KindAssistant:
			out[i].Reasoning = ""
			out[i].Metadata = nil
		case ir.KindToolOutput:
			out[i].Content = truncateRunes(out[i].Content, lim.ToolOutputCap)
		}
	}

	pinned := 0
	if len(out) > 0 && out[0].Kind == ir.KindUser {
		pinned = 1
	}
	total := ir.Size(out)
	evict := func() {
		total -= out[pinned].Weight()
		out = append(out[:pinned], out[pinned+1:]...)
	}
	for len(out) > pinned+1 && (len(out) > lim.MaxItems || total > lim.MaxChars) {
		evict()
	}
	// A result whose request was evicted cannot be replayed to a provider.
	for len(out) > pinned+1 && out[pinned].IsToolResult() {
		evict()
	}
	return out
}

func truncateRunes(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + truncatedSuffix
}
