package arc

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/floegence/redeven-orchestrator/internal/ai/ir"
	"github.com/floegence/redeven-orchestrator/internal/ai/llm"
)

// Caps are in characters (runes).
const (
	ContentBufferCap   = 500000
	ReasoningBufferCap = 200000
	ToolBufferCap      = 500000
)

// Progress is a snapshot of the streamed buffers.
type Progress struct {
	Content   string
	Reasoning string
	Tool      string
}

func (p Progress) empty() bool {
	return p.Content == "" && p.Reasoning == "" && p.Tool == ""
}

// tokenBuffers accumulates streamed deltas per kind. Once a kind is full its
// further deltas are dropped silently.
type tokenBuffers struct {
	mu        sync.Mutex
	content   limitedBuffer
	reasoning limitedBuffer
	tool      limitedBuffer
}

func newTokenBuffers() *tokenBuffers {
	return &tokenBuffers{
		content:   limitedBuffer{max: ContentBufferCap},
		reasoning: limitedBuffer{max: ReasoningBufferCap},
		tool:      limitedBuffer{max: ToolBufferCap},
	}
}

func (b *tokenBuffers) add(text string, kind llm.TokenKind) Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch kind {
	case llm.TokenReasoning:
		b.reasoning.write(text)
	case llm.TokenTool:
		b.tool.write(text)
	default:
		b.content.write(text)
	}
	return b.snapshotLocked()
}

func (b *tokenBuffers) snapshot() Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *tokenBuffers) snapshotLocked() Progress {
	return Progress{
		Content:   b.content.buf.String(),
		Reasoning: b.reasoning.buf.String(),
		Tool:      b.tool.buf.String(),
	}
}

// partialItem builds the assistant item left behind by an interrupted turn.
func (b *tokenBuffers) partialItem() (ir.Item, bool) {
	p := b.snapshot()
	if p.empty() {
		return ir.Item{}, false
	}
	content := p.Content
	if p.Tool != "" {
		if content != "" {
			content += "\n"
		}
		content += "<partial_tool_call>\n" + p.Tool + "\n</partial_tool_call>"
	}
	return ir.Assistant(content, p.Reasoning), true
}

// limitedBuffer appends up to max runes. String never copies, so snapshots
// taken on every delta stay linear in the streamed size.
type limitedBuffer struct {
	max   int
	runes int
	full  bool
	buf   strings.Builder
}

func (l *limitedBuffer) write(s string) {
	if l.full || s == "" {
		return
	}
	n := utf8.RuneCountInString(s)
	if remain := l.max - l.runes; n > remain {
		cut := 0
		for i := 0; i < remain; i++ {
			_, size := utf8.DecodeRuneInString(s[cut:])
			cut += size
		}
		s, n = s[:cut], remain
		l.full = true
	}
	l.buf.WriteString(s)
	l.runes += n
}
