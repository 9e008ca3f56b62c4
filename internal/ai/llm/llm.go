// Package llm adapts streaming model backends to the transport boundary used by the arc engine.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/floegence/redeven-orchestrator/internal/ai/ir"
	"github.com/floegence/redeven-orchestrator/internal/ai/tools"
	"github.com/floegence/redeven-orchestrator/internal/config"
)

const defaultMaxOutputTokens = 4096

// TokenKind labels a streamed delta.
type TokenKind string

const (
	TokenContent   TokenKind = "content"
	TokenReasoning TokenKind = "reasoning"
	TokenTool      TokenKind = "tool"
)

// ToolDef is a tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	// Schema is the JSON schema of the arguments object.
	Schema string
}

// ToolDefs converts tool definitions into transport tool defs.
func ToolDefs(defs []tools.Definition) []ToolDef {
	out := make([]ToolDef, 0, len(defs))
	for _, def := range defs {
		out = append(out, ToolDef{Name: def.Name, Description: def.Description, Schema: def.Schema})
	}
	return out
}

type Request struct {
	Model        string
	SystemPrompt string
	Messages     []ir.Item
	Tools        []ToolDef
	// OnTokens receives every streamed delta. It may be nil.
	OnTokens func(text string, kind TokenKind)

	MaxOutputTokens int
	// ThinkingBudget enables extended thinking when the backend supports it (>= 1024).
	ThinkingBudget int
}

// Response is the result of one streamed turn.
type Response struct {
	Success bool
	Output  []ir.Item

	RequestError string
	// StatusCode is the HTTP status of a failed request, when known.
	StatusCode int
	// Curl replays the request; the key is written as $API_KEY.
	Curl string
}

// Transport runs one model turn.
type Transport interface {
	Run(ctx context.Context, req Request) Response
}

// KeyResolver returns the API key for a provider id.
type KeyResolver func(providerID string) (string, error)

// NewTransport picks the adapter for the provider type.
func NewTransport(p config.Provider, resolveKey KeyResolver) (Transport, error) {
	if resolveKey == nil {
		return nil, errors.New("missing key resolver")
	}
	key, err := resolveKey(strings.TrimSpace(p.ID))
	if err != nil {
		return nil, fmt.Errorf("resolve api key for %q: %w", p.ID, err)
	}
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("missing provider api key")
	}
	switch strings.ToLower(strings.TrimSpace(p.Type)) {
	case config.ProviderTypeOpenAI, config.ProviderTypeOpenAICompatible:
		return NewOpenAITransport(p.BaseURL, key), nil
	case config.ProviderTypeAnthropic:
		return NewAnthropicTransport(p.BaseURL, key), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", p.Type)
	}
}

func failure(err error, status int, curl string) Response {
	msg := "request failed"
	if err != nil {
		msg = strings.TrimSpace(err.Error())
	}
	return Response{Success: false, RequestError: msg, StatusCode: status, Curl: curl}
}

// pendingCall is a tool call being streamed.
type pendingCall struct {
	ID   string
	Name string
	Args strings.Builder
}

// turnAssembler accumulates one streamed turn and builds its IR output.
type turnAssembler struct {
	onTokens  func(string, TokenKind)
	content   strings.Builder
	reasoning strings.Builder
	calls     []*pendingCall
	metadata  map[string]any
}

func newTurnAssembler(onTokens func(string, TokenKind)) *turnAssembler {
	return &turnAssembler{onTokens: onTokens}
}

func (a *turnAssembler) emit(text string, kind TokenKind) {
	if text == "" {
		return
	}
	switch kind {
	case TokenContent:
		a.content.WriteString(text)
	case TokenReasoning:
		a.reasoning.WriteString(text)
	}
	if a.onTokens != nil {
		a.onTokens(text, kind)
	}
}

func (a *turnAssembler) startCall(id string, name string) *pendingCall {
	id = strings.TrimSpace(id)
	if id == "" {
		id = "call_" + ir.NewID()
	}
	pc := &pendingCall{ID: id, Name: strings.TrimSpace(name)}
	a.calls = append(a.calls, pc)
	return pc
}

func (a *turnAssembler) callArgs(pc *pendingCall, delta string) {
	if pc == nil || delta == "" {
		return
	}
	pc.Args.WriteString(delta)
	if a.onTokens != nil {
		a.onTokens(delta, TokenTool)
	}
}

func (a *turnAssembler) setMetadata(key string, value any) {
	if a.metadata == nil {
		a.metadata = map[string]any{}
	}
	a.metadata[key] = value
}

// output builds the IR items of the turn. Only the first tool call is kept;
// a call whose arguments are not a JSON object becomes a malformed item.
func (a *turnAssembler) output() []ir.Item {
	content := strings.TrimSpace(a.content.String())
	reasoning := strings.TrimSpace(a.reasoning.String())
	if len(a.calls) == 0 {
		if content == "" && reasoning == "" {
			return nil
		}
		it := ir.Assistant(content, reasoning)
		it.Metadata = a.metadata
		return []ir.Item{it}
	}

	pc := a.calls[0]
	raw := strings.TrimSpace(pc.Args.String())
	if raw == "" {
		raw = "{}"
	}
	call := ir.ToolCallRequest{ID: pc.ID, Function: ir.Function{Name: pc.Name, Arguments: raw}}
	if call.Function.Name == "" || !call.ValidArguments() {
		out := make([]ir.Item, 0, 2)
		if content != "" || reasoning != "" {
			it := ir.Assistant(content, reasoning)
			it.Metadata = a.metadata
			out = append(out, it)
		}
		msg := "tool call arguments are not a valid JSON object"
		if call.Function.Name == "" {
			msg = "tool call is missing a tool name"
		}
		return append(out, ir.Malformed(pc.ID, pc.Name, raw, msg))
	}
	it := ir.ToolRequest(content, reasoning, call)
	it.Metadata = a.metadata
	return []ir.Item{it}
}

// Visible returns the items a backend should see: everything from the latest
// compaction checkpoint onward.
func Visible(items []ir.Item) []ir.Item {
	if idx := ir.LastCheckpoint(items); idx > 0 {
		return items[idx:]
	}
	return items
}

// renderToolResult renders a tool-result item as the text returned to the model.
func renderToolResult(it ir.Item) (string, bool) {
	switch it.Kind {
	case ir.KindToolOutput:
		if strings.TrimSpace(it.Content) == "" {
			return "(no output)", false
		}
		return it.Content, false
	case ir.KindToolError:
		return "Error: " + it.Error, true
	case ir.KindFileOutdated:
		return fmt.Sprintf("File %s was modified since you last read it. Its current content is:\n%s\nRe-issue the tool call against this content.", it.Path, it.Content), true
	case ir.KindFileUnreadable:
		return fmt.Sprintf("File %s was modified since you last read it and could not be re-read: %s", it.Path, it.Error), true
	default:
		return it.Content, false
	}
}

// renderUserText renders items that reach the model as user text.
func renderUserText(it ir.Item) string {
	switch it.Kind {
	case ir.KindToolMalformed:
		name := it.ToolName
		if name == "" {
			name = "(unnamed)"
		}
		return fmt.Sprintf("Your call to tool %s was malformed: %s.\nArguments received:\n%s\nRetry the call with a valid JSON object.", name, it.Error, it.Content)
	case ir.KindCompactionCheckpoint:
		return "Summary of the conversation so far:\n" + it.Content
	default:
		return it.Content
	}
}

func sanitizeProviderToolName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var sb strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			sb.WriteRune(ch)
		case ch == '_' || ch == '-':
			sb.WriteRune(ch)
		default:
			sb.WriteRune('_')
		}
	}
	out := strings.Trim(sb.String(), "_-")
	if out == "" {
		return "tool"
	}
	return out
}
