// Package ir defines the conversation items exchanged between the engine, the
// transports, the delegation service and the state machine.
package ir

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Kind identifies an item variant.
type Kind string

const (
	KindUser                 Kind = "user"
	KindAssistant            Kind = "assistant"
	KindToolOutput           Kind = "tool-output"
	KindToolError            Kind = "tool-error"
	KindToolMalformed        Kind = "tool-malformed"
	KindFileOutdated         Kind = "file-outdated"
	KindFileUnreadable       Kind = "file-unreadable"
	KindCompactionCheckpoint Kind = "compaction-checkpoint"
)

type Function struct {
	Name string `json:"name"`
	// Arguments is the raw JSON object text produced by the model.
	Arguments string `json:"arguments"`
}

// ToolCallRequest is a tool invocation issued by the model.
type ToolCallRequest struct {
	ID       string   `json:"tool_call_id"`
	Function Function `json:"function"`
}

// Arg returns one argument value by gjson path.
func (c ToolCallRequest) Arg(path string) gjson.Result {
	return gjson.Get(c.Function.Arguments, path)
}

// ArgString returns a trimmed string argument, or "" when absent.
func (c ToolCallRequest) ArgString(path string) string {
	return strings.TrimSpace(c.Arg(path).String())
}

// ArgsMap decodes the arguments into a map. Invalid JSON yields an empty map.
func (c ToolCallRequest) ArgsMap() map[string]any {
	out := map[string]any{}
	raw := strings.TrimSpace(c.Function.Arguments)
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// WithArgument returns a copy of the request with one argument set.
func (c ToolCallRequest) WithArgument(path string, value any) (ToolCallRequest, error) {
	raw := c.Function.Arguments
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	next, err := sjson.Set(raw, path, value)
	if err != nil {
		return c, err
	}
	c.Function.Arguments = next
	return c, nil
}

// ReplaceArguments swaps the raw argument text in place. Autofix is the only caller.
func (c *ToolCallRequest) ReplaceArguments(raw string) {
	if c == nil {
		return
	}
	c.Function.Arguments = raw
}

// ValidArguments reports whether the arguments are a JSON object.
func (c ToolCallRequest) ValidArguments() bool {
	raw := strings.TrimSpace(c.Function.Arguments)
	return raw != "" && gjson.Valid(raw) && gjson.Parse(raw).IsObject()
}

// Item is one structured contribution to a conversation.
type Item struct {
	ID        string           `json:"id"`
	Kind      Kind             `json:"kind"`
	Content   string           `json:"content,omitempty"`
	Reasoning string           `json:"reasoning,omitempty"`
	ToolCall  *ToolCallRequest `json:"tool_call,omitempty"`

	// ToolCallID and ToolName link tool results (and malformed calls) to their request.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	Path  string `json:"path,omitempty"`
	Error string `json:"error,omitempty"`
	Lines int    `json:"lines,omitempty"`

	// Metadata holds provider-specific data (thinking signatures, response ids).
	Metadata map[string]any `json:"metadata,omitempty"`
}

func NewID() string { return uuid.NewString() }

func User(text string) Item {
	return Item{ID: NewID(), Kind: KindUser, Content: text}
}

func Assistant(content string, reasoning string) Item {
	return Item{ID: NewID(), Kind: KindAssistant, Content: content, Reasoning: reasoning}
}

// ToolRequest is an assistant item carrying a tool call.
func ToolRequest(content string, reasoning string, call ToolCallRequest) Item {
	it := Assistant(content, reasoning)
	it.ToolCall = &call
	return it
}

func ToolOutput(call ToolCallRequest, content string, lines int) Item {
	return Item{ID: NewID(), Kind: KindToolOutput, Content: content, Lines: lines, ToolCallID: call.ID, ToolName: call.Function.Name}
}

func ToolError(call ToolCallRequest, message string) Item {
	return Item{ID: NewID(), Kind: KindToolError, Error: message, ToolCallID: call.ID, ToolName: call.Function.Name}
}

// Malformed records a tool call whose arguments could not be parsed.
func Malformed(callID string, toolName string, rawArgs string, message string) Item {
	return Item{ID: NewID(), Kind: KindToolMalformed, Content: rawArgs, Error: message, ToolCallID: callID, ToolName: toolName}
}

// FileOutdated carries the fresh content of a file that changed since it was last read.
func FileOutdated(call ToolCallRequest, path string, content string) Item {
	return Item{ID: NewID(), Kind: KindFileOutdated, Path: path, Content: content, ToolCallID: call.ID, ToolName: call.Function.Name}
}

func FileUnreadable(call ToolCallRequest, path string, message string) Item {
	return Item{ID: NewID(), Kind: KindFileUnreadable, Path: path, Error: message, ToolCallID: call.ID, ToolName: call.Function.Name}
}

func Checkpoint(summary string) Item {
	return Item{ID: NewID(), Kind: KindCompactionCheckpoint, Content: summary}
}

// IsToolResult reports whether the item answers a tool call.
func (it Item) IsToolResult() bool {
	switch it.Kind {
	case KindToolOutput, KindToolError, KindFileOutdated, KindFileUnreadable:
		return true
	default:
		return false
	}
}

// Weight is the character weight of one item.
func (it Item) Weight() int {
	n := len(it.Content) + len(it.Reasoning) + len(it.Error)
	if it.ToolCall != nil {
		n += len(it.ToolCall.Function.Name) + len(it.ToolCall.Function.Arguments)
	}
	return n
}

// Size is the total character weight of items.
func Size(items []Item) int {
	total := 0
	for _, it := range items {
		total += it.Weight()
	}
	return total
}

// Clone deep-copies items so callers may mutate the result.
func Clone(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, it := range items {
		if it.ToolCall != nil {
			call := *it.ToolCall
			it.ToolCall = &call
		}
		if it.Metadata != nil {
			md := make(map[string]any, len(it.Metadata))
			for k, v := range it.Metadata {
				md[k] = v
			}
			it.Metadata = md
		}
		out[i] = it
	}
	return out
}

// Last returns the final item, if any.
func Last(items []Item) (Item, bool) {
	if len(items) == 0 {
		return Item{}, false
	}
	return items[len(items)-1], true
}

// LastCheckpoint returns the index of the latest compaction checkpoint, or -1.
func LastCheckpoint(items []Item) int {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Kind == KindCompactionCheckpoint {
			return i
		}
	}
	return -1
}
