package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/floegence/redeven-orchestrator/internal/ai/ir"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicSignatureKey   = "anthropic_thinking_signature"
)

// AnthropicTransport streams turns through the Anthropic Messages API.
type AnthropicTransport struct {
	client  anthropic.Client
	baseURL string
}

func NewAnthropicTransport(baseURL string, apiKey string) *AnthropicTransport {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL != "" {
		opts = append(opts, aoption.WithBaseURL(baseURL))
	} else {
		baseURL = anthropicDefaultBaseURL
	}
	return &AnthropicTransport{client: anthropic.NewClient(opts...), baseURL: baseURL}
}

func (t *AnthropicTransport) Run(ctx context.Context, req Request) Response {
	if t == nil {
		return failure(errors.New("nil transport"), 0, "")
	}
	if strings.TrimSpace(req.Model) == "" {
		return failure(errors.New("missing model"), 0, "")
	}
	tools, aliasToReal := buildAnthropicTools(req.Tools)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: defaultMaxOutputTokens,
		Messages:  buildAnthropicMessages(req.Messages),
		Tools:     tools,
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = int64(req.MaxOutputTokens)
	}
	if len(tools) > 0 {
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{DisableParallelToolUse: anthropic.Bool(true)}}
	}
	if req.ThinkingBudget >= 1024 && int64(req.ThinkingBudget) < params.MaxTokens {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	}
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	curl := anthropicCurl(t.baseURL, params)

	stream := t.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	asm := newTurnAssembler(req.OnTokens)
	partials := map[int64]*pendingCall{} // content_block index -> call
	var signature strings.Builder

	for stream.Next() {
		event := stream.Current()
		// Accumulate fails on unparsable tool input; such calls must still reach the malformed path.
		_ = msg.Accumulate(event)
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if strings.TrimSpace(variant.ContentBlock.Type) != "tool_use" {
				continue
			}
			name := strings.TrimSpace(variant.ContentBlock.Name)
			if realName, ok := aliasToReal[name]; ok {
				name = realName
			}
			partials[variant.Index] = asm.startCall(variant.ContentBlock.ID, name)
		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				asm.emit(delta.Text, TokenContent)
			case anthropic.ThinkingDelta:
				asm.emit(delta.Thinking, TokenReasoning)
			case anthropic.SignatureDelta:
				signature.WriteString(delta.Signature)
			case anthropic.InputJSONDelta:
				asm.callArgs(partials[variant.Index], delta.PartialJSON)
			}
		case anthropic.ContentBlockStopEvent:
			pc := partials[variant.Index]
			if pc == nil || strings.TrimSpace(pc.Args.String()) != "" {
				continue
			}
			idx := int(variant.Index)
			if idx >= 0 && idx < len(msg.Content) {
				if tu, ok := msg.Content[idx].AsAny().(anthropic.ToolUseBlock); ok && len(tu.Input) > 0 {
					asm.callArgs(pc, strings.TrimSpace(string(tu.Input)))
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return failure(err, anthropicStatus(err), curl)
	}
	if id := strings.TrimSpace(msg.ID); id != "" {
		asm.setMetadata("message_id", id)
	}
	if sig := signature.String(); sig != "" {
		asm.setMetadata(anthropicSignatureKey, sig)
	}
	out := asm.output()
	return Response{Success: true, Output: out, Curl: curl}
}

func anthropicStatus(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr.StatusCode
	}
	return 0
}

func buildAnthropicTools(defs []ToolDef) ([]anthropic.ToolUnionParam, map[string]string) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schema := map[string]any{}
		if strings.TrimSpace(def.Schema) != "" {
			_ = json.Unmarshal([]byte(def.Schema), &schema)
		}
		var required []string
		if raw, ok := schema["required"].([]any); ok {
			for _, r := range raw {
				if s, ok := r.(string); ok && strings.TrimSpace(s) != "" {
					required = append(required, s)
				}
			}
		}
		alias := sanitizeProviderToolName(name)
		param := anthropic.ToolParam{
			Name:        alias,
			Description: anthropic.String(strings.TrimSpace(def.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: schema["properties"], Required: required},
		}
		aliasToReal[alias] = name
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, aliasToReal
}

func buildAnthropicMessages(items []ir.Item) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(items)+1)
	role := ""
	var blocks []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(blocks) == 0 {
			return
		}
		if role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
		blocks = nil
	}
	push := func(r string, bs ...anthropic.ContentBlockParamUnion) {
		if len(bs) == 0 {
			return
		}
		if r != role {
			flush()
			role = r
		}
		blocks = append(blocks, bs...)
	}

	for _, it := range Visible(items) {
		switch {
		case it.Kind == ir.KindAssistant:
			bs := make([]anthropic.ContentBlockParamUnion, 0, 3)
			if sig, _ := it.Metadata[anthropicSignatureKey].(string); sig != "" && strings.TrimSpace(it.Reasoning) != "" {
				bs = append(bs, anthropic.NewThinkingBlock(sig, it.Reasoning))
			}
			if txt := strings.TrimSpace(it.Content); txt != "" {
				bs = append(bs, anthropic.NewTextBlock(txt))
			}
			if it.ToolCall != nil {
				args := strings.TrimSpace(it.ToolCall.Function.Arguments)
				if !json.Valid([]byte(args)) {
					args = "{}"
				}
				bs = append(bs, anthropic.NewToolUseBlock(it.ToolCall.ID, json.RawMessage(args), sanitizeProviderToolName(it.ToolCall.Function.Name)))
			}
			push("assistant", bs...)
		case it.IsToolResult():
			if strings.TrimSpace(it.ToolCallID) == "" {
				continue
			}
			text, isErr := renderToolResult(it)
			push("user", anthropic.NewToolResultBlock(it.ToolCallID, text, isErr))
		default:
			if txt := strings.TrimSpace(renderUserText(it)); txt != "" {
				push("user", anthropic.NewTextBlock(txt))
			}
		}
	}
	flush()
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}
