package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/floegence/redeven-orchestrator/internal/ai/ir"
)

const openAIDefaultBaseURL = "https://api.openai.com/v1"

// OpenAITransport streams turns through the OpenAI Responses API. It also
// serves openai_compatible providers.
type OpenAITransport struct {
	client  openai.Client
	baseURL string
}

func NewOpenAITransport(baseURL string, apiKey string) *OpenAITransport {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL != "" {
		opts = append(opts, ooption.WithBaseURL(baseURL))
	} else {
		baseURL = openAIDefaultBaseURL
	}
	return &OpenAITransport{client: openai.NewClient(opts...), baseURL: baseURL}
}

func (t *OpenAITransport) Run(ctx context.Context, req Request) Response {
	if t == nil {
		return failure(errors.New("nil transport"), 0, "")
	}
	if strings.TrimSpace(req.Model) == "" {
		return failure(errors.New("missing model"), 0, "")
	}
	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens:   openai.Int(defaultMaxOutputTokens),
		ParallelToolCalls: openai.Bool(false),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	inputItems := buildOpenAIInput(req.Messages)
	if len(inputItems) == 0 {
		inputItems = append(inputItems, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: inputItems}
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		params.Instructions = openai.String(system)
	}
	tools, aliasToReal := buildOpenAITools(req.Tools)
	if len(tools) > 0 {
		params.Tools = tools
	}
	curl := openAICurl(t.baseURL, params)

	stream := t.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	asm := newTurnAssembler(req.OnTokens)
	partials := map[string]*pendingCall{} // item_id -> call
	realName := func(name string) string {
		name = strings.TrimSpace(name)
		if real, ok := aliasToReal[name]; ok {
			return real
		}
		return name
	}
	var completed oresponses.Response
	gotCompleted := false

	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			asm.emit(event.Delta.OfString, TokenContent)
		case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
			asm.emit(event.Delta.OfString, TokenReasoning)
		case "response.output_item.added":
			item := event.Item
			if strings.TrimSpace(item.Type) != "function_call" {
				continue
			}
			callID := strings.TrimSpace(item.CallID)
			if callID == "" {
				callID = strings.TrimSpace(item.ID)
			}
			pc := asm.startCall(callID, realName(item.Name))
			partials[strings.TrimSpace(item.ID)] = pc
			asm.callArgs(pc, item.Arguments)
		case "response.function_call_arguments.delta":
			asm.callArgs(partials[strings.TrimSpace(event.ItemID)], event.Delta.OfString)
		case "response.function_call_arguments.done":
			pc := partials[strings.TrimSpace(event.ItemID)]
			if pc != nil && strings.TrimSpace(pc.Args.String()) == "" {
				asm.callArgs(pc, event.Arguments)
			}
		case "response.completed":
			completed = event.Response
			gotCompleted = true
		}
	}
	if err := stream.Err(); err != nil {
		return failure(err, openAIStatus(err), curl)
	}
	if !gotCompleted {
		return failure(errors.New("missing response.completed event"), 0, curl)
	}

	// Fallback: if stream events miss tool calls, recover them from completed.output.
	if len(asm.calls) == 0 {
		for _, item := range completed.Output {
			if strings.TrimSpace(item.Type) != "function_call" {
				continue
			}
			callID := strings.TrimSpace(item.CallID)
			if callID == "" {
				callID = strings.TrimSpace(item.ID)
			}
			pc := asm.startCall(callID, realName(item.Name))
			asm.callArgs(pc, strings.TrimSpace(item.Arguments))
			break
		}
	}
	if id := strings.TrimSpace(completed.ID); id != "" {
		asm.setMetadata("response_id", id)
	}
	return Response{Success: true, Output: asm.output(), Curl: curl}
}

func openAIStatus(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr.StatusCode
	}
	return 0
}

func buildOpenAITools(defs []ToolDef) ([]oresponses.ToolUnionParam, map[string]string) {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if strings.TrimSpace(def.Schema) != "" {
			_ = json.Unmarshal([]byte(def.Schema), &schema)
		}
		alias := sanitizeProviderToolName(def.Name)
		tool := oresponses.ToolParamOfFunction(alias, schema, false)
		if tool.OfFunction != nil && strings.TrimSpace(def.Description) != "" {
			tool.OfFunction.Description = openai.String(strings.TrimSpace(def.Description))
		}
		out = append(out, tool)
		aliasToReal[alias] = def.Name
	}
	return out, aliasToReal
}

func buildOpenAIInput(items []ir.Item) oresponses.ResponseInputParam {
	out := make(oresponses.ResponseInputParam, 0, len(items)+1)
	assistantMsgSeq := 0
	for _, it := range Visible(items) {
		switch {
		case it.Kind == ir.KindAssistant:
			if txt := strings.TrimSpace(it.Content); txt != "" {
				assistantMsgSeq++
				// OpenAI Responses requires output message IDs to start with "msg_".
				msgID := fmt.Sprintf("msg_hist%d", assistantMsgSeq)
				out = append(out, oresponses.ResponseInputItemParamOfOutputMessage(
					[]oresponses.ResponseOutputMessageContentUnionParam{{
						OfOutputText: &oresponses.ResponseOutputTextParam{
							Text:        txt,
							Annotations: []oresponses.ResponseOutputTextAnnotationUnionParam{},
						},
					}},
					msgID,
					oresponses.ResponseOutputMessageStatusCompleted,
				))
			}
			if it.ToolCall != nil {
				args := strings.TrimSpace(it.ToolCall.Function.Arguments)
				if !json.Valid([]byte(args)) {
					args = "{}"
				}
				out = append(out, oresponses.ResponseInputItemParamOfFunctionCall(args, it.ToolCall.ID, sanitizeProviderToolName(it.ToolCall.Function.Name)))
			}
		case it.IsToolResult():
			if strings.TrimSpace(it.ToolCallID) == "" {
				continue
			}
			text, _ := renderToolResult(it)
			out = append(out, oresponses.ResponseInputItemParamOfFunctionCallOutput(it.ToolCallID, text))
		default:
			if txt := strings.TrimSpace(renderUserText(it)); txt != "" {
				out = append(out, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleUser))
			}
		}
	}
	return out
}
