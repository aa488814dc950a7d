package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider adapts an OpenAI-compatible Chat Completions endpoint.
// Used as the failover backend; the base URL is configurable so any
// compatible gateway can serve it.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider builds the backup model endpoint.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...), model: model}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Generate sends the conversation and normalizes the first choice.
func (p *OpenAIProvider) Generate(ctx context.Context, system string, history []Message, tools []ToolDefinition) (*Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, m := range history {
		switch m.Role {
		case RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case RoleAssistant:
			if m.ToolCall != nil {
				args, _ := json.Marshal(m.ToolCall.Arguments)
				assistant := openai.ChatCompletionAssistantMessageParam{
					ToolCalls: []openai.ChatCompletionMessageToolCallParam{{
						ID: m.ToolCall.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      m.ToolCall.Name,
							Arguments: string(args),
						},
					}},
				}
				if m.Content != "" {
					assistant.Content.OfString = openai.String(m.Content)
				}
				messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
			} else {
				messages = append(messages, openai.AssistantMessage(m.Content))
			}
		case RoleTool:
			messages = append(messages, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: messages,
	}
	for _, t := range tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.Parameters),
			},
		})
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai chat completion: empty choices")
	}

	choice := completion.Choices[0].Message
	resp := &Response{Text: choice.Content}
	if len(choice.ToolCalls) > 0 {
		call := choice.ToolCalls[0]
		var args map[string]any
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			args = map[string]any{}
		}
		resp.ToolCall = &ToolCall{ID: call.ID, Name: call.Function.Name, Arguments: args}
	}
	return resp, nil
}
