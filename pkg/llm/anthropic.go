package llm

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider adapts the Anthropic Messages API to the Provider
// surface.
type AnthropicProvider struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// NewAnthropicProvider builds the primary model endpoint.
func NewAnthropicProvider(apiKey, model string, maxTokens int64) *AnthropicProvider {
	return &AnthropicProvider{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Generate sends the conversation and normalizes the first text and
// tool_use blocks of the reply.
func (p *AnthropicProvider) Generate(ctx context.Context, system string, history []Message, tools []ToolDefinition) (*Response, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  encodeAnthropicMessages(history),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = encodeAnthropicTools(tools)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	resp := &Response{}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			if resp.ToolCall != nil {
				continue
			}
			var args map[string]any
			if err := json.Unmarshal(block.Input, &args); err != nil {
				args = map[string]any{}
			}
			resp.ToolCall = &ToolCall{ID: block.ID, Name: block.Name, Arguments: args}
		}
	}
	return resp, nil
}

func encodeAnthropicMessages(history []Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case RoleUser:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 2)
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			if m.ToolCall != nil {
				input := m.ToolCall.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(m.ToolCall.ID, input, m.ToolCall.Name))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			out = append(out, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}
	return out
}

func encodeAnthropicTools(tools []ToolDefinition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: t.Parameters}, t.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, u)
	}
	return out
}
