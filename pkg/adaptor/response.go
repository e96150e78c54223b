package adaptor

import (
	"time"

	"github.com/google/uuid"

	"github.com/duogate/duogate/internal/protocol"
)

// ConvertAnthropicToOpenAIResponse synthesizes an OpenAI chat completion
// envelope from an Anthropic message: text blocks concatenate into one
// assistant string, tool_use blocks become tool calls, the stop reason is
// mapped, and usage is projected into prompt/completion shape. model is
// the client-declared alias, echoed back untouched.
func ConvertAnthropicToOpenAIResponse(resp *protocol.MessagesResponse, model string) *protocol.ChatCompletionResponse {
	var text string
	var toolCalls []protocol.ToolCall
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case protocol.PartText:
			text += block.Text
		case protocol.PartToolUse:
			toolCalls = append(toolCalls, protocol.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: protocol.ToolCallFunction{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}

	message := protocol.ChatResponseMessage{
		Role:      protocol.RoleAssistant,
		ToolCalls: toolCalls,
	}
	if text != "" || len(toolCalls) == 0 {
		message.Content = &text
	}

	usage := resp.Usage.ToOpenAI()
	return &protocol.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  protocol.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []protocol.ChatChoice{{
			Index:        0,
			Message:      message,
			FinishReason: protocol.StopReasonToFinish(resp.StopReason),
		}},
		Usage: &usage,
	}
}

// ConvertOpenAIToAnthropicResponse synthesizes an Anthropic message
// envelope from an OpenAI chat completion. Only the first choice is
// considered; its content becomes one text block and tool calls become
// tool_use blocks.
func ConvertOpenAIToAnthropicResponse(resp *protocol.ChatCompletionResponse, model string) *protocol.MessagesResponse {
	out := &protocol.MessagesResponse{
		ID:    "msg_" + uuid.NewString(),
		Type:  "message",
		Role:  protocol.RoleAssistant,
		Model: model,
	}

	if len(resp.Choices) > 0 {
		choice := &resp.Choices[0]
		if choice.Message.Content != nil && *choice.Message.Content != "" {
			out.Content = append(out.Content, protocol.TextPart(*choice.Message.Content))
		}
		for i := range choice.Message.ToolCalls {
			tc := &choice.Message.ToolCalls[i]
			out.Content = append(out.Content, toolUsePart(tc))
		}
		out.StopReason = protocol.FinishToStopReason(choice.FinishReason)
	}
	if len(out.Content) == 0 {
		out.Content = []protocol.ContentPart{protocol.TextPart("")}
	}
	if resp.Usage != nil {
		out.Usage = resp.Usage.ToAnthropic()
	}
	return out
}
