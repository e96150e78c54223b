package stream

import (
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/duogate/duogate/internal/protocol"
)

// SynthesizeOpenAIStream fabricates a minimal chat.completion.chunk
// stream from a finished response: a role chunk, one chunk carrying the
// whole content, a terminal chunk with finish_reason and usage, then
// [DONE]. Used when the client asked for a stream but the answer arrived
// as a plain body.
func SynthesizeOpenAIStream(w io.Writer, resp *protocol.ChatCompletionResponse) error {
	e := newEmitter(w)

	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	chunk := func(delta protocol.ChunkDelta, finish *string, usage *protocol.OpenAIUsage) *protocol.ChatCompletionChunk {
		return &protocol.ChatCompletionChunk{
			ID:      id,
			Object:  protocol.ObjectChatCompletionChunk,
			Created: created,
			Model:   resp.Model,
			Choices: []protocol.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
			Usage:   usage,
		}
	}

	if err := e.dataJSON(chunk(protocol.ChunkDelta{Role: protocol.RoleAssistant}, nil, nil)); err != nil {
		return err
	}
	var (
		content   string
		toolCalls []protocol.ToolCall
		finish    = protocol.FinishStop
	)
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message.Content != nil {
			content = *choice.Message.Content
		}
		toolCalls = choice.Message.ToolCalls
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}
	if content != "" || len(toolCalls) > 0 {
		if err := e.dataJSON(chunk(protocol.ChunkDelta{Content: content, ToolCalls: toolCalls}, nil, nil)); err != nil {
			return err
		}
	}
	if err := e.dataJSON(chunk(protocol.ChunkDelta{}, &finish, resp.Usage)); err != nil {
		return err
	}
	return e.done()
}

// SynthesizeAnthropicStream is the Anthropic-grammar counterpart: the
// finished message is replayed as message_start, one block per content
// part, message_delta with stop_reason and usage, and message_stop.
func SynthesizeAnthropicStream(w io.Writer, resp *protocol.MessagesResponse) error {
	e := newEmitter(w)

	id := resp.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	if err := e.eventJSON("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          protocol.RoleAssistant,
			"content":       []any{},
			"model":         resp.Model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": resp.Usage.InputTokens, "output_tokens": 0},
		},
	}); err != nil {
		return err
	}
	for i, part := range resp.Content {
		switch part.Type {
		case protocol.PartText:
			if err := e.eventJSON("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         i,
				"content_block": map[string]any{"type": protocol.PartText, "text": ""},
			}); err != nil {
				return err
			}
			if part.Text != "" {
				if err := e.eventJSON("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": i,
					"delta": map[string]any{"type": "text_delta", "text": part.Text},
				}); err != nil {
					return err
				}
			}
		case protocol.PartToolUse:
			if err := e.eventJSON("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": i,
				"content_block": map[string]any{
					"type":  protocol.PartToolUse,
					"id":    part.ID,
					"name":  part.Name,
					"input": map[string]any{},
				},
			}); err != nil {
				return err
			}
			if len(part.Input) > 0 {
				if err := e.eventJSON("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": i,
					"delta": map[string]any{"type": "input_json_delta", "partial_json": string(part.Input)},
				}); err != nil {
					return err
				}
			}
		default:
			continue
		}
		if err := e.eventJSON("content_block_stop", map[string]any{"type": "content_block_stop", "index": i}); err != nil {
			return err
		}
	}
	stopReason := resp.StopReason
	if stopReason == "" {
		stopReason = protocol.StopEndTurn
	}
	if err := e.eventJSON("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": resp.StopSequence},
		"usage": resp.Usage,
	}); err != nil {
		return err
	}
	return e.eventJSON("message_stop", map[string]any{"type": "message_stop"})
}
