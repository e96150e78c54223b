package adaptor

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duogate/duogate/internal/protocol"
)

func TestParseDataURL(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		mediaType string
		data      string
		ok        bool
	}{
		{
			name:      "base64 png",
			input:     "data:image/png;base64,aGVsbG8=",
			mediaType: "image/png",
			data:      "aGVsbG8=",
			ok:        true,
		},
		{
			name:  "invalid base64 payload",
			input: "data:image/png;base64,***",
			ok:    false,
		},
		{
			name:      "percent-encoded text without media type",
			input:     "data:,A%20brief%20note",
			mediaType: "application/octet-stream",
			data:      "QSBicmllZiBub3Rl",
			ok:        true,
		},
		{
			name:      "media type parameters stripped",
			input:     "data:text/plain;charset=utf-8;base64,aGk=",
			mediaType: "text/plain",
			data:      "aGk=",
			ok:        true,
		},
		{
			name:  "missing comma",
			input: "data:image/png",
			ok:    false,
		},
		{
			name:  "not a data URL",
			input: "https://example.com/cat.png",
			ok:    false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mediaType, data, ok := ParseDataURL(tc.input)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.mediaType, mediaType)
				assert.Equal(t, tc.data, data)
			}
		})
	}
}

func TestConvertOpenAIToAnthropicRequest(t *testing.T) {
	raw := `{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "Be brief."},
			{"role": "system", "content": "Answer in French."},
			{"role": "user", "content": [
				{"type": "text", "text": "What is in this image?"},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,aGVsbG8="}},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,***"}},
				{"type": "image_url", "image_url": {"url": "https://example.com/cat.png"}}
			]},
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "sunny"}
		],
		"temperature": 0.5,
		"stop": "END"
	}`
	var req protocol.ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &req))

	out := ConvertOpenAIToAnthropicRequest(&req, "real-model", 98304)

	assert.Equal(t, "real-model", out.Model)
	assert.Equal(t, 98304, out.MaxTokens)

	require.NotNil(t, out.System)
	require.Len(t, out.System.Blocks, 2)
	assert.Equal(t, "Be brief.", out.System.Blocks[0].Text)
	assert.Equal(t, "Answer in French.", out.System.Blocks[1].Text)

	require.Len(t, out.Messages, 3)

	user := out.Messages[0]
	assert.Equal(t, protocol.RoleUser, user.Role)
	// The unparseable data URL is dropped, the other three parts survive.
	require.Len(t, user.Content.Parts, 3)
	assert.Equal(t, protocol.PartText, user.Content.Parts[0].Type)
	assert.Equal(t, "What is in this image?", user.Content.Parts[0].Text)
	require.NotNil(t, user.Content.Parts[1].Source)
	assert.Equal(t, "base64", user.Content.Parts[1].Source.Type)
	assert.Equal(t, "image/png", user.Content.Parts[1].Source.MediaType)
	assert.Equal(t, "aGVsbG8=", user.Content.Parts[1].Source.Data)
	require.NotNil(t, user.Content.Parts[2].Source)
	assert.Equal(t, "url", user.Content.Parts[2].Source.Type)
	assert.Equal(t, "https://example.com/cat.png", user.Content.Parts[2].Source.URL)

	assistant := out.Messages[1]
	assert.Equal(t, protocol.RoleAssistant, assistant.Role)
	require.Len(t, assistant.Content.Parts, 1)
	assert.Equal(t, protocol.PartToolUse, assistant.Content.Parts[0].Type)
	assert.Equal(t, "call_1", assistant.Content.Parts[0].ID)
	assert.Equal(t, "get_weather", assistant.Content.Parts[0].Name)
	assert.JSONEq(t, `{"city":"Paris"}`, string(assistant.Content.Parts[0].Input))

	result := out.Messages[2]
	assert.Equal(t, protocol.RoleUser, result.Role)
	require.Len(t, result.Content.Parts, 1)
	assert.Equal(t, protocol.PartToolResult, result.Content.Parts[0].Type)
	assert.Equal(t, "call_1", result.Content.Parts[0].ToolUseID)
	assert.Equal(t, `"sunny"`, string(result.Content.Parts[0].Content))

	require.NotNil(t, out.Temperature)
	assert.Equal(t, 0.5, *out.Temperature)
	assert.Equal(t, []string{"END"}, out.StopSequences)
}

func TestConvertOpenAIToAnthropicRequestDefaults(t *testing.T) {
	req := &protocol.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: protocol.TextContent("")}},
	}
	out := ConvertOpenAIToAnthropicRequest(req, "real-model", 4096)

	// No completion budget set, the default fills in.
	assert.Equal(t, 4096, out.MaxTokens)

	// Empty content still yields a non-empty content array.
	require.Len(t, out.Messages, 1)
	require.Len(t, out.Messages[0].Content.Parts, 1)
	assert.Equal(t, protocol.PartText, out.Messages[0].Content.Parts[0].Type)
	assert.Equal(t, "", out.Messages[0].Content.Parts[0].Text)

	req.MaxTokens = 128
	req.MaxCompletionTokens = 256
	out = ConvertOpenAIToAnthropicRequest(req, "real-model", 4096)
	assert.Equal(t, 256, out.MaxTokens)
}

func TestConvertOpenAIToAnthropicToolChoice(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"none", `"none"`, `{"type":"none"}`},
		{"required", `"required"`, `{"type":"any"}`},
		{"any", `"any"`, `{"type":"any"}`},
		{"auto", `"auto"`, `{"type":"auto"}`},
		{"named function", `{"type":"function","function":{"name":"get_weather"}}`, `{"type":"tool","name":"get_weather"}`},
		{"object without name", `{"function":{}}`, `{"type":"auto"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ConvertOpenAIToAnthropicToolChoice(json.RawMessage(tc.in))
			assert.JSONEq(t, tc.want, string(got))
		})
	}
}

func TestConvertAnthropicToOpenAIRequest(t *testing.T) {
	raw := `{
		"model": "claude-3-opus",
		"max_tokens": 512,
		"system": [
			{"type": "text", "text": "Be brief."},
			{"type": "text", "text": "Answer in French."}
		],
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "look at this"},
				{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "aGVsbG8="}},
				{"type": "image", "source": {"type": "url", "url": "https://example.com/cat.png"}},
				{"type": "text", "text": "what is it?"}
			]},
			{"role": "assistant", "content": "An image."}
		],
		"stop_sequences": ["DONE"]
	}`
	var req protocol.MessagesRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &req))

	out := ConvertAnthropicToOpenAIRequest(&req, "vision-model")

	assert.Equal(t, "vision-model", out.Model)
	assert.Equal(t, 512, out.MaxTokens)

	require.Len(t, out.Messages, 4)
	assert.Equal(t, protocol.RoleSystem, out.Messages[0].Role)
	assert.Equal(t, "Be brief.", *out.Messages[0].Content.Text)
	assert.Equal(t, protocol.RoleSystem, out.Messages[1].Role)
	assert.Equal(t, "Answer in French.", *out.Messages[1].Content.Text)

	// Multi-part content flattens to one string, images become references.
	user := out.Messages[2]
	assert.Equal(t, protocol.RoleUser, user.Role)
	require.True(t, user.Content.IsString())
	assert.Equal(t,
		"look at this data:image/png;base64,aGVsbG8= https://example.com/cat.png what is it?",
		*user.Content.Text)

	assert.Equal(t, "An image.", *out.Messages[3].Content.Text)

	require.NotNil(t, out.Stop)
	assert.Equal(t, []string{"DONE"}, out.Stop.Values)
}

func TestConvertAnthropicToOpenAIRequestToolFlow(t *testing.T) {
	raw := `{
		"model": "claude-3-opus",
		"max_tokens": 256,
		"messages": [
			{"role": "assistant", "content": [
				{"type": "text", "text": "Checking."},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Paris"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "sunny"}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_2", "content": [
					{"type": "text", "text": "line1"},
					{"type": "text", "text": "line2"}
				]}
			]}
		]
	}`
	var req protocol.MessagesRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &req))

	out := ConvertAnthropicToOpenAIRequest(&req, "gpt-4o")
	require.Len(t, out.Messages, 3)

	assistant := out.Messages[0]
	assert.Equal(t, protocol.RoleAssistant, assistant.Role)
	assert.Equal(t, "Checking.", *assistant.Content.Text)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "toolu_1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "function", assistant.ToolCalls[0].Type)
	assert.Equal(t, "get_weather", assistant.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"city":"Paris"}`, assistant.ToolCalls[0].Function.Arguments)

	// tool_result blocks come back as tool-role messages.
	first := out.Messages[1]
	assert.Equal(t, protocol.RoleTool, first.Role)
	assert.Equal(t, "toolu_1", first.ToolCallID)
	assert.Equal(t, "sunny", *first.Content.Text)

	second := out.Messages[2]
	assert.Equal(t, protocol.RoleTool, second.Role)
	assert.Equal(t, "toolu_2", second.ToolCallID)
	assert.Equal(t, "line1\nline2", *second.Content.Text)
}

func TestConvertToolsBothWays(t *testing.T) {
	tools := []protocol.OpenAITool{
		{Type: "function", Function: protocol.OpenAIToolFunction{
			Name:        "get_weather",
			Description: "Look up the weather",
			Parameters:  json.RawMessage(`{"type":"object"}`),
		}},
		{Type: "function", Function: protocol.OpenAIToolFunction{Name: ""}},
	}

	anth := ConvertOpenAIToAnthropicTools(tools)
	require.Len(t, anth, 1)
	assert.Equal(t, "get_weather", anth[0].Name)
	assert.Equal(t, "Look up the weather", anth[0].Description)
	assert.JSONEq(t, `{"type":"object"}`, string(anth[0].InputSchema))

	back := ConvertAnthropicToOpenAITools(anth)
	require.Len(t, back, 1)
	assert.Equal(t, "function", back[0].Type)
	assert.Equal(t, "get_weather", back[0].Function.Name)
	assert.JSONEq(t, `{"type":"object"}`, string(back[0].Function.Parameters))
}

func TestConvertAnthropicToOpenAIResponse(t *testing.T) {
	resp := &protocol.MessagesResponse{
		ID:   "msg_upstream",
		Type: "message",
		Role: protocol.RoleAssistant,
		Content: []protocol.ContentPart{
			protocol.TextPart("Hello"),
			protocol.TextPart(" world"),
			{Type: protocol.PartToolUse, ID: "toolu_1", Name: "get_weather", Input: json.RawMessage(`{"city":"Paris"}`)},
		},
		StopReason: protocol.StopToolUse,
		Usage:      protocol.Usage{InputTokens: 10, OutputTokens: 5, CacheReadInputTokens: 3},
	}

	out := ConvertAnthropicToOpenAIResponse(resp, "gpt-4o")

	assert.True(t, strings.HasPrefix(out.ID, "chatcmpl-"))
	assert.Equal(t, protocol.ObjectChatCompletion, out.Object)
	assert.Equal(t, "gpt-4o", out.Model)
	assert.NotZero(t, out.Created)

	require.Len(t, out.Choices, 1)
	choice := out.Choices[0]
	assert.Equal(t, protocol.RoleAssistant, choice.Message.Role)
	require.NotNil(t, choice.Message.Content)
	assert.Equal(t, "Hello world", *choice.Message.Content)
	require.Len(t, choice.Message.ToolCalls, 1)
	assert.Equal(t, "toolu_1", choice.Message.ToolCalls[0].ID)
	assert.JSONEq(t, `{"city":"Paris"}`, choice.Message.ToolCalls[0].Function.Arguments)
	assert.Equal(t, protocol.FinishToolCalls, choice.FinishReason)

	require.NotNil(t, out.Usage)
	assert.Equal(t, 13, out.Usage.PromptTokens)
	assert.Equal(t, 5, out.Usage.CompletionTokens)
	assert.Equal(t, 18, out.Usage.TotalTokens)
}

func TestConvertAnthropicToOpenAIResponsePureToolCall(t *testing.T) {
	resp := &protocol.MessagesResponse{
		Content: []protocol.ContentPart{
			{Type: protocol.PartToolUse, ID: "toolu_1", Name: "f", Input: json.RawMessage(`{}`)},
		},
		StopReason: protocol.StopToolUse,
	}

	out := ConvertAnthropicToOpenAIResponse(resp, "gpt-4o")
	require.Len(t, out.Choices, 1)
	assert.Nil(t, out.Choices[0].Message.Content)
	require.Len(t, out.Choices[0].Message.ToolCalls, 1)
}

func TestConvertOpenAIToAnthropicResponse(t *testing.T) {
	content := "Bonjour"
	resp := &protocol.ChatCompletionResponse{
		ID:     "chatcmpl-upstream",
		Object: protocol.ObjectChatCompletion,
		Model:  "gpt-4o",
		Choices: []protocol.ChatChoice{{
			Message: protocol.ChatResponseMessage{
				Role:    protocol.RoleAssistant,
				Content: &content,
				ToolCalls: []protocol.ToolCall{{
					ID:       "call_9",
					Type:     "function",
					Function: protocol.ToolCallFunction{Name: "get_weather", Arguments: `{"city":"Paris"}`},
				}},
			},
			FinishReason: protocol.FinishToolCalls,
		}},
		Usage: &protocol.OpenAIUsage{PromptTokens: 7, CompletionTokens: 2, TotalTokens: 9},
	}

	out := ConvertOpenAIToAnthropicResponse(resp, "claude-3-opus")

	assert.True(t, strings.HasPrefix(out.ID, "msg_"))
	assert.Equal(t, "message", out.Type)
	assert.Equal(t, protocol.RoleAssistant, out.Role)
	assert.Equal(t, "claude-3-opus", out.Model)

	require.Len(t, out.Content, 2)
	assert.Equal(t, protocol.PartText, out.Content[0].Type)
	assert.Equal(t, "Bonjour", out.Content[0].Text)
	assert.Equal(t, protocol.PartToolUse, out.Content[1].Type)
	assert.Equal(t, "call_9", out.Content[1].ID)
	assert.Equal(t, "get_weather", out.Content[1].Name)
	assert.JSONEq(t, `{"city":"Paris"}`, string(out.Content[1].Input))

	assert.Equal(t, protocol.StopToolUse, out.StopReason)
	assert.Equal(t, 7, out.Usage.InputTokens)
	assert.Equal(t, 2, out.Usage.OutputTokens)
}

func TestConvertOpenAIToAnthropicResponseEmpty(t *testing.T) {
	out := ConvertOpenAIToAnthropicResponse(&protocol.ChatCompletionResponse{}, "claude-3-opus")

	assert.True(t, strings.HasPrefix(out.ID, "msg_"))
	require.Len(t, out.Content, 1)
	assert.Equal(t, protocol.PartText, out.Content[0].Type)
	assert.Equal(t, "", out.Content[0].Text)
	assert.True(t, out.Usage.IsZero())
}

func TestHasImage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{
			name: "anthropic base64 image",
			body: `{"messages":[{"role":"user","content":[{"type":"image","source":{"type":"base64","media_type":"image/png","data":"aGVsbG8="}}]}]}`,
			want: true,
		},
		{
			name: "anthropic url image",
			body: `{"messages":[{"role":"user","content":[{"type":"image","source":{"type":"url","url":"https://example.com/cat.png"}}]}]}`,
			want: true,
		},
		{
			name: "image with empty source",
			body: `{"messages":[{"role":"user","content":[{"type":"image","source":{}}]}]}`,
			want: false,
		},
		{
			name: "openai image_url",
			body: `{"messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}]}]}`,
			want: true,
		},
		{
			name: "image_url with empty url",
			body: `{"messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":""}}]}]}`,
			want: false,
		},
		{
			name: "input_image with string url",
			body: `{"messages":[{"role":"user","content":[{"type":"input_image","image_url":"data:image/png;base64,aGk="}]}]}`,
			want: true,
		},
		{
			name: "text only",
			body: `{"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`,
			want: false,
		},
		{
			name: "string content",
			body: `{"messages":[{"role":"user","content":"hi"}]}`,
			want: false,
		},
		{
			name: "image attachment",
			body: `{"attachments":[{"type":"image"}],"messages":[{"role":"user","content":"hi"}]}`,
			want: true,
		},
		{
			name: "empty body",
			body: `{}`,
			want: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HasImage([]byte(tc.body)))
		})
	}
}

func TestHasCacheControl(t *testing.T) {
	assert.True(t, HasCacheControl([]byte(
		`{"system":[{"type":"text","text":"x","cache_control":{"type":"ephemeral"}}]}`)))
	assert.True(t, HasCacheControl([]byte(
		`{"messages":[{"role":"user","content":[{"type":"text","text":"hi","cache_control":{"type":"ephemeral"}}]}]}`)))
	assert.False(t, HasCacheControl([]byte(
		`{"messages":[{"role":"user","content":"hi"}]}`)))
}

func TestHasCacheControlDepthBound(t *testing.T) {
	shallow := `{"cache_control":{"type":"ephemeral"}}`
	for i := 0; i < 10; i++ {
		shallow = `{"a":` + shallow + `}`
	}
	assert.True(t, HasCacheControl([]byte(shallow)))

	deep := `{"cache_control":{"type":"ephemeral"}}`
	for i := 0; i < 40; i++ {
		deep = `{"a":` + deep + `}`
	}
	assert.False(t, HasCacheControl([]byte(deep)))
}
