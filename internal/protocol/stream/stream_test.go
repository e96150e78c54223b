package stream

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/duogate/duogate/internal/protocol"
)

// brokenReader serves its data and then fails with err instead of EOF.
type brokenReader struct {
	data []byte
	err  error
	pos  int
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, r.err
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func readFrames(t *testing.T, raw []byte) []Event {
	t.Helper()
	sc := NewScanner(bytes.NewReader(raw))
	var out []Event
	for {
		ev, err := sc.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

const anthropicTranscript = `event: message_start
data: {"type":"message_start","message":{"id":"msg_up1","type":"message","role":"assistant","content":[],"model":"glm-4.5","stop_reason":null,"usage":{"input_tokens":10,"output_tokens":1}}}

event: ping
data: {"type":"ping"}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"input_tokens":10,"output_tokens":25}}

event: message_stop
data: {"type":"message_stop"}

`

func TestScanner(t *testing.T) {
	input := ": keepalive comment\n" +
		"event: message_start\ndata: {\"a\":1}\n\n" +
		"data: bare\n\n" +
		"data: line1\ndata: line2\n\n" +
		"id: 7\nretry: 100\ndata: tail"
	frames := readFrames(t, []byte(input))
	require.Len(t, frames, 4)
	assert.Equal(t, "message_start", frames[0].Name)
	assert.Equal(t, `{"a":1}`, string(frames[0].Data))
	assert.Empty(t, frames[1].Name)
	assert.Equal(t, "bare", string(frames[1].Data))
	assert.Equal(t, "line1\nline2", string(frames[2].Data))
	assert.Equal(t, "tail", string(frames[3].Data), "unterminated trailing frame is still delivered")
}

func TestFindUsage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want protocol.Usage
		ok   bool
	}{
		{
			name: "nested under message",
			raw:  `{"type":"message_start","message":{"usage":{"input_tokens":10,"output_tokens":1}}}`,
			want: protocol.Usage{InputTokens: 10, OutputTokens: 1},
			ok:   true,
		},
		{
			name: "top level",
			raw:  `{"type":"message_delta","usage":{"input_tokens":10,"output_tokens":25,"cache_read_input_tokens":4}}`,
			want: protocol.Usage{InputTokens: 10, OutputTokens: 25, CacheReadInputTokens: 4},
			ok:   true,
		},
		{
			name: "first match in document order wins",
			raw:  `{"a":{"input_tokens":1,"output_tokens":2},"b":{"input_tokens":9,"output_tokens":9}}`,
			want: protocol.Usage{InputTokens: 1, OutputTokens: 2},
			ok:   true,
		},
		{
			name: "inside array",
			raw:  `{"events":[{"x":1},{"usage":{"input_tokens":5,"output_tokens":6}}]}`,
			want: protocol.Usage{InputTokens: 5, OutputTokens: 6},
			ok:   true,
		},
		{
			name: "output only does not qualify",
			raw:  `{"usage":{"output_tokens":25}}`,
			ok:   false,
		},
		{
			name: "not json",
			raw:  `[DONE]`,
			ok:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FindUsage([]byte(tt.raw))
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBridgeAnthropicToOpenAI(t *testing.T) {
	var buf bytes.Buffer
	ticks := 0
	res, err := BridgeAnthropicToOpenAI(&buf, strings.NewReader(anthropicTranscript), Options{
		Model:       "claude-3-opus",
		ScaleFactor: 0.5,
		Watchdog:    func() { ticks++ },
	})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.True(t, res.SawUsage)
	assert.Equal(t, protocol.Usage{InputTokens: 10, OutputTokens: 25}, res.Usage, "usage is reported in upstream units")
	assert.Equal(t, 8, ticks, "one watchdog tick per upstream frame")

	frames := readFrames(t, buf.Bytes())
	require.Len(t, frames, 5)
	assert.Equal(t, 5, res.Frames)

	role := gjson.ParseBytes(frames[0].Data)
	assert.Equal(t, "chat.completion.chunk", role.Get("object").String())
	assert.Equal(t, "claude-3-opus", role.Get("model").String())
	assert.True(t, strings.HasPrefix(role.Get("id").String(), "chatcmpl-"))
	assert.Equal(t, "assistant", role.Get("choices.0.delta.role").String())
	assert.Equal(t, gjson.Null, role.Get("choices.0.finish_reason").Type)

	assert.Equal(t, "Hel", gjson.GetBytes(frames[1].Data, "choices.0.delta.content").String())
	assert.Equal(t, "lo", gjson.GetBytes(frames[2].Data, "choices.0.delta.content").String())

	final := gjson.ParseBytes(frames[3].Data)
	assert.Equal(t, "stop", final.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(5), final.Get("usage.prompt_tokens").Int())
	assert.Equal(t, int64(12), final.Get("usage.completion_tokens").Int())
	assert.Equal(t, int64(17), final.Get("usage.total_tokens").Int())
	assert.Equal(t, role.Get("id").String(), final.Get("id").String(), "all chunks share one id")

	assert.True(t, frames[4].IsDone())
}

func TestBridgeAnthropicToOpenAIMidStreamFailure(t *testing.T) {
	truncated := strings.SplitAfter(anthropicTranscript, `"text":"Hel"}}`)[0] + "\n\n"
	var buf bytes.Buffer
	res, err := BridgeAnthropicToOpenAI(&buf, strings.NewReader(truncated), Options{Model: "m"})
	require.NoError(t, err, "after bytes are sent, failures stay in-band")
	assert.False(t, res.Completed)

	frames := readFrames(t, buf.Bytes())
	require.Len(t, frames, 4)
	errFrame := gjson.ParseBytes(frames[2].Data)
	assert.Equal(t, "connection_error", errFrame.Get("error.type").String())
	assert.NotEmpty(t, errFrame.Get("error.message").String())
	assert.True(t, frames[3].IsDone())
}

func TestBridgeAnthropicToOpenAIFailsBeforeFirstByte(t *testing.T) {
	t.Run("empty body", func(t *testing.T) {
		var buf bytes.Buffer
		res, err := BridgeAnthropicToOpenAI(&buf, strings.NewReader(""), Options{Model: "m"})
		require.Error(t, err)
		assert.Zero(t, res.Frames)
		assert.Zero(t, buf.Len(), "nothing reaches the client, caller may fall back")
	})
	t.Run("leading error event", func(t *testing.T) {
		body := "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"overloaded\"}}\n\n"
		var buf bytes.Buffer
		_, err := BridgeAnthropicToOpenAI(&buf, strings.NewReader(body), Options{Model: "m"})
		require.Error(t, err)
		assert.Equal(t, "overloaded", err.Error())
		assert.Zero(t, buf.Len())
	})
}

const openAITranscript = `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"glm-4.5v","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}],"system_fingerprint":"fp_44"}

data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"glm-4.5v","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":null}]}

data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"glm-4.5v","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}

data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"glm-4.5v","choices":[],"usage":{"prompt_tokens":100,"completion_tokens":50,"total_tokens":150}}

data: [DONE]

`

func TestBridgeOpenAIToOpenAI(t *testing.T) {
	var buf bytes.Buffer
	res, err := BridgeOpenAIToOpenAI(&buf, strings.NewReader(openAITranscript), Options{ScaleFactor: 2})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, protocol.Usage{InputTokens: 100, OutputTokens: 50}, res.Usage)

	frames := readFrames(t, buf.Bytes())
	require.Len(t, frames, 5)
	assert.Equal(t, "fp_44", gjson.GetBytes(frames[0].Data, "system_fingerprint").String(), "unknown fields pass through")
	assert.Equal(t, "Hi", gjson.GetBytes(frames[1].Data, "choices.0.delta.content").String())

	usage := gjson.GetBytes(frames[3].Data, "usage")
	assert.Equal(t, int64(200), usage.Get("prompt_tokens").Int())
	assert.Equal(t, int64(100), usage.Get("completion_tokens").Int())
	assert.Equal(t, int64(300), usage.Get("total_tokens").Int())
	assert.Equal(t, "c1", gjson.GetBytes(frames[3].Data, "id").String(), "rescale touches only the usage object")

	assert.True(t, frames[4].IsDone())
}

func TestBridgeOpenAIToOpenAIIdentityIsVerbatim(t *testing.T) {
	var buf bytes.Buffer
	res, err := BridgeOpenAIToOpenAI(&buf, strings.NewReader(openAITranscript), Options{})
	require.NoError(t, err)
	assert.Equal(t, openAITranscript, buf.String())
	assert.True(t, res.SawUsage)
	assert.Equal(t, protocol.Usage{InputTokens: 100, OutputTokens: 50}, res.Usage)
}

func TestBridgeOpenAIToOpenAIMidStreamFailure(t *testing.T) {
	cut := strings.Index(openAITranscript, `"finish_reason":"stop"`)
	upstream := &brokenReader{data: []byte(openAITranscript[:cut]), err: errors.New("connection reset by peer")}
	var buf bytes.Buffer
	res, err := BridgeOpenAIToOpenAI(&buf, upstream, Options{})
	require.NoError(t, err)
	assert.False(t, res.Completed)

	frames := readFrames(t, buf.Bytes())
	require.Len(t, frames, 4)
	errFrame := gjson.ParseBytes(frames[2].Data)
	assert.Equal(t, "connection_error", errFrame.Get("error.type").String())
	assert.Contains(t, errFrame.Get("error.message").String(), "connection reset")
	assert.True(t, frames[3].IsDone())
}

const openAIToolTranscript = `data: {"id":"c2","object":"chat.completion.chunk","created":2,"model":"glm-4.5","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}

data: {"id":"c2","object":"chat.completion.chunk","created":2,"model":"glm-4.5","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":null}]}

data: {"id":"c2","object":"chat.completion.chunk","created":2,"model":"glm-4.5","choices":[{"index":0,"delta":{"content":" there"},"finish_reason":null}]}

data: {"id":"c2","object":"chat.completion.chunk","created":2,"model":"glm-4.5","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"get_weather","arguments":"{\"ci"}}]},"finish_reason":null}]}

data: {"id":"c2","object":"chat.completion.chunk","created":2,"model":"glm-4.5","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ty\":\"SF\"}"}}]},"finish_reason":null}]}

data: {"id":"c2","object":"chat.completion.chunk","created":2,"model":"glm-4.5","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":40,"completion_tokens":12,"total_tokens":52}}

data: [DONE]

`

func TestBridgeOpenAIToAnthropic(t *testing.T) {
	var buf bytes.Buffer
	res, err := BridgeOpenAIToAnthropic(&buf, strings.NewReader(openAIToolTranscript), Options{
		Model:       "claude-3-opus",
		ScaleFactor: 1.5,
	})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, protocol.Usage{InputTokens: 40, OutputTokens: 12}, res.Usage)

	frames := readFrames(t, buf.Bytes())
	require.Len(t, frames, 11)
	names := make([]string, 0, len(frames))
	for _, f := range frames {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	start := gjson.ParseBytes(frames[0].Data)
	assert.True(t, strings.HasPrefix(start.Get("message.id").String(), "msg_"))
	assert.Equal(t, "claude-3-opus", start.Get("message.model").String())

	assert.Equal(t, "text", gjson.GetBytes(frames[1].Data, "content_block.type").String())
	assert.Equal(t, "Hi", gjson.GetBytes(frames[2].Data, "delta.text").String())
	assert.Equal(t, " there", gjson.GetBytes(frames[3].Data, "delta.text").String())

	toolStart := gjson.ParseBytes(frames[4].Data)
	assert.Equal(t, "tool_use", toolStart.Get("content_block.type").String())
	assert.Equal(t, "call_9", toolStart.Get("content_block.id").String())
	assert.Equal(t, "get_weather", toolStart.Get("content_block.name").String())
	assert.Equal(t, int64(1), toolStart.Get("index").Int())

	args := gjson.GetBytes(frames[5].Data, "delta.partial_json").String() +
		gjson.GetBytes(frames[6].Data, "delta.partial_json").String()
	assert.JSONEq(t, `{"city":"SF"}`, args)

	assert.Equal(t, int64(0), gjson.GetBytes(frames[7].Data, "index").Int())
	assert.Equal(t, int64(1), gjson.GetBytes(frames[8].Data, "index").Int())

	delta := gjson.ParseBytes(frames[9].Data)
	assert.Equal(t, "tool_use", delta.Get("delta.stop_reason").String())
	assert.Equal(t, int64(60), delta.Get("usage.input_tokens").Int())
	assert.Equal(t, int64(18), delta.Get("usage.output_tokens").Int())
}

func TestBridgeOpenAIToAnthropicTrailingUsage(t *testing.T) {
	transcript := `data: {"id":"c3","object":"chat.completion.chunk","created":3,"model":"glm-4.5","choices":[{"index":0,"delta":{"role":"assistant","content":"ok"},"finish_reason":null}]}

data: {"id":"c3","object":"chat.completion.chunk","created":3,"model":"glm-4.5","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}

data: {"id":"c3","object":"chat.completion.chunk","created":3,"model":"glm-4.5","choices":[],"usage":{"prompt_tokens":40,"completion_tokens":12,"total_tokens":52}}

data: [DONE]

`
	var buf bytes.Buffer
	res, err := BridgeOpenAIToAnthropic(&buf, strings.NewReader(transcript), Options{Model: "m", ScaleFactor: 1.5})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, protocol.Usage{InputTokens: 40, OutputTokens: 12}, res.Usage)

	frames := readFrames(t, buf.Bytes())
	last := frames[len(frames)-1]
	require.Equal(t, "message_stop", last.Name)
	delta := frames[len(frames)-2]
	require.Equal(t, "message_delta", delta.Name)
	assert.Equal(t, int64(60), gjson.GetBytes(delta.Data, "usage.input_tokens").Int(),
		"usage arriving after finish_reason still lands in message_delta")
}

func TestBridgeOpenAIToAnthropicEOFAfterFinish(t *testing.T) {
	transcript := `data: {"id":"c4","object":"chat.completion.chunk","created":4,"model":"glm-4.5","choices":[{"index":0,"delta":{"role":"assistant","content":"ok"},"finish_reason":null}]}

data: {"id":"c4","object":"chat.completion.chunk","created":4,"model":"glm-4.5","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":1,"total_tokens":5}}
`
	var buf bytes.Buffer
	res, err := BridgeOpenAIToAnthropic(&buf, strings.NewReader(transcript), Options{Model: "m"})
	require.NoError(t, err)
	assert.True(t, res.Completed, "a complete answer without [DONE] still terminates cleanly")

	frames := readFrames(t, buf.Bytes())
	require.NotEmpty(t, frames)
	assert.Equal(t, "message_stop", frames[len(frames)-1].Name)
}

func TestBridgeOpenAIToAnthropicMidStreamFailure(t *testing.T) {
	cut := strings.Index(openAIToolTranscript, `"tool_calls":[`)
	upstream := &brokenReader{data: []byte(openAIToolTranscript[:cut]), err: errors.New("read timeout")}
	var buf bytes.Buffer
	res, err := BridgeOpenAIToAnthropic(&buf, upstream, Options{Model: "m"})
	require.NoError(t, err)
	assert.False(t, res.Completed)

	frames := readFrames(t, buf.Bytes())
	require.GreaterOrEqual(t, len(frames), 2)
	errFrame := frames[len(frames)-2]
	assert.Equal(t, "error", errFrame.Name)
	assert.Equal(t, "connection_error", gjson.GetBytes(errFrame.Data, "error.type").String())
	assert.Contains(t, gjson.GetBytes(errFrame.Data, "error.message").String(), "read timeout")
	assert.True(t, frames[len(frames)-1].IsDone())
}

func TestBridgeAnthropicToAnthropic(t *testing.T) {
	transcript := anthropicTranscript + "data: {\"type\":\"message_stop\"}\n\n"
	var buf bytes.Buffer
	res, err := BridgeAnthropicToAnthropic(&buf, strings.NewReader(transcript), Options{})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, transcript, buf.String(), "frames pass through verbatim, trailing ones included")
	assert.Equal(t, protocol.Usage{InputTokens: 10, OutputTokens: 25}, res.Usage)
}

func TestBridgeAnthropicToAnthropicMidStreamFailure(t *testing.T) {
	truncated := strings.SplitAfter(anthropicTranscript, `"text":"Hel"}}`)[0] + "\n\n"
	var buf bytes.Buffer
	res, err := BridgeAnthropicToAnthropic(&buf, strings.NewReader(truncated), Options{})
	require.NoError(t, err)
	assert.False(t, res.Completed)

	frames := readFrames(t, buf.Bytes())
	require.GreaterOrEqual(t, len(frames), 2)
	errFrame := frames[len(frames)-2]
	assert.Equal(t, "error", errFrame.Name)
	assert.Equal(t, "connection_error", gjson.GetBytes(errFrame.Data, "error.type").String())
	assert.True(t, frames[len(frames)-1].IsDone())
}

func TestSynthesizeOpenAIStream(t *testing.T) {
	content := "All good"
	resp := &protocol.ChatCompletionResponse{
		ID:      "chatcmpl-abc",
		Object:  protocol.ObjectChatCompletion,
		Created: 1700000000,
		Model:   "glm-4.5",
		Choices: []protocol.ChatChoice{{
			Message:      protocol.ChatResponseMessage{Role: protocol.RoleAssistant, Content: &content},
			FinishReason: protocol.FinishLength,
		}},
		Usage: &protocol.OpenAIUsage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
	}
	var buf bytes.Buffer
	require.NoError(t, SynthesizeOpenAIStream(&buf, resp))

	frames := readFrames(t, buf.Bytes())
	require.Len(t, frames, 4)
	assert.Equal(t, "assistant", gjson.GetBytes(frames[0].Data, "choices.0.delta.role").String())
	assert.Equal(t, "All good", gjson.GetBytes(frames[1].Data, "choices.0.delta.content").String())
	final := gjson.ParseBytes(frames[2].Data)
	assert.Equal(t, "length", final.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(7), final.Get("usage.total_tokens").Int())
	assert.Equal(t, "chatcmpl-abc", final.Get("id").String())
	assert.True(t, frames[3].IsDone())
}

func TestSynthesizeOpenAIStreamToolCallsOnly(t *testing.T) {
	resp := &protocol.ChatCompletionResponse{
		ID:    "chatcmpl-def",
		Model: "glm-4.5",
		Choices: []protocol.ChatChoice{{
			Message: protocol.ChatResponseMessage{
				Role: protocol.RoleAssistant,
				ToolCalls: []protocol.ToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: protocol.ToolCallFunction{Name: "lookup", Arguments: `{"q":"go"}`},
				}},
			},
			FinishReason: protocol.FinishToolCalls,
		}},
	}
	var buf bytes.Buffer
	require.NoError(t, SynthesizeOpenAIStream(&buf, resp))

	frames := readFrames(t, buf.Bytes())
	require.Len(t, frames, 4)
	assert.Equal(t, "lookup", gjson.GetBytes(frames[1].Data, "choices.0.delta.tool_calls.0.function.name").String())
	assert.Equal(t, "tool_calls", gjson.GetBytes(frames[2].Data, "choices.0.finish_reason").String())
}

func TestSynthesizeAnthropicStream(t *testing.T) {
	resp := &protocol.MessagesResponse{
		ID:         "msg_xyz",
		Type:       "message",
		Role:       protocol.RoleAssistant,
		Model:      "claude-3-opus",
		StopReason: protocol.StopToolUse,
		Content: []protocol.ContentPart{
			{Type: protocol.PartText, Text: "Checking"},
			{Type: protocol.PartToolUse, ID: "toolu_1", Name: "lookup", Input: []byte(`{"q":"go"}`)},
		},
		Usage: protocol.Usage{InputTokens: 9, OutputTokens: 4},
	}
	var buf bytes.Buffer
	require.NoError(t, SynthesizeAnthropicStream(&buf, resp))

	frames := readFrames(t, buf.Bytes())
	names := make([]string, 0, len(frames))
	for _, f := range frames {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	assert.Equal(t, "msg_xyz", gjson.GetBytes(frames[0].Data, "message.id").String())
	assert.Equal(t, "Checking", gjson.GetBytes(frames[2].Data, "delta.text").String())
	assert.JSONEq(t, `{"q":"go"}`, gjson.GetBytes(frames[5].Data, "delta.partial_json").String())
	delta := gjson.ParseBytes(frames[7].Data)
	assert.Equal(t, "tool_use", delta.Get("delta.stop_reason").String())
	assert.Equal(t, int64(9), delta.Get("usage.input_tokens").Int())
}
