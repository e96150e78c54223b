package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageContentStringForm(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &msg))
	assert.True(t, msg.Content.IsString())
	assert.Equal(t, "hello", msg.Content.PlainText())

	out, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"hello"}`, string(out))
}

func TestMessageContentPartsForm(t *testing.T) {
	raw := `{"role":"user","content":[{"type":"text","text":"look:"},{"type":"image","source":{"type":"base64","media_type":"image/png","data":"aGk="}}]}`
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	require.Len(t, msg.Content.Parts, 2)
	assert.Equal(t, PartText, msg.Content.Parts[0].Type)
	assert.Equal(t, "look:", msg.Content.PlainText())
	require.NotNil(t, msg.Content.Parts[1].Source)
	assert.Equal(t, "image/png", msg.Content.Parts[1].Source.MediaType)

	out, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestContentPartUnknownKindRoundTrips(t *testing.T) {
	raw := `{"type":"audio","format":"wav","payload":"Zm9v"}`
	var part ContentPart
	require.NoError(t, json.Unmarshal([]byte(raw), &part))
	assert.Equal(t, "audio", part.Type)
	require.NotNil(t, part.Raw())

	out, err := json.Marshal(part)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestSystemPromptForms(t *testing.T) {
	var sp SystemPrompt
	require.NoError(t, json.Unmarshal([]byte(`"be brief"`), &sp))
	assert.Equal(t, "be brief", sp.PlainText())

	require.NoError(t, json.Unmarshal([]byte(`[{"type":"text","text":"one"},{"type":"text","text":"two"}]`), &sp))
	assert.Nil(t, sp.Text)
	assert.Equal(t, "one\ntwo", sp.PlainText())
}

func TestStopSequencesForms(t *testing.T) {
	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(`{"model":"m","messages":[],"stop":"END"}`), &req))
	require.NotNil(t, req.Stop)
	assert.Equal(t, []string{"END"}, req.Stop.Values)

	out, err := json.Marshal(req.Stop)
	require.NoError(t, err)
	assert.Equal(t, `"END"`, string(out))

	require.NoError(t, json.Unmarshal([]byte(`{"model":"m","messages":[],"stop":["a","b"]}`), &req))
	assert.Equal(t, []string{"a", "b"}, req.Stop.Values)
}

func TestMessagesResponseText(t *testing.T) {
	resp := MessagesResponse{Content: []ContentPart{
		TextPart("4"),
		{Type: PartToolUse, ID: "tu_1", Name: "calc"},
		TextPart("!"),
	}}
	assert.Equal(t, "4!", resp.Text())
}

func TestStopFinishReasonMapping(t *testing.T) {
	assert.Equal(t, FinishStop, StopReasonToFinish(StopEndTurn))
	assert.Equal(t, FinishStop, StopReasonToFinish(StopStopSequence))
	assert.Equal(t, FinishLength, StopReasonToFinish(StopMaxTokens))
	assert.Equal(t, FinishToolCalls, StopReasonToFinish(StopToolUse))
	assert.Equal(t, FinishStop, StopReasonToFinish("weird"))

	assert.Equal(t, StopEndTurn, FinishToStopReason(FinishStop))
	assert.Equal(t, StopMaxTokens, FinishToStopReason(FinishLength))
	assert.Equal(t, StopToolUse, FinishToStopReason(FinishToolCalls))
}

func TestEffectiveMaxTokens(t *testing.T) {
	assert.Equal(t, 0, (&ChatCompletionRequest{}).EffectiveMaxTokens())
	assert.Equal(t, 5, (&ChatCompletionRequest{MaxTokens: 5}).EffectiveMaxTokens())
	assert.Equal(t, 9, (&ChatCompletionRequest{MaxTokens: 5, MaxCompletionTokens: 9}).EffectiveMaxTokens())
}
