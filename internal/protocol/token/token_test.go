package token

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duogate/duogate/internal/protocol"
)

func TestCountTextDeterministic(t *testing.T) {
	c := NewCounter()
	a := c.CountText("The quick brown fox jumps over the lazy dog.")
	b := c.CountText("The quick brown fox jumps over the lazy dog.")
	assert.Equal(t, a, b)
	assert.Greater(t, a, 0)
}

func TestCountTextEmpty(t *testing.T) {
	c := NewCounter()
	assert.Zero(t, c.CountText(""))
}

func TestCountTextFallbackWithoutCodec(t *testing.T) {
	c := &Counter{}
	assert.Equal(t, 1, c.CountText("ab"))
	assert.Equal(t, 25, c.CountText(strings.Repeat("x", 100)))
}

func TestCountMessageRoleOverhead(t *testing.T) {
	c := NewCounter()
	msg := protocol.Message{Role: protocol.RoleUser, Content: protocol.TextContent("hi")}
	got := c.CountMessage(&msg)
	want := 3 + c.CountText("user") + c.CountText("hi")
	assert.Equal(t, want, got)
}

func TestCountImageParts(t *testing.T) {
	c := NewCounter()

	plain := protocol.Message{Role: protocol.RoleUser, Content: protocol.PartsContent(
		protocol.ContentPart{Type: protocol.PartImage, Source: &protocol.ImageSource{Type: "base64", MediaType: "image/png", Data: "aGk="}},
	)}
	got := c.CountMessage(&plain)
	want := 3 + c.CountText("user") + BaseImageTokens + c.CountText("image/png")
	assert.Equal(t, want, got)

	urlPart := protocol.Message{Role: protocol.RoleUser, Content: protocol.PartsContent(
		protocol.ContentPart{Type: protocol.PartImageURL, ImageURL: &protocol.ImageURL{URL: "https://example.com/x.png"}},
	)}
	got = c.CountMessage(&urlPart)
	assert.Equal(t, 3+c.CountText("user")+BaseImageTokens, got)
}

func TestCountToolUseSurcharge(t *testing.T) {
	c := NewCounter()
	input := json.RawMessage(`{"city":"Oslo"}`)
	msg := protocol.Message{Role: protocol.RoleAssistant, Content: protocol.PartsContent(
		protocol.ContentPart{Type: protocol.PartToolUse, ID: "tu_1", Name: "get_weather", Input: input},
	)}
	got := c.CountMessage(&msg)
	want := 3 + c.CountText("assistant") + c.CountText("get_weather") + c.CountText(string(input)) + 20
	assert.Equal(t, want, got)
}

func TestCountEnvelopeToolCalls(t *testing.T) {
	c := NewCounter()
	msg := protocol.Message{
		Role:    protocol.RoleAssistant,
		Content: protocol.TextContent(""),
		ToolCalls: []protocol.ToolCall{
			{ID: "call_1", Type: "function", Function: protocol.ToolCallFunction{Name: "f", Arguments: `{"a":1}`}},
			{ID: "call_2", Type: "function", Function: protocol.ToolCallFunction{Name: "g", Arguments: `{"b":2}`}},
		},
	}
	got := c.CountMessage(&msg)
	want := 3 + c.CountText("assistant") +
		c.CountText("f") + c.CountText(`{"a":1}`) + 20 +
		c.CountText("g") + c.CountText(`{"b":2}`) + 20
	assert.Equal(t, want, got)
}

func TestCountToolResultAsText(t *testing.T) {
	c := NewCounter()
	part := protocol.ContentPart{Type: protocol.PartToolResult, ToolUseID: "tu_1", Content: json.RawMessage(`"result text"`)}
	msg := protocol.Message{Role: protocol.RoleUser, Content: protocol.PartsContent(part)}
	got := c.CountMessage(&msg)
	want := 3 + c.CountText("user") + c.CountText("result text")
	assert.Equal(t, want, got)
}

func TestCountUnknownPartStringified(t *testing.T) {
	c := NewCounter()
	raw := `{"type":"audio","payload":"Zm9v"}`
	var part protocol.ContentPart
	require.NoError(t, json.Unmarshal([]byte(raw), &part))
	msg := protocol.Message{Role: protocol.RoleUser, Content: protocol.PartsContent(part)}
	got := c.CountMessage(&msg)
	assert.Equal(t, 3+c.CountText("user")+c.CountText(raw), got)
}

func TestCountMessagesSums(t *testing.T) {
	c := NewCounter()
	msgs := []protocol.Message{
		{Role: protocol.RoleUser, Content: protocol.TextContent("one")},
		{Role: protocol.RoleAssistant, Content: protocol.TextContent("two")},
	}
	assert.Equal(t, c.CountMessage(&msgs[0])+c.CountMessage(&msgs[1]), c.CountMessages(msgs))
	assert.Zero(t, c.CountMessages(nil))
}

func TestCountSystemForms(t *testing.T) {
	c := NewCounter()
	assert.Zero(t, c.CountSystem(nil))
	sp := protocol.SystemText("be brief")
	assert.Equal(t, c.CountText("be brief"), c.CountSystem(sp))
}
