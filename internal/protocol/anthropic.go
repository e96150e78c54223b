package protocol

import (
	"encoding/json"
	"fmt"
)

// Anthropic Messages API wire types.
//
// The proxy keeps its own schema structs instead of the SDK parameter types:
// the context pipeline mutates message content in place (deduplication,
// condensation, truncation) and unknown block kinds must survive a round
// trip, neither of which the SDK union types allow.

// Message roles shared by both dialects.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content part types.
const (
	PartText       = "text"
	PartImage      = "image"
	PartImageURL   = "image_url"
	PartInputImage = "input_image"
	PartToolUse    = "tool_use"
	PartToolResult = "tool_result"
	PartThinking   = "thinking"
)

// Anthropic stop reasons.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
	StopToolUse      = "tool_use"
)

// MessagesRequest is the Anthropic /v1/messages request envelope.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        *SystemPrompt   `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Thinking      json.RawMessage `json:"thinking,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// MessagesResponse is the Anthropic non-streaming response envelope.
type MessagesResponse struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Role         string        `json:"role"`
	Model        string        `json:"model,omitempty"`
	Content      []ContentPart `json:"content"`
	StopReason   string        `json:"stop_reason,omitempty"`
	StopSequence *string       `json:"stop_sequence"`
	Usage        Usage         `json:"usage"`
}

// Text concatenates all text blocks of the response content.
func (r *MessagesResponse) Text() string {
	var out string
	for _, part := range r.Content {
		if part.Type == PartText {
			out += part.Text
		}
	}
	return out
}

// CountTokensRequest is the /v1/messages/count_tokens request body.
type CountTokensRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	System   *SystemPrompt `json:"system,omitempty"`
	Tools    []Tool        `json:"tools,omitempty"`
}

// CountTokensResponse mirrors the three-field compatibility shape: all
// fields carry the same value, clients read whichever they know.
type CountTokensResponse struct {
	InputTokens     int `json:"input_tokens"`
	TokenCount      int `json:"token_count"`
	InputTokenCount int `json:"input_token_count"`
}

// Tool is an Anthropic tool declaration.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Message is a single conversation turn in either dialect. The OpenAI-only
// envelope fields (name, tool_calls, tool_call_id) stay nil on the
// Anthropic side and are dropped by omitempty.
type Message struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// MessageContent is either a plain string or an ordered list of parts.
type MessageContent struct {
	Text  *string
	Parts []ContentPart
}

// TextContent wraps a plain string payload.
func TextContent(s string) MessageContent {
	return MessageContent{Text: &s}
}

// PartsContent wraps a part list payload.
func PartsContent(parts ...ContentPart) MessageContent {
	return MessageContent{Parts: parts}
}

// IsString reports whether the content is the plain-string form.
func (mc MessageContent) IsString() bool { return mc.Text != nil }

// IsEmpty reports whether the content carries no payload at all.
func (mc MessageContent) IsEmpty() bool {
	if mc.Text != nil {
		return *mc.Text == ""
	}
	return len(mc.Parts) == 0
}

// PlainText flattens the content to text: the string itself, or the
// concatenation of all text parts.
func (mc MessageContent) PlainText() string {
	if mc.Text != nil {
		return *mc.Text
	}
	var out string
	for _, part := range mc.Parts {
		if part.Type == PartText {
			out += part.Text
		}
	}
	return out
}

func (mc MessageContent) MarshalJSON() ([]byte, error) {
	if mc.Text != nil {
		return json.Marshal(*mc.Text)
	}
	if mc.Parts != nil {
		return json.Marshal(mc.Parts)
	}
	return []byte("null"), nil
}

func (mc *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		mc.Text = &s
		mc.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		mc.Text = nil
		mc.Parts = parts
		return nil
	}
	if string(data) == "null" {
		*mc = MessageContent{}
		return nil
	}
	return fmt.Errorf("message content is neither string nor array: %s", truncateForError(data))
}

// ContentPart is the union of both dialects' block kinds. Unknown kinds
// keep their raw bytes so they re-serialize unchanged.
type ContentPart struct {
	Type string `json:"type"`

	// text / thinking
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// anthropic image
	Source *ImageSource `json:"source,omitempty"`

	// openai image_url
	ImageURL *ImageURL `json:"image_url,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result; content may be a string or nested blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// prompt-caching hint, passed through untouched
	CacheControl json.RawMessage `json:"cache_control,omitempty"`

	raw json.RawMessage
}

// TextPart builds a text block.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// Raw returns the original bytes for unknown part kinds, nil otherwise.
func (p ContentPart) Raw() json.RawMessage { return p.raw }

type contentPartWire ContentPart

func (p *ContentPart) UnmarshalJSON(data []byte) error {
	var w contentPartWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = ContentPart(w)
	switch p.Type {
	case PartText, PartImage, PartImageURL, PartInputImage, PartToolUse, PartToolResult, PartThinking:
	default:
		p.raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

func (p ContentPart) MarshalJSON() ([]byte, error) {
	if len(p.raw) > 0 {
		return p.raw, nil
	}
	return json.Marshal(contentPartWire(p))
}

// ImageSource is the Anthropic image payload: inline base64 or a URL.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ImageURL is the OpenAI image reference.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// SystemPrompt is the Anthropic top-level system field: a string or an
// array of text blocks.
type SystemPrompt struct {
	Text   *string
	Blocks []ContentPart
}

// SystemText wraps a plain system string.
func SystemText(s string) *SystemPrompt {
	return &SystemPrompt{Text: &s}
}

// PlainText flattens the prompt to a single string.
func (sp *SystemPrompt) PlainText() string {
	if sp == nil {
		return ""
	}
	if sp.Text != nil {
		return *sp.Text
	}
	var out string
	for i, b := range sp.Blocks {
		if b.Type != PartText {
			continue
		}
		if i > 0 && out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

func (sp SystemPrompt) MarshalJSON() ([]byte, error) {
	if sp.Text != nil {
		return json.Marshal(*sp.Text)
	}
	return json.Marshal(sp.Blocks)
}

func (sp *SystemPrompt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		sp.Text = &s
		sp.Blocks = nil
		return nil
	}
	var blocks []ContentPart
	if err := json.Unmarshal(data, &blocks); err == nil {
		sp.Text = nil
		sp.Blocks = blocks
		return nil
	}
	return fmt.Errorf("system prompt is neither string nor array: %s", truncateForError(data))
}

func truncateForError(data []byte) string {
	const max = 64
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
