package token

import (
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"

	"github.com/duogate/duogate/internal/protocol"
)

const (
	// BaseImageTokens is the flat cost charged per image part.
	BaseImageTokens = 85

	// toolOverheadTokens covers the structural wrapping of one tool call.
	toolOverheadTokens = 20

	// messageOverheadTokens covers role delimiters per message.
	messageOverheadTokens = 3

	// DefaultCacheSize bounds the text-encode LRU.
	DefaultCacheSize = 1000
)

// Counter estimates token counts over heterogeneous message content with a
// cl100k encoding. It never fails: when the encoder is unavailable or
// errors, counts degrade to a byte-length estimate.
type Counter struct {
	codec tokenizer.Codec
	cache *lru.Cache[string, int]
}

// NewCounter builds a Counter with the default cache size.
func NewCounter() *Counter {
	return NewCounterWithCacheSize(DefaultCacheSize)
}

// NewCounterWithCacheSize builds a Counter with an explicit encode-cache
// bound.
func NewCounterWithCacheSize(size int) *Counter {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, int](size)
	if err != nil {
		// Only reachable with a non-positive size; guarded above.
		cache = nil
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		logrus.Warnf("tokenizer unavailable, falling back to byte estimate: %v", err)
		codec = nil
	}
	return &Counter{codec: codec, cache: cache}
}

// CountText counts tokens in one string. Results are cached; the fallback
// estimate is max(1, bytes/4) and never errors.
func (c *Counter) CountText(text string) int {
	if text == "" {
		return 0
	}
	if c.cache != nil {
		if n, ok := c.cache.Get(text); ok {
			return n
		}
	}
	n := c.encode(text)
	if c.cache != nil {
		c.cache.Add(text, n)
	}
	return n
}

func (c *Counter) encode(text string) int {
	if c.codec != nil {
		if n, err := c.codec.Count(text); err == nil {
			return n
		}
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// CountMessages estimates tokens across a message list, including role
// overhead, content parts, and envelope-level tool calls.
func (c *Counter) CountMessages(messages []protocol.Message) int {
	total := 0
	for i := range messages {
		total += c.CountMessage(&messages[i])
	}
	return total
}

// CountMessage estimates tokens for a single message.
func (c *Counter) CountMessage(msg *protocol.Message) int {
	total := messageOverheadTokens + c.CountText(msg.Role)
	if msg.Content.Text != nil {
		total += c.CountText(*msg.Content.Text)
	}
	for i := range msg.Content.Parts {
		total += c.countPart(&msg.Content.Parts[i])
	}
	for i := range msg.ToolCalls {
		total += c.countToolCall(&msg.ToolCalls[i])
	}
	return total
}

func (c *Counter) countPart(part *protocol.ContentPart) int {
	switch part.Type {
	case protocol.PartText:
		return c.CountText(part.Text)
	case protocol.PartThinking:
		return c.CountText(part.Thinking)
	case protocol.PartImage, protocol.PartInputImage:
		n := BaseImageTokens
		if part.Text != "" {
			n += c.CountText(part.Text)
		} else if part.Source != nil && part.Source.MediaType != "" {
			n += c.CountText(part.Source.MediaType)
		}
		return n
	case protocol.PartImageURL:
		n := BaseImageTokens
		if part.ImageURL != nil && part.ImageURL.Detail != "" {
			n += c.CountText(part.ImageURL.Detail)
		}
		return n
	case protocol.PartToolUse:
		return c.CountText(part.Name) + c.CountText(string(part.Input)) + toolOverheadTokens
	case protocol.PartToolResult:
		return c.CountText(toolResultText(part.Content))
	default:
		data, err := json.Marshal(part)
		if err != nil {
			return 1
		}
		return c.CountText(string(data))
	}
}

func (c *Counter) countToolCall(call *protocol.ToolCall) int {
	return c.CountText(call.Function.Name) + c.CountText(call.Function.Arguments) + toolOverheadTokens
}

// CountSystem estimates tokens for an Anthropic system prompt.
func (c *Counter) CountSystem(system *protocol.SystemPrompt) int {
	if system == nil {
		return 0
	}
	return c.CountText(system.PlainText())
}

// CountTools estimates tokens for declared tool schemas.
func (c *Counter) CountTools(tools []protocol.Tool) int {
	total := 0
	for _, tool := range tools {
		total += c.CountText(tool.Name) + c.CountText(tool.Description)
		total += c.CountText(string(tool.InputSchema)) + toolOverheadTokens
	}
	return total
}

// toolResultText renders a tool_result content payload as plain text: a
// JSON string decodes to itself, anything else counts as raw JSON.
func toolResultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	return string(content)
}
