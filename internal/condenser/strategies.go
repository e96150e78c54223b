package condenser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/duogate/duogate/internal/protocol"
)

const preserveScore = 50.0

const (
	segmentPrompt = "Summarize this conversation segment so work can continue from it. " +
		"Keep decisions made, questions and their answers, technical details " +
		"(file paths, commands, identifiers, error messages), and any context " +
		"needed to continue. Be concise.\n\n"

	keyPointPrompt = "Extract the key points from this conversation as a short " +
		"bulleted list. Keep decisions, requirements, technical identifiers and " +
		"open issues. Omit pleasantries.\n\n"
)

func layerPrompt(layer int) string {
	detail := [...]string{
		"Condense this oldest part of the conversation into two or three sentences.",
		"Summarize this middle part of the conversation briefly, keeping decisions and technical details.",
		"Summarize this recent part of the conversation, preserving enough detail to continue the work.",
	}
	if layer < 0 || layer >= len(detail) {
		layer = len(detail) - 1
	}
	return detail[layer] + "\n\n"
}

var errNoSummarizer = errors.New("no summarizer configured")

// Score rates how important a message is to keep verbatim. index is the
// message's position, n the conversation length.
func (c *Condenser) Score(msg *protocol.Message, index, n int) float64 {
	s := 0.0
	if msg.Role == protocol.RoleUser {
		s += 30
	}
	if hasToolActivity(msg) {
		s += 40
	}
	if n > 0 {
		s += 50.0 * float64(index+1) / float64(n)
	}
	text := msg.Content.PlainText()
	if l := float64(len(text)) / 1000; l < 20 {
		s += l
	} else {
		s += 20
	}
	if strings.Contains(text, "?") {
		s += 15
	}
	if strings.Contains(text, "```") {
		s += 20
	}
	return s
}

// Preserved reports whether a message survives AI condensation verbatim.
func (c *Condenser) Preserved(msg *protocol.Message, index, n int) bool {
	if msg.Role == protocol.RoleSystem {
		return true
	}
	return c.Score(msg, index, n) >= preserveScore
}

func hasToolActivity(msg *protocol.Message) bool {
	if len(msg.ToolCalls) > 0 || msg.ToolCallID != "" || msg.Role == protocol.RoleTool {
		return true
	}
	for i := range msg.Content.Parts {
		switch msg.Content.Parts[i].Type {
		case protocol.PartToolUse, protocol.PartToolResult:
			return true
		}
	}
	return false
}

func (c *Condenser) runAIStrategy(ctx context.Context, strategy Strategy, messages []protocol.Message, target int, isVision bool) ([]protocol.Message, error) {
	if c.summarizer == nil {
		return nil, errNoSummarizer
	}
	switch strategy {
	case StrategyConversationSummary:
		return c.conversationSummary(ctx, messages, isVision)
	case StrategyKeyPointExtraction:
		return c.keyPointExtraction(ctx, messages, isVision)
	case StrategyProgressiveSummarization:
		return c.progressiveSummarization(ctx, messages, isVision)
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
}

// partition splits messages into preserved system messages, other preserved
// messages, and condensation candidates, keeping original order within each
// group. At most maxMessages candidates are condensed per run; newer
// overflow joins the preserved group.
func (c *Condenser) partition(messages []protocol.Message) (systems, preserved, candidates []protocol.Message) {
	n := len(messages)
	var preservedIdx, candidateIdx []int
	for i := range messages {
		switch {
		case messages[i].Role == protocol.RoleSystem:
			systems = append(systems, messages[i])
		case c.Preserved(&messages[i], i, n):
			preservedIdx = append(preservedIdx, i)
		default:
			candidateIdx = append(candidateIdx, i)
		}
	}
	if len(candidateIdx) > c.maxMessages {
		preservedIdx = append(preservedIdx, candidateIdx[c.maxMessages:]...)
		sort.Ints(preservedIdx)
		candidateIdx = candidateIdx[:c.maxMessages]
	}
	for _, i := range preservedIdx {
		preserved = append(preserved, messages[i])
	}
	for _, i := range candidateIdx {
		candidates = append(candidates, messages[i])
	}
	return systems, preserved, candidates
}

func (c *Condenser) conversationSummary(ctx context.Context, messages []protocol.Message, isVision bool) ([]protocol.Message, error) {
	systems, preserved, candidates := c.partition(messages)
	if len(candidates) == 0 {
		return nil, errors.New("no condensable messages")
	}

	var summaries []protocol.Message
	for _, segment := range c.segment(candidates, segmentTokenSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := c.summarizer.Summarize(ctx, segmentPrompt+transcript(segment), isVision)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logrus.Debugf("condenser: segment summarization failed, using excerpt: %v", err)
			text = heuristicExcerpt(segment)
		}
		summaries = append(summaries, summaryMessage("[Conversation summary]\n"+text))
	}

	out := make([]protocol.Message, 0, len(systems)+len(summaries)+len(preserved))
	out = append(out, systems...)
	out = append(out, summaries...)
	out = append(out, preserved...)
	return out, nil
}

func (c *Condenser) keyPointExtraction(ctx context.Context, messages []protocol.Message, isVision bool) ([]protocol.Message, error) {
	systems, preserved, candidates := c.partition(messages)
	if len(candidates) == 0 {
		return nil, errors.New("no condensable messages")
	}

	text, err := c.summarizer.Summarize(ctx, keyPointPrompt+transcript(candidates), isVision)
	if err != nil {
		return nil, err
	}

	out := make([]protocol.Message, 0, len(systems)+len(preserved)+1)
	out = append(out, systems...)
	out = append(out, preserved...)
	out = append(out, summaryMessage("[Key points]\n"+text))
	return out, nil
}

func (c *Condenser) progressiveSummarization(ctx context.Context, messages []protocol.Message, isVision bool) ([]protocol.Message, error) {
	n := len(messages)

	// The preserved tail stays verbatim; everything before it is layered.
	tailStart := n
	for tailStart > 0 && c.Preserved(&messages[tailStart-1], tailStart-1, n) {
		tailStart--
	}
	tail := messages[tailStart:]
	head := messages[:tailStart]
	if len(head) == 0 {
		return nil, errors.New("no condensable messages")
	}

	var systems []protocol.Message
	var layerable []protocol.Message
	for i := range head {
		if head[i].Role == protocol.RoleSystem {
			systems = append(systems, head[i])
		} else {
			layerable = append(layerable, head[i])
		}
	}
	if len(layerable) == 0 {
		return nil, errors.New("no condensable messages")
	}

	var summaries []protocol.Message
	for layer, part := range splitLayers(layerable) {
		if len(part) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := c.summarizer.Summarize(ctx, layerPrompt(layer)+transcript(part), isVision)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logrus.Debugf("condenser: layer %d summarization failed, using excerpt: %v", layer, err)
			text = heuristicExcerpt(part)
		}
		summaries = append(summaries, summaryMessage(fmt.Sprintf("[Summary, part %d]\n%s", layer+1, text)))
	}

	out := make([]protocol.Message, 0, len(systems)+len(summaries)+len(tail))
	out = append(out, systems...)
	out = append(out, summaries...)
	out = append(out, tail...)
	return out, nil
}

// splitLayers cuts a list into three decreasing layers: roughly one half,
// one third, and the remainder.
func splitLayers(messages []protocol.Message) [][]protocol.Message {
	n := len(messages)
	first := n / 2
	second := first + n/3
	if first == 0 {
		first = min(1, n)
	}
	if second <= first {
		second = min(first+1, n)
	}
	return [][]protocol.Message{
		messages[:first],
		messages[first:second],
		messages[second:],
	}
}

// SmartTruncate is the no-upstream escape hatch: it bounds the conversation
// to target tokens unconditionally, skipping the gate and the cache.
func (c *Condenser) SmartTruncate(messages []protocol.Message, target int) []protocol.Message {
	return c.smartTruncate(messages, target)
}

// smartTruncate keeps system messages and admits the newest conversation
// messages while they fit the target; the first overflowing message is cut
// down, older ones are dropped. Never calls upstream.
func (c *Condenser) smartTruncate(messages []protocol.Message, target int) []protocol.Message {
	if target <= 0 || len(messages) == 0 {
		return messages
	}

	kept := make(map[int]protocol.Message, len(messages))
	budget := target
	for i := range messages {
		if messages[i].Role == protocol.RoleSystem {
			kept[i] = messages[i]
			budget -= c.counter.CountMessage(&messages[i])
		}
	}

	cumulative := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.RoleSystem {
			continue
		}
		mt := c.counter.CountMessage(&messages[i])
		if cumulative+mt <= budget {
			kept[i] = messages[i]
			cumulative += mt
			continue
		}
		remaining := budget - cumulative
		if remaining > 0 {
			if truncated, ok := truncateMessage(&messages[i], remaining); ok {
				if tt := c.counter.CountMessage(&truncated); cumulative+tt <= budget {
					kept[i] = truncated
				}
			}
		}
		break
	}

	out := make([]protocol.Message, 0, len(kept))
	for i := range messages {
		if msg, ok := kept[i]; ok {
			out = append(out, msg)
		}
	}
	return out
}

// truncateMessage cuts one message down to roughly remaining tokens: string
// content to remaining*3 characters plus an ellipsis, part lists to the
// first ceil(remaining/1000) parts plus a marker.
func truncateMessage(msg *protocol.Message, remaining int) (protocol.Message, bool) {
	out := *msg
	if msg.Content.IsString() {
		runes := []rune(msg.Content.PlainText())
		keep := remaining * 3
		if keep <= 0 {
			return out, false
		}
		if len(runes) > keep {
			out.Content = protocol.TextContent(string(runes[:keep]) + "…")
		}
		return out, true
	}
	keepParts := (remaining + 999) / 1000
	if keepParts <= 0 {
		return out, false
	}
	if keepParts >= len(msg.Content.Parts) {
		return out, true
	}
	parts := make([]protocol.ContentPart, 0, keepParts+1)
	parts = append(parts, msg.Content.Parts[:keepParts]...)
	parts = append(parts, protocol.TextPart("[remaining content truncated]"))
	out.Content = protocol.PartsContent(parts...)
	return out, true
}

// segment cuts messages into runs of at most maxTokens each, never
// splitting a message.
func (c *Condenser) segment(messages []protocol.Message, maxTokens int) [][]protocol.Message {
	var segments [][]protocol.Message
	start := 0
	tokens := 0
	for i := range messages {
		mt := c.counter.CountMessage(&messages[i])
		if i > start && tokens+mt > maxTokens {
			segments = append(segments, messages[start:i])
			start = i
			tokens = 0
		}
		tokens += mt
	}
	if start < len(messages) {
		segments = append(segments, messages[start:])
	}
	return segments
}

func transcript(messages []protocol.Message) string {
	var b strings.Builder
	for i := range messages {
		text := strings.TrimSpace(messages[i].Content.PlainText())
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", messages[i].Role, text)
	}
	return b.String()
}

// heuristicExcerpt is the no-upstream fallback for a failed segment: the
// first 150 characters of each message.
func heuristicExcerpt(messages []protocol.Message) string {
	var b strings.Builder
	for i := range messages {
		text := strings.TrimSpace(messages[i].Content.PlainText())
		if text == "" {
			continue
		}
		if runes := []rune(text); len(runes) > 150 {
			text = string(runes[:150]) + "…"
		}
		fmt.Fprintf(&b, "%s: %s\n", messages[i].Role, text)
	}
	return b.String()
}

func summaryMessage(text string) protocol.Message {
	return protocol.Message{Role: protocol.RoleAssistant, Content: protocol.TextContent(text)}
}
