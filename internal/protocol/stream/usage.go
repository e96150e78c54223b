package stream

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/duogate/duogate/internal/protocol"
)

// FindUsage searches a frame payload for the first object carrying an
// input_tokens field, in document order, and decodes it. Anthropic
// upstreams report usage at different nesting levels depending on the
// event (message_start buries it under message.usage, message_delta puts
// it at the top), so the search walks the whole document.
func FindUsage(raw []byte) (protocol.Usage, bool) {
	node, ok := findUsageNode(gjson.ParseBytes(raw))
	if !ok {
		return protocol.Usage{}, false
	}
	var u protocol.Usage
	if err := json.Unmarshal([]byte(node.Raw), &u); err != nil {
		return protocol.Usage{}, false
	}
	return u, true
}

func findUsageNode(v gjson.Result) (gjson.Result, bool) {
	if v.IsObject() && v.Get("input_tokens").Exists() {
		return v, true
	}
	if !v.IsObject() && !v.IsArray() {
		return gjson.Result{}, false
	}
	var (
		found gjson.Result
		ok    bool
	)
	v.ForEach(func(_, child gjson.Result) bool {
		if !child.IsObject() && !child.IsArray() {
			return true
		}
		if node, hit := findUsageNode(child); hit {
			found, ok = node, true
			return false
		}
		return true
	})
	return found, ok
}

func scaleAnthropicUsage(u protocol.Usage, factor float64) protocol.Usage {
	if factor == 1 {
		return u
	}
	return protocol.Usage{
		InputTokens:              protocol.ScaleCount(u.InputTokens, factor),
		OutputTokens:             protocol.ScaleCount(u.OutputTokens, factor),
		CacheCreationInputTokens: protocol.ScaleCount(u.CacheCreationInputTokens, factor),
		CacheReadInputTokens:     protocol.ScaleCount(u.CacheReadInputTokens, factor),
	}
}

func scaleOpenAIUsage(u protocol.OpenAIUsage, factor float64) protocol.OpenAIUsage {
	if factor == 1 {
		return u
	}
	out := protocol.OpenAIUsage{
		PromptTokens:     protocol.ScaleCount(u.PromptTokens, factor),
		CompletionTokens: protocol.ScaleCount(u.CompletionTokens, factor),
		TotalTokens:      protocol.ScaleCount(u.TotalTokens, factor),
	}
	if u.PromptTokens > 0 || u.CompletionTokens > 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out
}

// rescaleUsageJSON rewrites the usage counters inside a raw frame,
// leaving every other byte untouched. On a set failure the original
// frame is forwarded unmodified.
func rescaleUsageJSON(payload []byte, scaled protocol.OpenAIUsage) []byte {
	out := payload
	var err error
	for _, f := range []struct {
		path string
		v    int
	}{
		{"usage.prompt_tokens", scaled.PromptTokens},
		{"usage.completion_tokens", scaled.CompletionTokens},
		{"usage.total_tokens", scaled.TotalTokens},
	} {
		if out, err = sjson.SetBytes(out, f.path, f.v); err != nil {
			logrus.Warnf("rescale usage in stream frame: %v", err)
			return payload
		}
	}
	return out
}
