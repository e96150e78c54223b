package stream

import (
	"encoding/json"
	"io"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/duogate/duogate/internal/protocol"
)

// BridgeOpenAIToAnthropic re-emits chat.completion.chunk frames as an
// Anthropic Messages event stream. A message_start is synthesized on the
// first upstream frame, text deltas land in block 0, tool call fragments
// open one tool_use block per tool index and stream input_json_delta
// events. The terminal message_delta and message_stop are held until the
// upstream finishes so that a trailing usage-only chunk still makes it
// into the reported usage.
func BridgeOpenAIToAnthropic(w io.Writer, upstream io.Reader, opts Options) (res Result, err error) {
	e := newEmitter(w)
	sc := NewScanner(upstream)
	defer func() { res.Frames = e.frames }()

	messageID := "msg_" + uuid.NewString()
	var (
		started      bool
		textOpen     bool
		blocksClosed bool
		finishSeen   bool
		stopReason   string
		nextBlock    = 1
		toolBlocks   = map[int]int{}
		openOrder    []int
	)

	start := func() error {
		if started {
			return nil
		}
		started = true
		return e.eventJSON("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            messageID,
				"type":          "message",
				"role":          protocol.RoleAssistant,
				"content":       []any{},
				"model":         opts.Model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})
	}

	closeBlocks := func() error {
		if blocksClosed {
			return nil
		}
		blocksClosed = true
		if textOpen {
			if err := e.eventJSON("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0}); err != nil {
				return err
			}
		}
		for _, block := range openOrder {
			if err := e.eventJSON("content_block_stop", map[string]any{"type": "content_block_stop", "index": block}); err != nil {
				return err
			}
		}
		return nil
	}

	finish := func() error {
		if err := start(); err != nil {
			return err
		}
		if err := closeBlocks(); err != nil {
			return err
		}
		if stopReason == "" {
			stopReason = protocol.StopEndTurn
		}
		if err := e.eventJSON("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
			"usage": scaleAnthropicUsage(res.Usage, opts.factor()),
		}); err != nil {
			return err
		}
		if err := e.eventJSON("message_stop", map[string]any{"type": "message_stop"}); err != nil {
			return err
		}
		res.Completed = true
		return nil
	}

	for {
		ev, scanErr := sc.Next()
		if scanErr == io.EOF && finishSeen {
			// Upstream dropped before [DONE] but the answer is complete.
			return res, finish()
		}
		if scanErr == io.EOF {
			scanErr = io.ErrUnexpectedEOF
		}
		if scanErr != nil {
			if e.frames == 0 {
				return res, scanErr
			}
			failAnthropic(e, scanErr)
			return res, nil
		}
		opts.tick()
		if ev.IsDone() {
			return res, finish()
		}
		if node := gjson.GetBytes(ev.Data, "usage"); node.IsObject() && node.Get("prompt_tokens").Exists() {
			var u protocol.OpenAIUsage
			if err := json.Unmarshal([]byte(node.Raw), &u); err == nil {
				res.Usage, res.SawUsage = u.ToAnthropic(), true
			}
		}
		if err := start(); err != nil {
			return res, err
		}
		choice := gjson.GetBytes(ev.Data, "choices.0")
		if !choice.Exists() {
			continue
		}
		if !textOpen {
			textOpen = true
			if err := e.eventJSON("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         0,
				"content_block": map[string]any{"type": protocol.PartText, "text": ""},
			}); err != nil {
				return res, err
			}
		}
		delta := choice.Get("delta")
		if text := delta.Get("content").String(); text != "" {
			if err := e.eventJSON("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]any{"type": "text_delta", "text": text},
			}); err != nil {
				return res, err
			}
		}
		var writeErr error
		delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			idx := int(tc.Get("index").Int())
			block, known := toolBlocks[idx]
			if !known {
				block = nextBlock
				nextBlock++
				toolBlocks[idx] = block
				openOrder = append(openOrder, block)
				id := tc.Get("id").String()
				if id == "" {
					id = "call_" + uuid.NewString()
				}
				writeErr = e.eventJSON("content_block_start", map[string]any{
					"type":  "content_block_start",
					"index": block,
					"content_block": map[string]any{
						"type":  protocol.PartToolUse,
						"id":    id,
						"name":  tc.Get("function.name").String(),
						"input": map[string]any{},
					},
				})
				if writeErr != nil {
					return false
				}
			}
			if args := tc.Get("function.arguments").String(); args != "" {
				writeErr = e.eventJSON("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": block,
					"delta": map[string]any{"type": "input_json_delta", "partial_json": args},
				})
			}
			return writeErr == nil
		})
		if writeErr != nil {
			return res, writeErr
		}
		if fr := choice.Get("finish_reason"); fr.Type == gjson.String && fr.String() != "" {
			finishSeen = true
			stopReason = protocol.FinishToStopReason(fr.String())
			if err := closeBlocks(); err != nil {
				return res, err
			}
		}
	}
}

// BridgeAnthropicToAnthropic forwards an Anthropic event stream verbatim,
// peeling usage out of each frame for accounting. Trailing frames after
// message_stop are forwarded too.
func BridgeAnthropicToAnthropic(w io.Writer, upstream io.Reader, opts Options) (res Result, err error) {
	e := newEmitter(w)
	sc := NewScanner(upstream)
	defer func() { res.Frames = e.frames }()

	for {
		ev, scanErr := sc.Next()
		if scanErr == io.EOF {
			if res.Completed {
				return res, nil
			}
			scanErr = io.ErrUnexpectedEOF
		}
		if scanErr != nil {
			if e.frames == 0 {
				return res, scanErr
			}
			failAnthropic(e, scanErr)
			return res, nil
		}
		opts.tick()
		if u, ok := FindUsage(ev.Data); ok {
			res.Usage, res.SawUsage = u, true
		}
		kind := ev.Name
		if kind == "" {
			kind = gjson.GetBytes(ev.Data, "type").String()
		}
		if kind == "message_stop" {
			res.Completed = true
		}
		if err := e.event(ev.Name, ev.Data); err != nil {
			return res, err
		}
	}
}
