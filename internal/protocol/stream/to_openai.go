package stream

import (
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/duogate/duogate/internal/protocol"
)

// BridgeAnthropicToOpenAI re-emits an Anthropic Messages event stream as
// OpenAI chat.completion.chunk frames: a role chunk at message_start, one
// content chunk per text_delta, then a terminal chunk carrying the mapped
// finish_reason and the last usage seen, followed by [DONE].
func BridgeAnthropicToOpenAI(w io.Writer, upstream io.Reader, opts Options) (res Result, err error) {
	e := newEmitter(w)
	sc := NewScanner(upstream)
	defer func() { res.Frames = e.frames }()

	chatID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	stopReason := ""

	chunk := func(delta protocol.ChunkDelta, finish *string, usage *protocol.OpenAIUsage) *protocol.ChatCompletionChunk {
		return &protocol.ChatCompletionChunk{
			ID:      chatID,
			Object:  protocol.ObjectChatCompletionChunk,
			Created: created,
			Model:   opts.Model,
			Choices: []protocol.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
			Usage:   usage,
		}
	}

	for {
		ev, scanErr := sc.Next()
		if scanErr == io.EOF {
			scanErr = io.ErrUnexpectedEOF
		}
		if scanErr != nil {
			if e.frames == 0 {
				return res, scanErr
			}
			failOpenAI(e, scanErr)
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
		switch kind {
		case "message_start":
			if err := e.dataJSON(chunk(protocol.ChunkDelta{Role: protocol.RoleAssistant}, nil, nil)); err != nil {
				return res, err
			}
		case "content_block_delta":
			delta := gjson.GetBytes(ev.Data, "delta")
			if delta.Get("type").String() != "text_delta" {
				continue
			}
			text := delta.Get("text").String()
			if text == "" {
				continue
			}
			if err := e.dataJSON(chunk(protocol.ChunkDelta{Content: text}, nil, nil)); err != nil {
				return res, err
			}
		case "message_delta":
			if sr := gjson.GetBytes(ev.Data, "delta.stop_reason"); sr.Exists() {
				stopReason = sr.String()
			}
		case "message_stop":
			finish := protocol.StopReasonToFinish(stopReason)
			var usage *protocol.OpenAIUsage
			if res.SawUsage {
				u := scaleOpenAIUsage(res.Usage.ToOpenAI(), opts.factor())
				usage = &u
			}
			if err := e.dataJSON(chunk(protocol.ChunkDelta{}, &finish, usage)); err != nil {
				return res, err
			}
			if err := e.done(); err != nil {
				return res, err
			}
			res.Completed = true
			return res, nil
		case "error":
			upErr := upstreamStreamError(ev.Data)
			if e.frames == 0 {
				return res, upErr
			}
			failOpenAI(e, upErr)
			return res, nil
		}
		// ping, content_block_start and content_block_stop have no
		// OpenAI counterpart.
	}
}

// BridgeOpenAIToOpenAI forwards chat.completion.chunk frames verbatim,
// rescaling any usage object into the client's window on the way through.
func BridgeOpenAIToOpenAI(w io.Writer, upstream io.Reader, opts Options) (res Result, err error) {
	e := newEmitter(w)
	sc := NewScanner(upstream)
	defer func() { res.Frames = e.frames }()

	for {
		ev, scanErr := sc.Next()
		if scanErr == io.EOF {
			scanErr = io.ErrUnexpectedEOF
		}
		if scanErr != nil {
			if e.frames == 0 {
				return res, scanErr
			}
			failOpenAI(e, scanErr)
			return res, nil
		}
		opts.tick()
		if ev.IsDone() {
			if err := e.done(); err != nil {
				return res, err
			}
			res.Completed = true
			return res, nil
		}
		payload := ev.Data
		if node := gjson.GetBytes(payload, "usage"); node.IsObject() && node.Get("prompt_tokens").Exists() {
			var u protocol.OpenAIUsage
			if err := json.Unmarshal([]byte(node.Raw), &u); err == nil {
				res.Usage, res.SawUsage = u.ToAnthropic(), true
				if opts.factor() != 1 {
					payload = rescaleUsageJSON(payload, scaleOpenAIUsage(u, opts.factor()))
				}
			}
		}
		if err := e.event(ev.Name, payload); err != nil {
			return res, err
		}
	}
}

// upstreamStreamError lifts the message out of an in-band error event.
func upstreamStreamError(data []byte) error {
	msg := gjson.GetBytes(data, "error.message").String()
	if msg == "" {
		msg = "upstream reported a stream error"
	}
	return &upstreamError{msg: msg}
}

type upstreamError struct {
	msg string
}

func (e *upstreamError) Error() string { return e.msg }
