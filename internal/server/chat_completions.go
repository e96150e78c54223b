package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/duogate/duogate/internal/protocol"
	"github.com/duogate/duogate/internal/protocol/stream"
	"github.com/duogate/duogate/internal/upstream"
	"github.com/duogate/duogate/pkg/adaptor"
)

// handleChatCompletions serves POST /v1/chat/completions. Text-only
// requests translate onto the Anthropic upstream; anything carrying an
// image, or addressed to the vision alias, goes to the OpenAI-style
// upstream with flattened content.
func (s *Server) handleChatCompletions(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.clientError(c, protocol.FamilyOpenAI, http.StatusBadRequest, protocol.ErrTypeInvalidRequest, "unreadable request body")
		return
	}
	var req protocol.ChatCompletionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.clientError(c, protocol.FamilyOpenAI, http.StatusBadRequest, protocol.ErrTypeInvalidRequest, "malformed JSON: "+err.Error())
		return
	}
	if req.Model == "" {
		s.clientError(c, protocol.FamilyOpenAI, http.StatusBadRequest, protocol.ErrTypeInvalidRequest, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		s.clientError(c, protocol.FamilyOpenAI, http.StatusBadRequest, protocol.ErrTypeInvalidRequest, "messages is required")
		return
	}

	decision := s.deps.Router.Decide(req.Model, adaptor.HasImage(raw))
	ex := newExchange(c, decision, protocol.FamilyOpenAI, req.Stream)

	req.Messages = s.manageContext(c.Request.Context(), ex.correlationID,
		req.Messages, decision.IsVision, req.EffectiveMaxTokens())

	var body []byte
	if decision.Family == protocol.FamilyAnthropic {
		up := adaptor.ConvertOpenAIToAnthropicRequest(&req, decision.UpstreamModel, s.cfg.DefaultMaxTokens)
		up.Stream = req.Stream
		body, err = json.Marshal(up)
	} else {
		body, err = json.Marshal(adaptor.FlattenChatRequest(&req, decision.UpstreamModel))
	}
	if err != nil {
		s.clientError(c, protocol.FamilyOpenAI, http.StatusInternalServerError, protocol.ErrTypeAPI, "encode upstream request: "+err.Error())
		return
	}

	headers := s.forwardHeaders(c, decision.Family, raw)
	s.observeRequest(ex, len(body), headers)

	if req.Stream {
		s.streamChatCompletion(c, ex, body, headers)
		return
	}
	s.completeChatCompletion(c, ex, body, headers)
}

func (s *Server) completeChatCompletion(c *gin.Context, ex *exchange, body []byte, headers http.Header) {
	resp, err := s.deps.Client.Do(c.Request.Context(), &upstream.Request{
		Family:  ex.decision.Family,
		Body:    body,
		Headers: headers,
	})
	if err != nil {
		s.upstreamFailure(c, ex, err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.upstreamFailure(c, ex, err)
		return
	}
	if resp.StatusCode >= 400 {
		s.forwardUpstreamError(c, ex, resp.StatusCode, resp.Header.Get("Content-Type"), respBody)
		return
	}

	if ex.decision.Family == protocol.FamilyAnthropic {
		var up protocol.MessagesResponse
		if err := json.Unmarshal(respBody, &up); err != nil {
			s.clientError(c, protocol.FamilyOpenAI, http.StatusBadGateway, protocol.ErrTypeAPI, "invalid upstream response")
			s.observeError(c, ex, "bad_upstream_body", err)
			return
		}
		out := adaptor.ConvertAnthropicToOpenAIResponse(&up, ex.decision.DeclaredModel)
		if out.Usage != nil {
			scaled := protocol.ScaleUsage(*out.Usage, protocol.FamilyAnthropic, protocol.FamilyOpenAI, ex.decision.IsVision)
			out.Usage = &scaled
		}
		c.JSON(http.StatusOK, out)
		s.observeSuccess(c, ex, up.Usage)
		return
	}

	out, usage := s.echoOpenAIBody(respBody, ex)
	c.Data(http.StatusOK, "application/json", out)
	s.observeSuccess(c, ex, usage.ToAnthropic())
}

// echoOpenAIBody prepares a same-protocol upstream body for the client:
// the declared model name is restored and any usage object is rescaled
// into the client's window. Returns the body and the raw upstream usage.
func (s *Server) echoOpenAIBody(respBody []byte, ex *exchange) ([]byte, protocol.OpenAIUsage) {
	out := respBody
	if patched, err := sjson.SetBytes(out, "model", ex.decision.DeclaredModel); err == nil {
		out = patched
	}
	var usage protocol.OpenAIUsage
	if node := gjson.GetBytes(respBody, "usage"); node.IsObject() {
		if err := json.Unmarshal([]byte(node.Raw), &usage); err == nil {
			scaled := protocol.ScaleUsage(usage, protocol.FamilyOpenAI, protocol.FamilyOpenAI, ex.decision.IsVision)
			if scaled != usage {
				out, _ = sjson.SetBytes(out, "usage.prompt_tokens", scaled.PromptTokens)
				out, _ = sjson.SetBytes(out, "usage.completion_tokens", scaled.CompletionTokens)
				out, _ = sjson.SetBytes(out, "usage.total_tokens", scaled.TotalTokens)
			}
		}
	}
	return out, usage
}

func (s *Server) streamChatCompletion(c *gin.Context, ex *exchange, body []byte, headers http.Header) {
	ctx, tick, stop := s.streamContext(c.Request.Context())
	defer stop()

	resp, err := s.deps.Client.Do(ctx, &upstream.Request{
		Family:  ex.decision.Family,
		Body:    body,
		Headers: headers,
		Stream:  true,
	})
	if err != nil {
		s.upstreamFailure(c, ex, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		s.forwardUpstreamError(c, ex, resp.StatusCode, resp.Header.Get("Content-Type"), respBody)
		return
	}
	if !upstream.IsEventStream(resp) {
		_, _ = io.Copy(io.Discard, resp.Body)
		s.fallbackChatStream(c, ex, body, headers)
		return
	}

	sseHeaders(c)
	opts := stream.Options{
		Model:       ex.decision.DeclaredModel,
		ScaleFactor: protocol.ScaleFactor(ex.decision.Family, protocol.FamilyOpenAI, ex.decision.IsVision),
		Watchdog:    tick,
	}
	var res stream.Result
	if ex.decision.Family == protocol.FamilyAnthropic {
		res, err = stream.BridgeAnthropicToOpenAI(c.Writer, resp.Body, opts)
	} else {
		res, err = stream.BridgeOpenAIToOpenAI(c.Writer, resp.Body, opts)
	}
	if err != nil {
		// Nothing reached the client yet, a plain error response still works.
		s.upstreamFailure(c, ex, err)
		return
	}
	s.observeSuccess(c, ex, res.Usage)
}

// fallbackChatStream handles an upstream that answered a streaming request
// with a plain body: the request is re-issued non-streaming and the
// finished response is replayed as a synthesized stream.
func (s *Server) fallbackChatStream(c *gin.Context, ex *exchange, body []byte, headers http.Header) {
	resp, err := s.deps.Client.Do(c.Request.Context(), &upstream.Request{
		Family:  ex.decision.Family,
		Body:    stripStream(body),
		Headers: headers,
	})
	if err != nil {
		s.upstreamFailure(c, ex, err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.upstreamFailure(c, ex, err)
		return
	}
	if resp.StatusCode >= 400 {
		s.forwardUpstreamError(c, ex, resp.StatusCode, resp.Header.Get("Content-Type"), respBody)
		return
	}

	var out *protocol.ChatCompletionResponse
	var usage protocol.Usage
	if ex.decision.Family == protocol.FamilyAnthropic {
		var up protocol.MessagesResponse
		if err := json.Unmarshal(respBody, &up); err != nil {
			s.clientError(c, protocol.FamilyOpenAI, http.StatusBadGateway, protocol.ErrTypeAPI, "invalid upstream response")
			s.observeError(c, ex, "bad_upstream_body", err)
			return
		}
		usage = up.Usage
		out = adaptor.ConvertAnthropicToOpenAIResponse(&up, ex.decision.DeclaredModel)
		if out.Usage != nil {
			scaled := protocol.ScaleUsage(*out.Usage, protocol.FamilyAnthropic, protocol.FamilyOpenAI, ex.decision.IsVision)
			out.Usage = &scaled
		}
	} else {
		patched, rawUsage := s.echoOpenAIBody(respBody, ex)
		usage = rawUsage.ToAnthropic()
		out = &protocol.ChatCompletionResponse{}
		if err := json.Unmarshal(patched, out); err != nil {
			s.clientError(c, protocol.FamilyOpenAI, http.StatusBadGateway, protocol.ErrTypeAPI, "invalid upstream response")
			s.observeError(c, ex, "bad_upstream_body", err)
			return
		}
	}

	sseHeaders(c)
	if err := stream.SynthesizeOpenAIStream(c.Writer, out); err != nil {
		s.observeError(c, ex, "client_write", err)
		return
	}
	s.observeSuccess(c, ex, usage)
}
