package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/sjson"

	"github.com/duogate/duogate/internal/protocol"
	"github.com/duogate/duogate/internal/protocol/stream"
	"github.com/duogate/duogate/internal/upstream"
	"github.com/duogate/duogate/pkg/adaptor"
)

// handleMessages serves POST /v1/messages. Text-only requests pass through
// to the Anthropic-style upstream with only the model rewritten; image
// requests cross over to the OpenAI-style upstream and come back in
// Messages shape.
func (s *Server) handleMessages(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.clientError(c, protocol.FamilyAnthropic, http.StatusBadRequest, protocol.ErrTypeInvalidRequest, "unreadable request body")
		return
	}
	var req protocol.MessagesRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.clientError(c, protocol.FamilyAnthropic, http.StatusBadRequest, protocol.ErrTypeInvalidRequest, "malformed JSON: "+err.Error())
		return
	}
	if req.Model == "" {
		s.clientError(c, protocol.FamilyAnthropic, http.StatusBadRequest, protocol.ErrTypeInvalidRequest, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		s.clientError(c, protocol.FamilyAnthropic, http.StatusBadRequest, protocol.ErrTypeInvalidRequest, "messages is required")
		return
	}

	streamed := req.Stream || strings.Contains(c.GetHeader("Accept"), "text/event-stream")
	decision := s.deps.Router.Decide(req.Model, adaptor.HasImage(raw))
	ex := newExchange(c, decision, protocol.FamilyAnthropic, streamed)

	req.Messages = s.manageContext(c.Request.Context(), ex.correlationID,
		req.Messages, decision.IsVision, req.MaxTokens)

	var body []byte
	if decision.Family == protocol.FamilyAnthropic {
		up := req
		up.Model = decision.UpstreamModel
		up.Stream = streamed
		body, err = json.Marshal(&up)
	} else {
		up := adaptor.ConvertAnthropicToOpenAIRequest(&req, decision.UpstreamModel)
		up.Stream = streamed
		body, err = json.Marshal(up)
	}
	if err != nil {
		s.clientError(c, protocol.FamilyAnthropic, http.StatusInternalServerError, protocol.ErrTypeAPI, "encode upstream request: "+err.Error())
		return
	}

	headers := s.forwardHeaders(c, decision.Family, raw)
	s.observeRequest(ex, len(body), headers)

	if streamed {
		s.streamMessages(c, ex, body, headers)
		return
	}
	s.completeMessages(c, ex, body, headers)
}

func (s *Server) completeMessages(c *gin.Context, ex *exchange, body []byte, headers http.Header) {
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
		out, usage := s.echoAnthropicBody(respBody, ex)
		c.Data(http.StatusOK, "application/json", out)
		s.observeSuccess(c, ex, usage)
		return
	}

	var up protocol.ChatCompletionResponse
	if err := json.Unmarshal(respBody, &up); err != nil {
		s.clientError(c, protocol.FamilyAnthropic, http.StatusBadGateway, protocol.ErrTypeAPI, "invalid upstream response")
		s.observeError(c, ex, "bad_upstream_body", err)
		return
	}
	var rawUsage protocol.Usage
	if up.Usage != nil {
		rawUsage = up.Usage.ToAnthropic()
		scaled := protocol.ScaleUsage(*up.Usage, protocol.FamilyOpenAI, protocol.FamilyAnthropic, ex.decision.IsVision)
		up.Usage = &scaled
	}
	out := adaptor.ConvertOpenAIToAnthropicResponse(&up, ex.decision.DeclaredModel)
	c.JSON(http.StatusOK, out)
	s.observeSuccess(c, ex, rawUsage)
}

// echoAnthropicBody restores the declared model name on a same-protocol
// upstream body. Counts already live in the large advertised window, no
// rescale applies. Returns the body and the upstream usage.
func (s *Server) echoAnthropicBody(respBody []byte, ex *exchange) ([]byte, protocol.Usage) {
	out := respBody
	if patched, err := sjson.SetBytes(out, "model", ex.decision.DeclaredModel); err == nil {
		out = patched
	}
	var usage protocol.Usage
	if u, ok := stream.FindUsage(respBody); ok {
		usage = u
	}
	return out, usage
}

func (s *Server) streamMessages(c *gin.Context, ex *exchange, body []byte, headers http.Header) {
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
		s.fallbackMessagesStream(c, ex, body, headers)
		return
	}

	sseHeaders(c)
	opts := stream.Options{
		Model:       ex.decision.DeclaredModel,
		ScaleFactor: protocol.ScaleFactor(ex.decision.Family, protocol.FamilyAnthropic, ex.decision.IsVision),
		Watchdog:    tick,
	}
	var res stream.Result
	if ex.decision.Family == protocol.FamilyAnthropic {
		res, err = stream.BridgeAnthropicToAnthropic(c.Writer, resp.Body, opts)
	} else {
		res, err = stream.BridgeOpenAIToAnthropic(c.Writer, resp.Body, opts)
	}
	if err != nil {
		s.upstreamFailure(c, ex, err)
		return
	}
	s.observeSuccess(c, ex, res.Usage)
}

func (s *Server) fallbackMessagesStream(c *gin.Context, ex *exchange, body []byte, headers http.Header) {
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

	var out *protocol.MessagesResponse
	var usage protocol.Usage
	if ex.decision.Family == protocol.FamilyAnthropic {
		patched, rawUsage := s.echoAnthropicBody(respBody, ex)
		usage = rawUsage
		out = &protocol.MessagesResponse{}
		if err := json.Unmarshal(patched, out); err != nil {
			s.clientError(c, protocol.FamilyAnthropic, http.StatusBadGateway, protocol.ErrTypeAPI, "invalid upstream response")
			s.observeError(c, ex, "bad_upstream_body", err)
			return
		}
	} else {
		var up protocol.ChatCompletionResponse
		if err := json.Unmarshal(respBody, &up); err != nil {
			s.clientError(c, protocol.FamilyAnthropic, http.StatusBadGateway, protocol.ErrTypeAPI, "invalid upstream response")
			s.observeError(c, ex, "bad_upstream_body", err)
			return
		}
		if up.Usage != nil {
			usage = up.Usage.ToAnthropic()
			scaled := protocol.ScaleUsage(*up.Usage, protocol.FamilyOpenAI, protocol.FamilyAnthropic, ex.decision.IsVision)
			up.Usage = &scaled
		}
		out = adaptor.ConvertOpenAIToAnthropicResponse(&up, ex.decision.DeclaredModel)
	}

	sseHeaders(c)
	if err := stream.SynthesizeAnthropicStream(c.Writer, out); err != nil {
		s.observeError(c, ex, "client_write", err)
		return
	}
	s.observeSuccess(c, ex, usage)
}
