package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	otelx "github.com/duogate/duogate/internal/obs/otel"
	"github.com/duogate/duogate/internal/protocol"
	"github.com/duogate/duogate/internal/routing"
	"github.com/duogate/duogate/internal/server/middleware"
	"github.com/duogate/duogate/internal/upstream"
	"github.com/duogate/duogate/pkg/adaptor"
)

// forwardedHeaders are the client headers passed through to the upstream.
// Credentials are subject to the upstream client's key policy.
var forwardedHeaders = []string{
	"x-api-key",
	"authorization",
	"anthropic-version",
	"anthropic-beta",
}

// exchange carries the bookkeeping of one proxied request across the
// handler helpers.
type exchange struct {
	correlationID string
	decision      routing.Decision
	clientFamily  protocol.Family
	streamed      bool
	started       time.Time
}

func newExchange(c *gin.Context, decision routing.Decision, clientFamily protocol.Family, streamed bool) *exchange {
	return &exchange{
		correlationID: middleware.CorrelationID(c),
		decision:      decision,
		clientFamily:  clientFamily,
		streamed:      streamed,
		started:       time.Now(),
	}
}

// forwardHeaders collects the client headers to send upstream. When the
// anthropic family is targeted, prompt-caching payloads get the beta
// header injected unless the caller already sent one.
func (s *Server) forwardHeaders(c *gin.Context, family protocol.Family, raw []byte) http.Header {
	h := http.Header{}
	for _, name := range forwardedHeaders {
		if v := c.GetHeader(name); v != "" {
			h.Set(name, v)
		}
	}
	if family == protocol.FamilyAnthropic && s.cfg.ForceAnthropicBeta &&
		h.Get("anthropic-beta") == "" && adaptor.HasCacheControl(raw) {
		h.Set("anthropic-beta", s.cfg.AnthropicBetaValue)
	}
	return h
}

// clientError answers in the client's error envelope.
func (s *Server) clientError(c *gin.Context, family protocol.Family, status int, errType, msg string) {
	c.JSON(status, protocol.ErrorBody(family, errType, msg))
}

// upstreamFailure maps a failed dispatch onto a client response: exhausted
// retries become a 502 connection error, everything else a generic 502. A
// canceled client context gets no body at all.
func (s *Server) upstreamFailure(c *gin.Context, ex *exchange, err error) {
	var lost *upstream.ConnectionLost
	switch {
	case errors.Is(err, context.Canceled):
		c.Abort()
		s.observeError(c, ex, "client_disconnected", err)
		return
	case errors.As(err, &lost):
		s.clientError(c, ex.clientFamily, http.StatusBadGateway, protocol.ErrTypeConnection,
			"upstream connection lost: "+lost.Err.Error())
		s.observeError(c, ex, "connection_lost", err)
	case errors.Is(err, context.DeadlineExceeded):
		s.clientError(c, ex.clientFamily, http.StatusGatewayTimeout, protocol.ErrTypeTimeout,
			"upstream request timed out")
		s.observeError(c, ex, "timeout", err)
	default:
		s.clientError(c, ex.clientFamily, http.StatusBadGateway, protocol.ErrTypeAPI,
			"upstream request failed: "+err.Error())
		s.observeError(c, ex, "upstream_error", err)
	}
}

// forwardUpstreamError relays a 4xx upstream body verbatim. A 5xx has
// already exhausted the client's retry budget by the time it gets here, so
// it becomes a 502 connection error; the upstream body survives in the
// sink record.
func (s *Server) forwardUpstreamError(c *gin.Context, ex *exchange, status int, contentType string, body []byte) {
	if status >= http.StatusInternalServerError {
		s.clientError(c, ex.clientFamily, http.StatusBadGateway, protocol.ErrTypeConnection,
			fmt.Sprintf("upstream unavailable after retries (status %d)", status))
		s.sinkError(ex.correlationID, "upstream_status", map[string]any{
			"status": status,
			"family": string(ex.decision.Family),
			"model":  ex.decision.UpstreamModel,
			"body":   string(body),
		})
		s.record(c.Request.Context(), ex, protocol.Usage{}, "error", "upstream_status")
		return
	}
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(status, contentType, body)
	s.sinkError(ex.correlationID, "upstream_status", map[string]any{
		"status":   status,
		"family":   string(ex.decision.Family),
		"model":    ex.decision.UpstreamModel,
		"body_len": len(body),
	})
	s.record(c.Request.Context(), ex, protocol.Usage{}, "error", "upstream_status")
}

func (s *Server) observeError(c *gin.Context, ex *exchange, kind string, err error) {
	s.sinkError(ex.correlationID, kind, map[string]any{
		"error":  err.Error(),
		"family": string(ex.decision.Family),
		"model":  ex.decision.UpstreamModel,
	})
	s.record(c.Request.Context(), ex, protocol.Usage{}, "error", kind)
}

// observeRequest logs the outbound dispatch to the sink.
func (s *Server) observeRequest(ex *exchange, bodyLen int, headers http.Header) {
	s.sinkRequest(ex.correlationID, map[string]any{
		"family":         string(ex.decision.Family),
		"declared_model": ex.decision.DeclaredModel,
		"upstream_model": ex.decision.UpstreamModel,
		"vision":         ex.decision.IsVision,
		"streamed":       ex.streamed,
		"body_len":       bodyLen,
		"headers":        upstream.RedactHeaders(headers),
	})
}

// observeSuccess logs the finished exchange and records metrics. usage is
// in upstream units.
func (s *Server) observeSuccess(c *gin.Context, ex *exchange, usage protocol.Usage) {
	s.sinkResponse(ex.correlationID, map[string]any{
		"family":         string(ex.decision.Family),
		"declared_model": ex.decision.DeclaredModel,
		"upstream_model": ex.decision.UpstreamModel,
		"streamed":       ex.streamed,
		"input_tokens":   usage.InputTokens,
		"output_tokens":  usage.OutputTokens,
		"latency_ms":     time.Since(ex.started).Milliseconds(),
	})
	s.record(c.Request.Context(), ex, usage, "success", "")
}

func (s *Server) record(ctx context.Context, ex *exchange, usage protocol.Usage, status, errKind string) {
	s.deps.Tracker.RecordUsage(ctx, otelx.UsageOptions{
		Family:       string(ex.decision.Family),
		Model:        ex.decision.UpstreamModel,
		RequestModel: ex.decision.DeclaredModel,
		Streamed:     ex.streamed,
		Status:       status,
		ErrorKind:    errKind,
		InputTokens:  usage.InputTokens + usage.CacheCreationInputTokens + usage.CacheReadInputTokens,
		OutputTokens: usage.OutputTokens,
		LatencyMs:    time.Since(ex.started).Milliseconds(),
	})
}

// streamContext derives the watchdog-guarded context of one streaming
// exchange. The returned tick resets the silence timer; it is handed to
// the bridge and fires once per upstream frame. stop releases the timer.
func (s *Server) streamContext(parent context.Context) (ctx context.Context, tick func(), stop func()) {
	ctx, cancel := context.WithCancel(parent)
	timeout := s.cfg.StreamTimeout()
	timer := time.AfterFunc(timeout, func() {
		logrus.Warn("stream watchdog fired, aborting upstream read")
		cancel()
	})
	tick = func() { timer.Reset(timeout) }
	stop = func() {
		timer.Stop()
		cancel()
	}
	return ctx, tick, stop
}

// sseHeaders marks the response as an event stream before the first frame.
func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// stripStream removes the streaming flags from a marshaled request body,
// for the non-streaming fallback re-issue.
func stripStream(body []byte) []byte {
	out, err := sjson.DeleteBytes(body, "stream")
	if err != nil {
		return body
	}
	if cleaned, err := sjson.DeleteBytes(out, "stream_options"); err == nil {
		return cleaned
	}
	return out
}
