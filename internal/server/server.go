// Package server is the HTTP surface of the proxy: the two chat endpoints,
// token counting, model listing and the debug endpoints, glued to the
// routing, translation and context-management layers.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/duogate/duogate/internal/config"
	"github.com/duogate/duogate/internal/contextmgr"
	"github.com/duogate/duogate/internal/db"
	"github.com/duogate/duogate/internal/logsink"
	otelx "github.com/duogate/duogate/internal/obs/otel"
	"github.com/duogate/duogate/internal/protocol"
	"github.com/duogate/duogate/internal/protocol/token"
	"github.com/duogate/duogate/internal/routing"
	"github.com/duogate/duogate/internal/server/middleware"
	"github.com/duogate/duogate/internal/upstream"
	"github.com/duogate/duogate/pkg/obs"
)

// Deps are the collaborators the server runs on. Sink, Tracker, Usage and
// Ring may be nil; the matching features degrade to no-ops.
type Deps struct {
	Router  *routing.Router
	Client  *upstream.Client
	Counter *token.Counter
	Manager *contextmgr.Manager
	Sink    *logsink.Sink
	Tracker *otelx.TokenTracker
	Usage   *db.UsageStore
	Ring    *obs.RingLog
}

// Server is the proxy HTTP server.
type Server struct {
	cfg     *config.Config
	deps    Deps
	version string
	started time.Time

	engine     *gin.Engine
	httpServer *http.Server
}

// New builds the server and its route table.
func New(cfg *config.Config, deps Deps, version string) *Server {
	if !cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		version: version,
		started: time.Now(),
	}

	engine := gin.New()
	engine.Use(middleware.Correlation())
	engine.Use(middleware.Recovery(func(id string, recovered any) {
		s.sinkError(id, "panic", map[string]any{"recovered": recovered})
	}))
	engine.Use(middleware.CORS())

	engine.GET("/health", s.handleHealth)

	v1 := engine.Group("/v1")
	{
		v1.POST("/messages", s.handleMessages)
		v1.POST("/messages/count_tokens", s.handleCountTokens)
		v1.POST("/chat/completions", s.handleChatCompletions)
		v1.GET("/models", s.handleModels)
		v1.GET("/models/:id", s.handleModel)
	}

	dbg := engine.Group("/debug")
	{
		dbg.GET("/logs", s.handleDebugLogs)
		dbg.GET("/usage", s.handleDebugUsage)
		dbg.GET("/sink", s.handleDebugSink)
	}

	s.engine = engine
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start blocks serving requests until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logrus.Infof("listening on %s (version %s)", s.cfg.Addr(), s.version)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// manageContext runs the dedup/condense/truncate pipeline over the
// conversation when context management is on. Failures inside the pipeline
// degrade internally; the request always proceeds.
func (s *Server) manageContext(ctx context.Context, correlationID string, messages []protocol.Message, isVision bool, maxResponseTokens int) []protocol.Message {
	if s.deps.Manager == nil || !s.cfg.ContextManagementEnabled || len(messages) == 0 {
		return messages
	}
	res := s.deps.Manager.Apply(ctx, messages, isVision, maxResponseTokens)
	if res.Applied != "none" {
		logrus.WithFields(logrus.Fields{
			"correlation_id": correlationID,
			"applied":        res.Applied,
			"final_tokens":   res.FinalTokens,
			"degraded":       res.Degraded,
		}).Debug("context pipeline applied")
		s.sinkMetric("context_pipeline", map[string]any{
			"correlation_id":       correlationID,
			"applied":              res.Applied,
			"dedup_savings":        res.DedupSavings,
			"condensation_savings": res.CondensationSavings,
			"final_tokens":         res.FinalTokens,
			"degraded":             res.Degraded,
			"notes":                res.Notes,
		})
	}
	return res.Messages
}

// nil-tolerant sink wrappers

func (s *Server) sinkRequest(id string, data map[string]any) {
	if s.deps.Sink != nil {
		s.deps.Sink.UpstreamRequest(id, data)
	}
}

func (s *Server) sinkResponse(id string, data map[string]any) {
	if s.deps.Sink != nil {
		s.deps.Sink.UpstreamResponse(id, data)
	}
}

func (s *Server) sinkError(id, errType string, data map[string]any) {
	if s.deps.Sink != nil {
		s.deps.Sink.Error(id, errType, data)
	}
}

func (s *Server) sinkMetric(name string, data map[string]any) {
	if s.deps.Sink != nil {
		s.deps.Sink.Metric(name, data)
	}
}
