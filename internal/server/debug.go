package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// handleDebugLogs serves GET /debug/logs: the in-memory tail of the
// process log, oldest first.
func (s *Server) handleDebugLogs(c *gin.Context) {
	if s.deps.Ring == nil {
		c.JSON(http.StatusOK, gin.H{"records": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": s.deps.Ring.Snapshot()})
}

// handleDebugUsage serves GET /debug/usage: daily token aggregates from
// the usage store. ?days=N widens the window, default 7.
func (s *Server) handleDebugUsage(c *gin.Context) {
	if s.deps.Usage == nil {
		c.JSON(http.StatusOK, gin.H{"usage": []any{}})
		return
	}
	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))
	rows, err := s.deps.Usage.Recent(days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": rows})
}

// handleDebugSink serves GET /debug/sink: queue depth and drop counters
// of the log sink.
func (s *Server) handleDebugSink(c *gin.Context) {
	if s.deps.Sink == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "stats": s.deps.Sink.Stats()})
}
