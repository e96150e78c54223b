package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/duogate/duogate/internal/protocol"
	"github.com/duogate/duogate/pkg/adaptor"
)

// countScaledHeader marks responses whose estimate was rescaled for the
// vision window.
const countScaledHeader = "X-Proxy-Count-Scaled"

// handleCountTokens serves POST /v1/messages/count_tokens with a local
// estimate; nothing is dispatched upstream. The estimate runs through the
// same router as real traffic so a vision-bound conversation can opt into
// the configured rescale.
func (s *Server) handleCountTokens(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.clientError(c, protocol.FamilyAnthropic, http.StatusBadRequest, protocol.ErrTypeInvalidRequest, "unreadable request body")
		return
	}
	var req protocol.CountTokensRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.clientError(c, protocol.FamilyAnthropic, http.StatusBadRequest, protocol.ErrTypeInvalidRequest, "malformed JSON: "+err.Error())
		return
	}

	counter := s.deps.Counter
	count := counter.CountMessages(req.Messages) +
		counter.CountSystem(req.System) +
		counter.CountTools(req.Tools)

	decision := s.deps.Router.Decide(req.Model, adaptor.HasImage(raw))
	if s.cfg.ScaleCountTokensForVision && decision.IsVision {
		scaled := protocol.ScaleCountTokens(count, s.cfg.VisionCountScale)
		if scaled != count {
			c.Header(countScaledHeader, "VISION")
			count = scaled
		}
	}

	c.JSON(http.StatusOK, protocol.CountTokensResponse{
		InputTokens:     count,
		TokenCount:      count,
		InputTokenCount: count,
	})
}
