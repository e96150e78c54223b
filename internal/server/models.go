package server

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/duogate/duogate/internal/protocol"
)

// modelList enumerates the names the proxy accepts: the two auto aliases
// plus every alias-table key, deduplicated and sorted.
func (s *Server) modelList() []protocol.Model {
	names := []string{s.cfg.AutoTextModel, s.cfg.AutoVisionModel}
	names = append(names, s.cfg.ModelAliases()...)

	seen := make(map[string]bool, len(names))
	created := s.started.Unix()
	out := make([]protocol.Model, 0, len(names))
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, protocol.Model{
			ID:      name,
			Object:  "model",
			Created: created,
			OwnedBy: "proxy",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// handleModels serves GET /v1/models.
func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.ModelList{Object: "list", Data: s.modelList()})
}

// handleModel serves GET /v1/models/:id.
func (s *Server) handleModel(c *gin.Context) {
	id := c.Param("id")
	for _, m := range s.modelList() {
		if m.ID == id {
			c.JSON(http.StatusOK, m)
			return
		}
	}
	s.clientError(c, protocol.FamilyOpenAI, http.StatusNotFound, protocol.ErrTypeInvalidRequest,
		"model not found: "+id)
}
