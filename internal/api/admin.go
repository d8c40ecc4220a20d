package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleHealth reports provider health only. It answers 503 when no
// provider is healthy.
func (s *Server) handleHealth(c *gin.Context) {
	snap := s.gw.Snapshot()
	status, state := http.StatusOK, "ok"
	if !snap.Healthy() {
		status, state = http.StatusServiceUnavailable, "unavailable"
	}
	c.JSON(status, gin.H{
		"status":    state,
		"providers": snap.Providers,
	})
}

// handleStatus returns the full gateway snapshot plus any registered
// status sections.
// GET /admin/status
func (s *Server) handleStatus(c *gin.Context) {
	out := gin.H{"gateway": s.gw.Snapshot()}
	for _, sec := range s.sections {
		out[sec.name] = sec.fn()
	}
	c.JSON(http.StatusOK, out)
}

// POST /admin/rules/reload
func (s *Server) handleReloadRules(c *gin.Context) {
	if err := s.gw.ReloadRules(c.Request.Context()); err != nil {
		s.logger.Error("rule reload failed",
			"request_id", c.GetString(requestIDKey),
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, errorPayload("rule reload failed", "internal"))
		return
	}
	s.logger.Info("rules reloaded", "by", c.GetString("admin_subject"))
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

// POST /admin/weekly-prompts/invalidate
func (s *Server) handleInvalidatePrompts(c *gin.Context) {
	s.gw.InvalidateWeeklyPromptCache()
	s.logger.Info("weekly prompt cache invalidated", "by", c.GetString("admin_subject"))
	c.JSON(http.StatusOK, gin.H{"status": "invalidated"})
}
