package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/shard/internal/util"
)

func (s *Server) handleStats(c *gin.Context) {
	stats := gin.H{
		"gateway":    s.deps.Gateway.Stats(),
		"host":       util.GetHostStats(),
		"uptime_sec": int64(time.Since(s.started).Seconds()),
	}
	if s.deps.Listener != nil {
		stats["connections"] = s.deps.Listener.Count()
	}
	if s.deps.Outbox != nil {
		stats["outbox"] = gin.H{
			"queued":  s.deps.Outbox.Len(),
			"dropped": s.deps.Outbox.Dropped(),
		}
	}
	c.JSON(http.StatusOK, stats)
}

// handlePipeline lists the transformer chain new connections receive.
func (s *Server) handlePipeline(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"transformers": s.deps.Listener.Pipeline().Kinds()})
}

func (s *Server) handleRegistry(c *gin.Context) {
	entries := s.deps.Gateway.Registry().Entries()
	c.JSON(http.StatusOK, gin.H{
		"messages": entries,
		"total":    len(entries),
	})
}

// handleAudit returns the most recent session log rows, newest first.
func (s *Server) handleAudit(c *gin.Context) {
	if s.deps.SessionLog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session audit is disabled"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return
	}

	records, err := s.deps.SessionLog.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": records, "total": len(records)})
}
