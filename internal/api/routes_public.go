package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/shard/internal/util"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleInfo(c *gin.Context) {
	info := gin.H{
		"name":       "shard",
		"version":    Version,
		"uptime_sec": int64(time.Since(s.started).Seconds()),
		"system":     util.GetSystemInfo(),
	}
	if s.deps.Listener != nil {
		if addr := s.deps.Listener.Addr(); addr != nil {
			info["game_address"] = addr.String()
		}
	}
	c.JSON(http.StatusOK, info)
}
