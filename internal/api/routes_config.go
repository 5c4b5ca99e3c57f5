package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/shard/internal/config"
)

const redacted = "********"

// handleGetConfig returns the running configuration with secrets masked,
// together with its validation result.
func (s *Server) handleGetConfig(c *gin.Context) {
	cfg := s.deps.Config
	if cfg == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "configuration not available"})
		return
	}

	proto := cfg.GetProtocol()
	if proto.EncryptionSecret != "" {
		proto.EncryptionSecret = redacted
	}
	api := cfg.GetAPI()
	if api.Token != "" {
		api.Token = redacted
	}

	result := config.Validate(cfg)
	c.JSON(http.StatusOK, gin.H{
		"path":     cfg.Path(),
		"network":  cfg.GetNetwork(),
		"protocol": proto,
		"api":      api,
		"mqtt":     cfg.GetMQTT(),
		"database": cfg.GetDatabase(),
		"logging":  cfg.GetLogging(),
		"validation": gin.H{
			"valid":    result.IsValid(),
			"errors":   result.Errors,
			"warnings": result.Warnings,
		},
	})
}
