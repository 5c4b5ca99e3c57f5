package api

import (
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/shard/internal/gateway"
	"github.com/energizer-project/shard/internal/protocol/packets"
	"github.com/energizer-project/shard/internal/session"
)

// sessionView is a session's protocol state joined with its transport
// counters.
type sessionView struct {
	session.Info
	BytesIn      uint64    `json:"bytes_in"`
	BytesOut     uint64    `json:"bytes_out"`
	LastActivity time.Time `json:"last_activity"`
	History      int       `json:"history_bytes"`
	Pipeline     []string  `json:"pipeline"`
}

func viewOf(s *gateway.Session) sessionView {
	conn := s.Conn()
	return sessionView{
		Info:         s.State().Info(),
		BytesIn:      conn.BytesIn(),
		BytesOut:     conn.BytesOut(),
		LastActivity: conn.LastActivity(),
		History:      conn.AvailableBytes(),
		Pipeline:     conn.Pipeline().Kinds(),
	}
}

// lookupSession resolves the :id path parameter, writing the error
// response itself when it fails.
func (s *Server) lookupSession(c *gin.Context) (*gateway.Session, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return nil, false
	}
	sess, ok := s.deps.Gateway.Session(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return sess, true
}

func (s *Server) handleListSessions(c *gin.Context) {
	all := s.deps.Gateway.Sessions()
	views := make([]sessionView, 0, len(all))
	for _, sess := range all {
		views = append(views, viewOf(sess))
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": views,
		"total":    len(views),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.lookupSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

// handleGetHistory dumps the most recent received bytes. ?n= limits the
// dump; without it the whole history is returned.
func (s *Server) handleGetHistory(c *gin.Context) {
	sess, ok := s.lookupSession(c)
	if !ok {
		return
	}

	n := -1
	if q := c.Query("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a non-negative integer"})
			return
		}
		n = v
	}

	data := sess.Conn().Peek(n)
	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.ID(),
		"available":  sess.Conn().AvailableBytes(),
		"length":     len(data),
		"hex":        hex.EncodeToString(data),
		"dump":       hex.Dump(data),
	})
}

func (s *Server) handleConsumeHistory(c *gin.Context) {
	sess, ok := s.lookupSession(c)
	if !ok {
		return
	}

	n, err := strconv.Atoi(c.Query("n"))
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a positive integer"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"consumed":  sess.Conn().Consume(n),
		"available": sess.Conn().AvailableBytes(),
	})
}

type kickRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleKick(c *gin.Context) {
	sess, ok := s.lookupSession(c)
	if !ok {
		return
	}

	var req kickRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "kicked by admin"
	}

	if err := s.deps.Gateway.Kick(sess.ID(), req.Reason); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kicked": sess.ID(), "reason": req.Reason})
}

type broadcastRequest struct {
	Text string `json:"text" binding:"required"`
}

// handleBroadcast sends a system message to every in-game session.
func (s *Server) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n, err := s.deps.Gateway.Broadcast(&packets.Speech{
		Serial:   0xFFFFFFFF,
		Graphic:  0xFFFF,
		Type:     packets.SpeechSystem,
		Hue:      0x3B2,
		Language: "ENU",
		Name:     "System",
		Text:     req.Text,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recipients": n})
}
