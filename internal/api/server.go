package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/energizer-project/shard/internal/config"
	"github.com/energizer-project/shard/internal/db"
	"github.com/energizer-project/shard/internal/gateway"
	"github.com/energizer-project/shard/internal/network"
	"github.com/energizer-project/shard/internal/util"
)

// Version is reported by the info endpoint.
const Version = "1.0.0"

// Deps are the components the API reads from. Config, SessionLog and
// Outbox may be nil.
type Deps struct {
	Config     *config.Config
	Listener   *network.Listener
	Gateway    *gateway.Gateway
	SessionLog *db.SessionLog
	Outbox     *gateway.Outbox
}

// Server is the admin HTTP API.
type Server struct {
	cfg     config.APIConfig
	deps    Deps
	logger  zerolog.Logger
	started time.Time

	router     *gin.Engine
	httpServer *http.Server
	addr       chan net.Addr
}

// NewServer creates the API server and builds its routes.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  util.ComponentLogger("api"),
		started: time.Now(),
		addr:    make(chan net.Addr, 1),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.router }

// Addr blocks until the server is listening and returns its address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case a := <-s.addr:
		s.addr <- a
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	if s.cfg.TLSEnabled {
		host, _, _ := net.SplitHostPort(s.cfg.Address)
		if _, err := util.EnsureSelfSignedCert(s.cfg.TLSCertFile, s.cfg.TLSKeyFile, host, "localhost"); err != nil {
			ln.Close()
			return err
		}
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to load API certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		})
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Bool("tls", s.cfg.TLSEnabled).Msg("admin API listening")
	s.addr <- ln.Addr()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	router.Use(NewRateLimiter(s.cfg.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleInfo)
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(s.cfg.Token))
	{
		protected.GET("/sessions", s.handleListSessions)
		protected.GET("/sessions/:id", s.handleGetSession)
		protected.GET("/sessions/:id/history", s.handleGetHistory)
		protected.POST("/sessions/:id/history/consume", s.handleConsumeHistory)
		protected.POST("/sessions/:id/kick", s.handleKick)
		protected.POST("/broadcast", s.handleBroadcast)

		protected.GET("/stats", s.handleStats)
		protected.GET("/pipeline", s.handlePipeline)
		protected.GET("/registry", s.handleRegistry)
		protected.GET("/audit", s.handleAudit)
		protected.GET("/config", s.handleGetConfig)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "shard admin API is running"})
	})

	return router
}
