package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/scribelabs/sessionnotes/config"
	"github.com/scribelabs/sessionnotes/internal/auth"
	"github.com/scribelabs/sessionnotes/internal/pipeline"
	"github.com/scribelabs/sessionnotes/internal/progress"
	"github.com/scribelabs/sessionnotes/internal/sessions"
	"github.com/scribelabs/sessionnotes/internal/storage"
	"github.com/scribelabs/sessionnotes/internal/stream"
)

// Deps are the collaborators injected into the server. Tests construct these
// against temporary stores and fake pipeline collaborators.
type Deps struct {
	Progress    *progress.Store
	Sessions    *sessions.Store
	Recordings  storage.Storage
	Transcriber pipeline.Transcriber
	Extractor   pipeline.NoteExtractor
}

// Server handles HTTP requests for session recording processing.
type Server struct {
	cfg      *config.Config
	router   *gin.Engine
	sessions *sessions.Store
	progress *progress.Store
	driver   *pipeline.Driver
	streamer *stream.Streamer
	verifier *auth.Verifier
}

// New creates a new HTTP server instance.
func New(cfg *config.Config, deps Deps) *Server {
	server := &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		progress: deps.Progress,
		verifier: auth.NewVerifier(cfg.Auth.Secret),
		driver: &pipeline.Driver{
			Progress:    deps.Progress,
			Sessions:    deps.Sessions,
			Recordings:  deps.Recordings,
			Transcriber: deps.Transcriber,
			Extractor:   deps.Extractor,
			Timeout:     cfg.Pipeline.Timeout(),
		},
	}
	server.streamer = &stream.Streamer{
		Store:             deps.Progress,
		Auth:              ownerAuthorizer{sessions: deps.Sessions},
		PollInterval:      cfg.Stream.PollInterval(),
		KeepaliveInterval: cfg.Stream.KeepaliveInterval(),
		PingInterval:      cfg.Stream.PingInterval(),
	}

	router := gin.Default()
	server.setupRoutes(router)
	server.router = router
	return server
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(router *gin.Engine) {
	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/health", s.health)

	api := router.Group("/api")
	{
		// The WebSocket endpoint resolves identity itself so it can signal
		// authentication failures with a close code after the upgrade.
		api.GET("/sessions/:id/ws", s.streamWS)

		authed := api.Group("", s.authRequired)
		authed.POST("/sessions", s.createSession)
		authed.GET("/sessions", s.listSessions)
		authed.GET("/sessions/:id", s.getSession)
		authed.GET("/sessions/:id/events", s.streamEvents)
	}
}

// Start starts the HTTP server.
func (s *Server) Start(port string) error {
	return s.router.Run(":" + port)
}

// ownerAuthorizer grants a caller access to the sessions they own. Unknown
// sessions fall through so the adapters can answer not-found instead; any
// other lookup failure denies access.
type ownerAuthorizer struct {
	sessions *sessions.Store
}

func (a ownerAuthorizer) CanObserve(ctx context.Context, id auth.Identity, sessionID string) bool {
	sess, err := a.sessions.Get(ctx, sessionID)
	if errors.Is(err, sessions.ErrNotFound) {
		return true
	}
	if err != nil {
		slog.Error("Session lookup failed during authorization", "sessionId", sessionID, "error", err)
		return false
	}
	return sess.Owner == id.Subject
}
