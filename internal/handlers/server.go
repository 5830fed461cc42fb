// Package handlers is the HTTP and websocket surface UI consumers use to read
// and drive a session.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/session-sync/internal/docstore"
	"github.com/mossy-p/session-sync/internal/eventlog"
	"github.com/mossy-p/session-sync/internal/initiative"
	"github.com/mossy-p/session-sync/internal/logging"
	"github.com/mossy-p/session-sync/internal/middleware"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/mossy-p/session-sync/internal/state"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrSessionNotFound reports an unknown session ID or join code.
var ErrSessionNotFound = errors.New("session not found")

type Options struct {
	JWTSecret      string
	AllowedOrigins []string
	// SessionTTL bounds how long session metadata and join codes live.
	SessionTTL time.Duration
	// PresenceLease enables presence heartbeats for websocket clients.
	PresenceLease time.Duration
}

type Server struct {
	docs *docstore.Store
	rdb  *redis.Client
	opts Options
	hubs *hubs
	log  zerolog.Logger
}

func NewServer(docs *docstore.Store, opts Options) *Server {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	return &Server{
		docs: docs,
		rdb:  docs.Client(),
		opts: opts,
		hubs: newHubs(docs, opts.PresenceLease),
		log:  logging.Module("handlers"),
	}
}

// Routes registers every endpoint on router.
func (s *Server) Routes(router *gin.Engine) {
	router.Use(OriginFilter(s.opts.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(s.opts.JWTSecret)
	host := middleware.RequireRole(models.RoleHost)

	api := router.Group("/api/sessions")
	{
		api.POST("", auth, s.CreateSession)
		api.GET("/:sessionId", s.GetSession)
		api.DELETE("/:sessionId", auth, s.DeleteSession)

		live := api.Group("/:sessionId", auth, s.requireSession)
		{
			live.POST("/initiative", host, s.AddInitiative)
			live.DELETE("/initiative/:entryId", host, s.RemoveInitiative)
			live.POST("/initiative/next", host, s.NextTurn)
			live.POST("/initiative/sort", host, s.SortInitiative)
			live.POST("/initiative/reset", host, s.ResetInitiative)
			live.PATCH("/state", host, s.PatchState)

			live.POST("/chat", s.PostChat)
			live.POST("/dice", s.RollDice)
			live.POST("/journal", s.PostJournal)
		}
	}

	router.GET("/ws/sessions/:sessionId", s.HandleLive)
}

// Close tears down every open hub and the websockets attached to them.
func (s *Server) Close() {
	s.hubs.closeAll()
}

// respondError maps component errors onto HTTP statuses. Unavailability is
// retryable, so it surfaces as 503.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, docstore.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, docstore.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, state.ErrUnknownField),
		errors.Is(err, state.ErrInvalidState),
		errors.Is(err, docstore.ErrReservedField),
		errors.Is(err, initiative.ErrEmptyName),
		errors.Is(err, eventlog.ErrEmptyText),
		errors.Is(err, eventlog.ErrInvalidDie):
		status = http.StatusBadRequest
	case errors.Is(err, state.ErrClosed):
		// The session was reset under the request.
		status = http.StatusGone
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
