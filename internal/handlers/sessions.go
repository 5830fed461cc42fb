package handlers

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mossy-p/session-sync/internal/docstore"
	"github.com/mossy-p/session-sync/internal/middleware"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/mossy-p/session-sync/internal/session"
	"github.com/mossy-p/session-sync/internal/state"
	"github.com/redis/go-redis/v9"
)

const (
	joinCodeLength = 6
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
	sessionKey     = "session_meta"
)

func metaKey(id string) string   { return "session:" + id }
func codeKey(code string) string { return "code:" + code }

// unavailable folds raw Redis failures into the store's unavailability error.
func unavailable(err error) error {
	return fmt.Errorf("%w: %v", docstore.ErrUnavailable, err)
}

// CreateSession creates a session, seeds its state and hands back a join code
func (s *Server) CreateSession(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	meta := models.SessionMetadata{
		ID:        uuid.New().String(),
		Code:      generateJoinCode(),
		CreatorID: c.GetString(middleware.UserIDKey),
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		respondError(c, err)
		return
	}

	// SETNX keeps a clashing code from shadowing a live session.
	ok, err := s.rdb.SetNX(ctx, codeKey(meta.Code), meta.ID, s.opts.SessionTTL).Result()
	if err != nil {
		respondError(c, unavailable(err))
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "Join code collision, try again"})
		return
	}
	if _, err := state.Seed(ctx, s.docs, models.SessionID(meta.ID), req.ActiveMapURL); err != nil {
		respondError(c, err)
		return
	}
	if err := s.rdb.Set(ctx, metaKey(meta.ID), data, s.opts.SessionTTL).Err(); err != nil {
		respondError(c, unavailable(err))
		return
	}

	s.log.Info().Str("session", meta.ID).Str("code", meta.Code).Str("creator", meta.CreatorID).Msg("session created")

	c.JSON(http.StatusCreated, models.CreateSessionResponse{
		SessionID: meta.ID,
		Code:      meta.Code,
	})
}

// GetSession returns a session's metadata and current state by ID or join code (public)
func (s *Server) GetSession(c *gin.Context) {
	meta, ok := s.resolve(c)
	if !ok {
		return
	}

	snap, err := s.docs.Get(c.Request.Context(), models.SessionPath(models.SessionID(meta.ID)))
	if err != nil {
		respondError(c, err)
		return
	}
	st, err := state.Decode(snap)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.SessionView{SessionMetadata: meta, State: st})
}

// DeleteSession fully resets a session (creator only)
func (s *Server) DeleteSession(c *gin.Context) {
	meta, ok := s.resolve(c)
	if !ok {
		return
	}
	if meta.CreatorID != c.GetString(middleware.UserIDKey) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the session creator can delete the session"})
		return
	}

	ctx := c.Request.Context()
	id := models.SessionID(meta.ID)
	s.hubs.drop(id)
	if err := session.Reset(ctx, s.docs, id); err != nil {
		respondError(c, err)
		return
	}
	if err := s.rdb.Del(ctx, metaKey(meta.ID), codeKey(meta.Code)).Err(); err != nil {
		respondError(c, unavailable(err))
		return
	}

	s.log.Info().Str("session", meta.ID).Str("user", meta.CreatorID).Msg("session deleted")

	c.JSON(http.StatusOK, gin.H{"message": "Session deleted"})
}

// requireSession resolves :sessionId and stores the metadata for the
// handlers behind it.
func (s *Server) requireSession(c *gin.Context) {
	meta, ok := s.resolve(c)
	if !ok {
		return
	}
	c.Set(sessionKey, meta)
	c.Next()
}

// resolve looks up :sessionId, responding on failure.
func (s *Server) resolve(c *gin.Context) (models.SessionMetadata, bool) {
	meta, err := s.lookup(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return models.SessionMetadata{}, false
	}
	return meta, true
}

// lookup finds a session by join code or ID.
func (s *Server) lookup(ctx context.Context, identifier string) (models.SessionMetadata, error) {
	id := identifier
	if len(identifier) == joinCodeLength {
		var err error
		id, err = s.rdb.Get(ctx, codeKey(identifier)).Result()
		if errors.Is(err, redis.Nil) {
			return models.SessionMetadata{}, ErrSessionNotFound
		}
		if err != nil {
			return models.SessionMetadata{}, unavailable(err)
		}
	}

	data, err := s.rdb.Get(ctx, metaKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.SessionMetadata{}, ErrSessionNotFound
	}
	if err != nil {
		return models.SessionMetadata{}, unavailable(err)
	}

	var meta models.SessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return models.SessionMetadata{}, fmt.Errorf("parse session %s: %w", id, err)
	}
	return meta, nil
}

// generateJoinCode generates a random join code
func generateJoinCode() string {
	code := make([]byte, joinCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
