package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/session-sync/internal/eventlog"
	"github.com/mossy-p/session-sync/internal/middleware"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/mossy-p/session-sync/internal/state"
)

// withHub runs fn against the hub of the session resolved by requireSession.
func (s *Server) withHub(c *gin.Context, fn func(*hub)) {
	meta := c.MustGet(sessionKey).(models.SessionMetadata)
	h, err := s.hubs.acquire(c.Request.Context(), models.SessionID(meta.ID))
	if err != nil {
		respondError(c, err)
		return
	}
	defer s.hubs.release(h)
	fn(h)
}

// speaker returns the caller's display name and the tone their messages carry.
func speaker(c *gin.Context) (string, string) {
	tone := models.TonePlayer
	if role, _ := c.Get(middleware.RoleKey); role == models.RoleHost {
		tone = models.ToneMaster
	}
	return c.GetString(middleware.NameKey), tone
}

func (s *Server) AddInitiative(c *gin.Context) {
	var req models.AddInitiativeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.withHub(c, func(h *hub) {
		entry, err := h.initiative.Add(c.Request.Context(), req.Name, req.Value, req.IsNPC)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, entry)
	})
}

func (s *Server) RemoveInitiative(c *gin.Context) {
	s.withHub(c, func(h *hub) {
		if err := h.initiative.Remove(c.Request.Context(), c.Param("entryId")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}

// respondState writes the stored state, which may be ahead of the hub's
// cache right after a write.
func (s *Server) respondState(c *gin.Context, h *hub) {
	snap, err := s.docs.Get(c.Request.Context(), models.SessionPath(h.id))
	if err != nil {
		respondError(c, err)
		return
	}
	st, err := state.Decode(snap)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// NextTurn advances the turn and returns the resulting state.
func (s *Server) NextTurn(c *gin.Context) {
	s.withHub(c, func(h *hub) {
		if err := h.initiative.Next(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		s.respondState(c, h)
	})
}

func (s *Server) SortInitiative(c *gin.Context) {
	s.withHub(c, func(h *hub) {
		if err := h.initiative.Sort(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		s.respondState(c, h)
	})
}

func (s *Server) ResetInitiative(c *gin.Context) {
	author, _ := speaker(c)
	s.withHub(c, func(h *hub) {
		if err := h.initiative.Reset(c.Request.Context(), author); err != nil {
			respondError(c, err)
			return
		}
		s.respondState(c, h)
	})
}

// PatchState writes a partial set of session fields. Concurrent patches to
// the same field resolve last-write-wins; an "expectedVersion" query turns
// the write into a compare-and-set.
func (s *Server) PatchState(c *gin.Context) {
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var q struct {
		ExpectedVersion *int64 `form:"expectedVersion"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.withHub(c, func(h *hub) {
		ctx := c.Request.Context()
		var (
			v   int64
			err error
		)
		if q.ExpectedVersion != nil {
			v, err = h.state.MutateIfVersion(ctx, *q.ExpectedVersion, fields)
		} else {
			v, err = h.state.Mutate(ctx, fields)
		}
		if err == nil {
			err = h.state.Await(ctx, v)
		}
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, h.state.Get())
	})
}

func (s *Server) PostChat(c *gin.Context) {
	s.say(c, func(h *hub) *eventlog.Log { return h.chat })
}

func (s *Server) PostJournal(c *gin.Context) {
	s.say(c, func(h *hub) *eventlog.Log { return h.journal })
}

func (s *Server) say(c *gin.Context, pick func(*hub) *eventlog.Log) {
	var req models.PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	author, tone := speaker(c)
	s.withHub(c, func(h *hub) {
		entry, err := pick(h).Say(c.Request.Context(), author, tone, req.Text)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, entry)
	})
}

func (s *Server) RollDice(c *gin.Context) {
	var req models.RollDiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	author, _ := speaker(c)
	s.withHub(c, func(h *hub) {
		entry, err := h.chat.RollDice(c.Request.Context(), author, req.Sides)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, entry)
	})
}
