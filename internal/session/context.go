// Package session scopes everything one participant holds for one session
// and tears it down in one place.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/session-sync/internal/logging"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/rs/zerolog"
)

type cleanup struct {
	name string
	fn   func() error
}

// Context is the explicit per-session scope passed to every component.
// Switching sessions means closing one Context and creating another.
type Context struct {
	id          models.SessionID
	role        models.Role
	participant string
	ctx         context.Context
	cancel      context.CancelFunc
	log         zerolog.Logger

	mu       sync.Mutex
	closed   bool
	cleanups []cleanup
}

func New(parent context.Context, id models.SessionID, role models.Role, participant string) *Context {
	ctx, cancel := context.WithCancel(parent)
	return &Context{
		id:          id,
		role:        role,
		participant: participant,
		ctx:         ctx,
		cancel:      cancel,
		log: logging.Module("session").With().
			Str("session", string(id)).
			Str("role", string(role)).
			Logger(),
	}
}

func (c *Context) ID() models.SessionID { return c.id }

func (c *Context) Role() models.Role { return c.role }

func (c *Context) Participant() string { return c.participant }

// Context is cancelled when the session closes.
func (c *Context) Context() context.Context { return c.ctx }

// Defer registers fn to run on Close, after everything registered later.
// On a closed Context fn runs right away.
func (c *Context) Defer(name string, fn func() error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if err := fn(); err != nil {
			c.log.Warn().Err(err).Str("cleanup", name).Msg("late cleanup failed")
		}
		return
	}
	c.cleanups = append(c.cleanups, cleanup{name: name, fn: fn})
	c.mu.Unlock()
}

// Close cancels the session context and runs the cleanups in reverse order
// of registration. Only the first call does any work.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cleanups := c.cleanups
	c.cleanups = nil
	c.mu.Unlock()

	c.cancel()

	var errs []error
	for i := len(cleanups) - 1; i >= 0; i-- {
		cl := cleanups[i]
		if err := cl.fn(); err != nil {
			c.log.Warn().Err(err).Str("cleanup", cl.name).Msg("cleanup failed")
			errs = append(errs, fmt.Errorf("%s: %w", cl.name, err))
		}
	}
	c.log.Info().Int("cleanups", len(cleanups)).Msg("session closed")
	return errors.Join(errs...)
}
