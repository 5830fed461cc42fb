package session

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/session-sync/internal/docstore"
	"github.com/mossy-p/session-sync/internal/eventlog"
	"github.com/mossy-p/session-sync/internal/initiative"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/mossy-p/session-sync/internal/peer"
	"github.com/mossy-p/session-sync/internal/presence"
	"github.com/mossy-p/session-sync/internal/signaling"
	"github.com/mossy-p/session-sync/internal/state"
)

// Deps are the process-wide collaborators shared by every session.
type Deps struct {
	Docs          *docstore.Store
	Peer          peer.Config
	PresenceLease time.Duration
}

// Session is one participant's view of one session.
type Session struct {
	Scope *Context

	State      *state.Store
	Initiative *initiative.Machine
	Chat       *eventlog.Log
	Journal    *eventlog.Log
	Presence   *presence.Tracker
	Signaling  *signaling.Channel
	Peer       *peer.Manager
}

// Open wires the session components for participant. An empty participant
// skips presence. The peer manager is created but not started.
func Open(parent context.Context, deps Deps, id models.SessionID, role models.Role, participant string) (*Session, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("open session %s: unknown role %q", id, role)
	}
	sc := New(parent, id, role, participant)

	st, err := state.Open(sc.Context(), deps.Docs, id)
	if err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("open session %s: %w", id, err)
	}
	sc.Defer("state", func() error {
		st.Close()
		return nil
	})

	chat := eventlog.New(deps.Docs, id, eventlog.Chat)
	ch := signaling.NewChannel(deps.Docs, id)
	pm := peer.NewManager(id, ch, deps.Peer)
	sc.Defer("peer", pm.Close)

	s := &Session{
		Scope:      sc,
		State:      st,
		Initiative: initiative.NewMachine(id, st, chat),
		Chat:       chat,
		Journal:    eventlog.New(deps.Docs, id, eventlog.Journal),
		Presence:   presence.NewTracker(deps.Docs, deps.PresenceLease),
		Signaling:  ch,
		Peer:       pm,
	}
	if participant != "" {
		s.Presence.Bind(sc, participant)
	}
	return s, nil
}

// Close tears the session down.
func (s *Session) Close() error {
	return s.Scope.Close()
}

// Reset wipes a session back to nothing: its state, both logs and the live
// signaling record. Candidate collections expire with their keys.
func Reset(ctx context.Context, docs *docstore.Store, id models.SessionID) error {
	for _, name := range []string{eventlog.Chat, eventlog.Journal} {
		if err := eventlog.New(docs, id, name).Reset(ctx); err != nil {
			return err
		}
	}
	if err := signaling.NewChannel(docs, id).Clear(ctx); err != nil {
		return err
	}
	if err := docs.Delete(ctx, models.SessionPath(id)); err != nil {
		return fmt.Errorf("reset session %s: %w", id, err)
	}
	return nil
}
