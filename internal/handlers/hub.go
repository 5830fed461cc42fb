package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/session-sync/internal/docstore"
	"github.com/mossy-p/session-sync/internal/eventlog"
	"github.com/mossy-p/session-sync/internal/initiative"
	"github.com/mossy-p/session-sync/internal/logging"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/mossy-p/session-sync/internal/presence"
	"github.com/mossy-p/session-sync/internal/session"
	"github.com/mossy-p/session-sync/internal/state"
	"github.com/rs/zerolog"
)

// hub is the server's live view of one session, shared by every request and
// socket touching it. It stays open while anything holds a reference.
type hub struct {
	id         models.SessionID
	scope      *session.Context
	state      *state.Store
	initiative *initiative.Machine
	chat       *eventlog.Log
	journal    *eventlog.Log
	presence   *presence.Tracker
	log        zerolog.Logger

	refs int

	mu      sync.Mutex
	clients map[*Client]struct{}
	last    map[models.FrameType][]byte
}

func openHub(ctx context.Context, docs *docstore.Store, id models.SessionID, lease time.Duration) (*hub, error) {
	scope := session.New(context.WithoutCancel(ctx), id, models.RoleHost, "")

	st, err := state.Open(scope.Context(), docs, id)
	if err != nil {
		_ = scope.Close()
		return nil, fmt.Errorf("open hub %s: %w", id, err)
	}
	scope.Defer("state", func() error {
		st.Close()
		return nil
	})

	chat := eventlog.New(docs, id, eventlog.Chat)
	h := &hub{
		id:         id,
		scope:      scope,
		state:      st,
		initiative: initiative.NewMachine(id, st, chat),
		chat:       chat,
		journal:    eventlog.New(docs, id, eventlog.Journal),
		presence:   presence.NewTracker(docs, lease),
		log:        logging.Module("hub").With().Str("session", string(id)).Logger(),
		clients:    make(map[*Client]struct{}),
		last:       make(map[models.FrameType][]byte),
	}

	scope.Defer("clients", func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		for client := range h.clients {
			client.kick()
		}
		return nil
	})

	unsubState := st.Subscribe(func(s models.SessionState) {
		h.broadcast(models.FrameTypeState, s)
	})
	scope.Defer("state frames", func() error {
		unsubState()
		return nil
	})
	for typ, l := range map[models.FrameType]*eventlog.Log{
		models.FrameTypeChat:    h.chat,
		models.FrameTypeJournal: h.journal,
	} {
		unsub, err := l.Subscribe(scope.Context(), func(entries []models.LogEntry) {
			if entries == nil {
				entries = []models.LogEntry{}
			}
			h.broadcast(typ, entries)
		})
		if err != nil {
			_ = scope.Close()
			return nil, fmt.Errorf("open hub %s: %w", id, err)
		}
		scope.Defer(string(typ)+" frames", func() error {
			unsub()
			return nil
		})
	}
	return h, nil
}

// broadcast remembers the latest frame of each type so late joiners start
// from it, then fans it out.
func (h *hub) broadcast(typ models.FrameType, payload any) {
	data, err := json.Marshal(models.Frame{Type: typ, SessionID: string(h.id), Payload: payload})
	if err != nil {
		h.log.Error().Err(err).Str("frame", string(typ)).Msg("failed to marshal frame")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[typ] = data
	for client := range h.clients {
		client.enqueue(data)
	}
}

func (h *hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
	for _, typ := range []models.FrameType{models.FrameTypeState, models.FrameTypeChat, models.FrameTypeJournal} {
		if data, ok := h.last[typ]; ok {
			client.enqueue(data)
		}
	}
}

func (h *hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
}

func (h *hub) close() error {
	return h.scope.Close()
}

// hubs is the refcounted registry of open hubs.
type hubs struct {
	docs  *docstore.Store
	lease time.Duration

	mu sync.Mutex
	m  map[models.SessionID]*hub
}

func newHubs(docs *docstore.Store, lease time.Duration) *hubs {
	return &hubs{docs: docs, lease: lease, m: make(map[models.SessionID]*hub)}
}

func (r *hubs) acquire(ctx context.Context, id models.SessionID) (*hub, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.m[id]
	if !ok {
		var err error
		if h, err = openHub(ctx, r.docs, id, r.lease); err != nil {
			return nil, err
		}
		r.m[id] = h
		h.log.Debug().Msg("hub opened")
	}
	h.refs++
	return h, nil
}

func (r *hubs) release(h *hub) {
	r.mu.Lock()
	h.refs--
	last := h.refs == 0
	if last && r.m[h.id] == h {
		delete(r.m, h.id)
	}
	r.mu.Unlock()

	if last {
		if err := h.close(); err != nil {
			h.log.Warn().Err(err).Msg("hub close failed")
		}
	}
}

// drop closes the hub of a session that was reset, if one is open. Holders
// keep their reference but see a closed state store.
func (r *hubs) drop(id models.SessionID) {
	r.mu.Lock()
	h, ok := r.m[id]
	delete(r.m, id)
	r.mu.Unlock()

	if ok {
		_ = h.close()
	}
}

func (r *hubs) closeAll() {
	r.mu.Lock()
	all := r.m
	r.m = make(map[models.SessionID]*hub)
	r.mu.Unlock()

	for _, h := range all {
		_ = h.close()
	}
}
