// Package presence keeps the online flag of a participant's character in
// step with that participant's connection.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/session-sync/internal/docstore"
	"github.com/mossy-p/session-sync/internal/logging"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/rs/zerolog"
)

const (
	fieldOnline    = "isOnline"
	cleanupTimeout = 5 * time.Second
)

type Documents interface {
	Get(ctx context.Context, path string) (docstore.Snapshot, error)
	Transact(ctx context.Context, path string, fn func(docstore.Snapshot) (map[string]any, error)) (docstore.Snapshot, error)
	Lease(ctx context.Context, key, holder string, ttl time.Duration) error
	LeaseAlive(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Scope is the lifetime presence is bound to.
type Scope interface {
	Context() context.Context
	Defer(name string, fn func() error)
}

type Tracker struct {
	docs     Documents
	leaseTTL time.Duration
	log      zerolog.Logger
}

// NewTracker returns a tracker. A positive leaseTTL adds a heartbeat lease
// that lapses when a participant disappears without a clean exit.
func NewTracker(docs Documents, leaseTTL time.Duration) *Tracker {
	return &Tracker{
		docs:     docs,
		leaseTTL: leaseTTL,
		log:      logging.Module("presence"),
	}
}

func leaseKey(participantID string) string {
	return "presence:" + participantID
}

// set writes the flag only when it differs from the stored one.
func (t *Tracker) set(ctx context.Context, participantID string, online bool) (bool, error) {
	var wrote bool
	_, err := t.docs.Transact(ctx, models.CharacterPath(participantID), func(snap docstore.Snapshot) (map[string]any, error) {
		var cur bool
		if _, err := snap.Field(fieldOnline, &cur); err != nil {
			return nil, err
		}
		wrote = cur != online
		if !wrote {
			return nil, nil
		}
		return map[string]any{fieldOnline: online}, nil
	})
	return wrote, err
}

// MarkOnline flags the participant online, skipping the write when it
// already is.
func (t *Tracker) MarkOnline(ctx context.Context, participantID string) error {
	wrote, err := t.set(ctx, participantID, true)
	if err != nil {
		t.log.Warn().Err(err).Str("participant", participantID).Msg("failed to mark online")
		return fmt.Errorf("mark %s online: %w", participantID, err)
	}
	if wrote {
		t.log.Info().Str("participant", participantID).Msg("online")
	}
	return nil
}

func (t *Tracker) MarkOffline(ctx context.Context, participantID string) error {
	wrote, err := t.set(ctx, participantID, false)
	if err != nil {
		t.log.Warn().Err(err).Str("participant", participantID).Msg("failed to mark offline")
		return fmt.Errorf("mark %s offline: %w", participantID, err)
	}
	if wrote {
		t.log.Info().Str("participant", participantID).Msg("offline")
	}
	return nil
}

// Heartbeat renews the participant's lease.
func (t *Tracker) Heartbeat(ctx context.Context, participantID string) error {
	if t.leaseTTL <= 0 {
		return nil
	}
	return t.docs.Lease(ctx, leaseKey(participantID), participantID, t.leaseTTL)
}

// Status reports the stored flag. With leases enabled a flag whose lease
// has lapsed reads as offline.
func (t *Tracker) Status(ctx context.Context, participantID string) (models.PresenceRecord, error) {
	rec := models.PresenceRecord{ParticipantID: participantID}
	snap, err := t.docs.Get(ctx, models.CharacterPath(participantID))
	if err != nil {
		return rec, err
	}
	if _, err := snap.Field(fieldOnline, &rec.IsOnline); err != nil {
		return rec, err
	}
	if rec.IsOnline && t.leaseTTL > 0 {
		alive, err := t.docs.LeaseAlive(ctx, leaseKey(participantID))
		if err != nil {
			return rec, err
		}
		rec.IsOnline = alive
	}
	return rec, nil
}

// Alive reports whether the participant currently reads as online.
func (t *Tracker) Alive(ctx context.Context, participantID string) (bool, error) {
	rec, err := t.Status(ctx, participantID)
	return rec.IsOnline, err
}

// Bind marks the participant online for the lifetime of scope and registers
// the matching offline write with its teardown. Failures are logged only.
func (t *Tracker) Bind(scope Scope, participantID string) {
	ctx := scope.Context()
	_ = t.MarkOnline(ctx, participantID)

	scope.Defer("presence "+participantID, func() error {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if t.leaseTTL > 0 {
			if err := t.docs.Release(ctx, leaseKey(participantID)); err != nil {
				t.log.Warn().Err(err).Str("participant", participantID).Msg("failed to release lease")
			}
		}
		return t.MarkOffline(ctx, participantID)
	})

	if t.leaseTTL > 0 {
		go t.heartbeat(ctx, participantID)
	}
}

func (t *Tracker) heartbeat(ctx context.Context, participantID string) {
	interval := t.leaseTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := t.Heartbeat(ctx, participantID); err != nil && ctx.Err() == nil {
			t.log.Warn().Err(err).Str("participant", participantID).Msg("heartbeat failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
