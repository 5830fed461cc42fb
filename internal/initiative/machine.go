package initiative

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mossy-p/session-sync/internal/logging"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/rs/zerolog"
)

var ErrEmptyName = errors.New("initiative entry needs a name")

// StateStore commits transitions against the latest stored state.
type StateStore interface {
	Apply(ctx context.Context, fn func(models.SessionState) (map[string]any, error)) (int64, error)
	Await(ctx context.Context, version int64) error
}

// Announcer writes entries to the session's event log.
type Announcer interface {
	System(ctx context.Context, text string) (models.LogEntry, error)
	MasterAction(ctx context.Context, author, text string) (models.LogEntry, error)
}

// Machine binds the transitions to one session.
type Machine struct {
	state StateStore
	log   Announcer
	zl    zerolog.Logger
}

func NewMachine(session models.SessionID, st StateStore, log Announcer) *Machine {
	return &Machine{
		state: st,
		log:   log,
		zl:    logging.Module("initiative").With().Str("session", string(session)).Logger(),
	}
}

// commit applies tr to the latest state. It returns the confirmed version,
// or the current one when tr changed nothing.
func (m *Machine) commit(ctx context.Context, tr func(models.SessionState) (models.SessionState, bool)) (int64, bool, error) {
	var changed bool
	v, err := m.state.Apply(ctx, func(cur models.SessionState) (map[string]any, error) {
		next, ok := tr(cur)
		changed = ok
		if !ok {
			return nil, nil
		}
		return fields(next), nil
	})
	return v, changed, err
}

func (m *Machine) Add(ctx context.Context, name string, value int, isNPC bool) (models.InitiativeEntry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.InitiativeEntry{}, ErrEmptyName
	}
	e := models.InitiativeEntry{
		ID:    uuid.New().String(),
		Name:  name,
		Value: value,
		IsNPC: isNPC,
	}
	_, _, err := m.commit(ctx, func(cur models.SessionState) (models.SessionState, bool) {
		return AddEntry(cur, e), true
	})
	if err != nil {
		return models.InitiativeEntry{}, fmt.Errorf("add initiative entry: %w", err)
	}
	m.zl.Info().Str("entry", e.ID).Str("name", e.Name).Int("value", e.Value).Msg("entry added")
	return e, nil
}

func (m *Machine) Remove(ctx context.Context, id string) error {
	_, _, err := m.commit(ctx, func(cur models.SessionState) (models.SessionState, bool) {
		next := RemoveEntry(cur, id)
		return next, len(next.InitiativeList) != len(cur.InitiativeList)
	})
	if err != nil {
		return fmt.Errorf("remove initiative entry: %w", err)
	}
	return nil
}

func (m *Machine) Sort(ctx context.Context) error {
	_, _, err := m.commit(ctx, func(cur models.SessionState) (models.SessionState, bool) {
		return Sort(cur), len(cur.InitiativeList) > 0
	})
	if err != nil {
		return fmt.Errorf("sort initiative: %w", err)
	}
	return nil
}

// Next advances the turn. When the turn wraps, the round-boundary event is
// logged only after the new round is confirmed.
func (m *Machine) Next(ctx context.Context) error {
	var round int
	var wrapped bool
	v, changed, err := m.commit(ctx, func(cur models.SessionState) (models.SessionState, bool) {
		next, w := NextTurn(cur)
		round, wrapped = next.Round, w
		return next, len(cur.InitiativeList) > 0
	})
	if err != nil {
		return fmt.Errorf("next turn: %w", err)
	}
	if !changed || !wrapped {
		return nil
	}

	if err := m.state.Await(ctx, v); err != nil {
		return fmt.Errorf("next turn: %w", err)
	}
	if _, err := m.log.System(ctx, fmt.Sprintf("Round %d begins", round)); err != nil {
		m.zl.Warn().Err(err).Int("round", round).Msg("failed to announce round")
	}
	return nil
}

// Reset clears the encounter and records who did it.
func (m *Machine) Reset(ctx context.Context, author string) error {
	v, changed, err := m.commit(ctx, func(cur models.SessionState) (models.SessionState, bool) {
		return Reset(cur), len(cur.InitiativeList) > 0
	})
	if err != nil {
		return fmt.Errorf("reset initiative: %w", err)
	}
	if !changed {
		return nil
	}

	if err := m.state.Await(ctx, v); err != nil {
		return fmt.Errorf("reset initiative: %w", err)
	}
	if _, err := m.log.MasterAction(ctx, author, "reset the initiative order"); err != nil {
		m.zl.Warn().Err(err).Msg("failed to record reset")
	}
	return nil
}
