// Package eventlog is the append-only chat and event stream of a session.
// Entries are ordered by the store's clock, never by local arrival.
package eventlog

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/session-sync/internal/docstore"
	"github.com/mossy-p/session-sync/internal/logging"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyText   = errors.New("log entry text is empty")
	ErrInvalidDie  = errors.New("die needs at least two sides")
	ErrInvalidKind = errors.New("unknown log entry kind")
)

// Names of the two logs every session carries.
const (
	Chat    = "chat"
	Journal = "journal"
)

const (
	systemAuthor = "System"
	displayTime  = "15:04"
	maxDieSides  = 1000
)

// Collections is the part of the document store the log needs.
type Collections interface {
	Append(ctx context.Context, path string, v any) (docstore.Record, error)
	Records(ctx context.Context, path string) ([]docstore.Record, error)
	SubscribeCollection(ctx context.Context, path string, fn func([]docstore.Record)) (func(), error)
	DropCollection(ctx context.Context, path string) error
}

type Log struct {
	docs    Collections
	session models.SessionID
	name    string
	path    string
	log     zerolog.Logger
	now     func() time.Time
}

func New(docs Collections, session models.SessionID, name string) *Log {
	return &Log{
		docs:    docs,
		session: session,
		name:    name,
		path:    models.LogPath(session, name),
		log:     logging.Module("eventlog").With().Str("session", string(session)).Str("log", name).Logger(),
		now:     time.Now,
	}
}

func (l *Log) Name() string { return l.name }

// Append writes e. ID and display time are filled in when missing; the
// server timestamp always comes from the store.
func (l *Log) Append(ctx context.Context, e models.LogEntry) (models.LogEntry, error) {
	if strings.TrimSpace(e.Text) == "" {
		return models.LogEntry{}, ErrEmptyText
	}
	if !e.Kind.Valid() {
		return models.LogEntry{}, fmt.Errorf("%w: %q", ErrInvalidKind, e.Kind)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.DisplayTime == "" {
		e.DisplayTime = l.now().Format(displayTime)
	}
	e.ServerTimestamp = time.Time{}
	e.Seq = ""

	rec, err := l.docs.Append(ctx, l.path, e)
	if err != nil {
		return models.LogEntry{}, fmt.Errorf("append to %s: %w", l.name, err)
	}
	e.ServerTimestamp = rec.ServerTime
	e.Seq = rec.ID
	l.log.Debug().Str("entry", e.ID).Str("kind", string(e.Kind)).Msg("entry appended")
	return e, nil
}

// Say appends a chat message, or a journal entry on the journal log.
func (l *Log) Say(ctx context.Context, author, tone, text string) (models.LogEntry, error) {
	kind := models.KindChat
	if l.name == Journal {
		kind = models.KindJournal
	}
	return l.Append(ctx, models.LogEntry{Author: author, Text: text, Kind: kind, Role: tone})
}

func (l *Log) System(ctx context.Context, text string) (models.LogEntry, error) {
	return l.Append(ctx, models.LogEntry{
		Author: systemAuthor,
		Text:   text,
		Kind:   models.KindSystem,
		Role:   models.ToneSystem,
	})
}

func (l *Log) MasterAction(ctx context.Context, author, text string) (models.LogEntry, error) {
	return l.Append(ctx, models.LogEntry{
		Author: author,
		Text:   text,
		Kind:   models.KindMasterAction,
		Role:   models.ToneMaster,
	})
}

// RollDice rolls one die with the given number of sides and logs it.
func (l *Log) RollDice(ctx context.Context, author string, sides int) (models.LogEntry, error) {
	if sides < 2 || sides > maxDieSides {
		return models.LogEntry{}, fmt.Errorf("%w: d%d", ErrInvalidDie, sides)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(sides)))
	if err != nil {
		return models.LogEntry{}, fmt.Errorf("roll d%d: %w", sides, err)
	}
	result := int(n.Int64()) + 1
	return l.Append(ctx, models.LogEntry{
		Author: author,
		Text:   fmt.Sprintf("rolled d%d: %d", sides, result),
		Kind:   models.KindDiceRoll,
		Role:   diceTone(sides, result),
		Dice:   &models.DiceRoll{Sides: sides, Result: result},
	})
}

// diceTone marks natural extremes of a d20.
func diceTone(sides, result int) string {
	if sides != 20 {
		return models.TonePlayer
	}
	switch result {
	case 20:
		return models.ToneGreen
	case 1:
		return models.ToneRed
	}
	return models.TonePlayer
}

func (l *Log) decode(recs []docstore.Record) []models.LogEntry {
	out := make([]models.LogEntry, 0, len(recs))
	for _, rec := range recs {
		var e models.LogEntry
		if err := rec.Decode(&e); err != nil {
			l.log.Error().Err(err).Str("record", rec.ID).Msg("skipping undecodable entry")
			continue
		}
		e.ServerTimestamp = rec.ServerTime
		e.Seq = rec.ID
		out = append(out, e)
	}
	return out
}

// sortEntries orders by server time, then by the store's sequence.
func sortEntries(entries []models.LogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := docstore.Record{ID: entries[i].Seq}, docstore.Record{ID: entries[j].Seq}
		return a.Before(b)
	})
}

// Entries returns the whole log in server order.
func (l *Log) Entries(ctx context.Context) ([]models.LogEntry, error) {
	recs, err := l.docs.Records(ctx, l.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", l.name, err)
	}
	entries := l.decode(recs)
	sortEntries(entries)
	return entries, nil
}

// Subscribe hands fn the full ordered log, first as it stands and then after
// every batch of additions.
func (l *Log) Subscribe(ctx context.Context, fn func([]models.LogEntry)) (func(), error) {
	var (
		mu      sync.Mutex
		entries []models.LogEntry
	)
	unsub, err := l.docs.SubscribeCollection(ctx, l.path, func(recs []docstore.Record) {
		mu.Lock()
		entries = append(entries, l.decode(recs)...)
		sortEntries(entries)
		view := append([]models.LogEntry(nil), entries...)
		mu.Unlock()
		fn(view)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", l.name, err)
	}
	return unsub, nil
}

// Reset drops every entry. Only a full session reset calls it.
func (l *Log) Reset(ctx context.Context) error {
	if err := l.docs.DropCollection(ctx, l.path); err != nil {
		return fmt.Errorf("reset %s: %w", l.name, err)
	}
	l.log.Info().Msg("log reset")
	return nil
}
