// Package signaling exchanges SDP offers/answers and trickled ICE candidates
// between the session host and its guests through the document store.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/mossy-p/session-sync/internal/docstore"
	"github.com/mossy-p/session-sync/internal/logging"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrChannelUnavailable = errors.New("signaling channel unavailable")
	ErrNoOfferPresent     = errors.New("no offer present")
	ErrAnswerPresent      = errors.New("answer already present")
)

const (
	fieldBroadcastID = "broadcastId"
	fieldOffer       = "offer"
	fieldAnswer      = "answer"
)

// Documents is the slice of the document store the channel relies on.
type Documents interface {
	Set(ctx context.Context, path string, fields map[string]any) (docstore.Snapshot, error)
	Transact(ctx context.Context, path string, fn func(docstore.Snapshot) (map[string]any, error)) (docstore.Snapshot, error)
	Delete(ctx context.Context, path string) error
	Subscribe(ctx context.Context, path string, fn func(docstore.Snapshot)) (func(), error)
	Append(ctx context.Context, path string, v any) (docstore.Record, error)
	SubscribeCollection(ctx context.Context, path string, fn func([]docstore.Record)) (func(), error)
}

// Channel is the signaling relay of one session. It performs no retries.
type Channel struct {
	docs    Documents
	session models.SessionID
	log     zerolog.Logger
}

func NewChannel(docs Documents, session models.SessionID) *Channel {
	return &Channel{
		docs:    docs,
		session: session,
		log:     logging.Module("signaling").With().Str("session", string(session)).Logger(),
	}
}

func wrap(op string, err error) error {
	if errors.Is(err, docstore.ErrUnavailable) {
		return fmt.Errorf("%s: %w: %w", op, ErrChannelUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func decodeRecord(snap docstore.Snapshot) (models.SignalingRecord, error) {
	var rec models.SignalingRecord
	if err := snap.DataTo(&rec); err != nil {
		return models.SignalingRecord{}, err
	}
	rec.Timestamp = snap.UpdateTime
	return rec, nil
}

// PublishOffer replaces the live record with a fresh offer for broadcastID.
// Any previous offer, answer and candidate scope is abandoned.
func (c *Channel) PublishOffer(ctx context.Context, broadcastID string, offer webrtc.SessionDescription) (models.SignalingRecord, error) {
	snap, err := c.docs.Set(ctx, models.SignalingPath(c.session), map[string]any{
		fieldBroadcastID: broadcastID,
		fieldOffer:       offer,
	})
	if err != nil {
		return models.SignalingRecord{}, wrap("publish offer", err)
	}
	c.log.Info().Str("broadcast", broadcastID).Int64("version", snap.Version).Msg("offer published")
	return decodeRecord(snap)
}

// SubscribeOffer calls fn for every snapshot of the record that carries an
// offer, starting with the current one. Unchanged snapshots may be
// redelivered; fn must tolerate that.
func (c *Channel) SubscribeOffer(ctx context.Context, fn func(models.SignalingRecord)) (func(), error) {
	unsub, err := c.docs.Subscribe(ctx, models.SignalingPath(c.session), func(snap docstore.Snapshot) {
		rec, err := decodeRecord(snap)
		if err != nil {
			c.log.Error().Err(err).Msg("undecodable signaling record")
			return
		}
		if rec.Offer != nil {
			fn(rec)
		}
	})
	if err != nil {
		return nil, wrap("subscribe offer", err)
	}
	return unsub, nil
}

// SubscribeAnswer calls fn whenever the record holds an answer for
// broadcastID. Callers discard repeats of an answer they already applied.
func (c *Channel) SubscribeAnswer(ctx context.Context, broadcastID string, fn func(webrtc.SessionDescription)) (func(), error) {
	unsub, err := c.docs.Subscribe(ctx, models.SignalingPath(c.session), func(snap docstore.Snapshot) {
		rec, err := decodeRecord(snap)
		if err != nil {
			c.log.Error().Err(err).Msg("undecodable signaling record")
			return
		}
		if rec.BroadcastID == broadcastID && rec.Answer != nil {
			fn(*rec.Answer)
		}
	})
	if err != nil {
		return nil, wrap("subscribe answer", err)
	}
	return unsub, nil
}

// PublishAnswer attaches answer to the live offer of broadcastID. It fails
// with ErrNoOfferPresent when that offer is not the live one and with
// ErrAnswerPresent when another guest already answered it.
func (c *Channel) PublishAnswer(ctx context.Context, broadcastID string, answer webrtc.SessionDescription) error {
	_, err := c.docs.Transact(ctx, models.SignalingPath(c.session), func(snap docstore.Snapshot) (map[string]any, error) {
		rec, err := decodeRecord(snap)
		if err != nil {
			return nil, err
		}
		if rec.Offer == nil || rec.BroadcastID != broadcastID {
			return nil, ErrNoOfferPresent
		}
		if rec.Answer != nil {
			return nil, ErrAnswerPresent
		}
		return map[string]any{fieldAnswer: answer}, nil
	})
	if err != nil {
		return wrap("publish answer", err)
	}
	c.log.Info().Str("broadcast", broadcastID).Msg("answer published")
	return nil
}

// PublishCandidate appends a locally gathered candidate to role's collection.
func (c *Channel) PublishCandidate(ctx context.Context, broadcastID string, role models.Role, cand webrtc.ICECandidateInit) error {
	path := models.CandidatesPath(c.session, broadcastID, role.PublishesTo())
	if _, err := c.docs.Append(ctx, path, cand); err != nil {
		return wrap("publish candidate", err)
	}
	return nil
}

// StreamIceCandidates delivers every candidate the opposite role has
// published for broadcastID, then each new one as it arrives.
func (c *Channel) StreamIceCandidates(ctx context.Context, broadcastID string, role models.Role, fn func(webrtc.ICECandidateInit)) (func(), error) {
	path := models.CandidatesPath(c.session, broadcastID, role.ListensTo())
	unsub, err := c.docs.SubscribeCollection(ctx, path, func(recs []docstore.Record) {
		for _, rec := range recs {
			var cand webrtc.ICECandidateInit
			if err := rec.Decode(&cand); err != nil {
				c.log.Error().Err(err).Str("record", rec.ID).Msg("undecodable candidate")
				continue
			}
			fn(cand)
		}
	})
	if err != nil {
		return nil, wrap("stream candidates", err)
	}
	return unsub, nil
}

// Clear removes the live record.
func (c *Channel) Clear(ctx context.Context) error {
	if err := c.docs.Delete(ctx, models.SignalingPath(c.session)); err != nil {
		return wrap("clear", err)
	}
	return nil
}
