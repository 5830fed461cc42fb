package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/session-sync/internal/docstore"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T) (*Channel, *docstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := docstore.New(rdb, docstore.Options{PollBlock: 20 * time.Millisecond})
	return NewChannel(store, "campaign-1"), store, mr
}

func offer(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
}

func answer(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
}

func candidate(s string) webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{Candidate: s, SDPMid: &mid, SDPMLineIndex: &idx}
}

func TestPublishOfferReplacesRecord(t *testing.T) {
	ch, _, _ := newTestChannel(t)
	ctx := context.Background()

	rec, err := ch.PublishOffer(ctx, "b1", offer("A"))
	require.NoError(t, err)
	assert.Equal(t, "b1", rec.BroadcastID)
	require.NotNil(t, rec.Offer)
	assert.Equal(t, "A", rec.Offer.SDP)
	assert.False(t, rec.Timestamp.IsZero())

	require.NoError(t, ch.PublishAnswer(ctx, "b1", answer("a")))

	rec, err = ch.PublishOffer(ctx, "b2", offer("B"))
	require.NoError(t, err)
	assert.Equal(t, "b2", rec.BroadcastID)
	assert.Equal(t, "B", rec.Offer.SDP)
	assert.Nil(t, rec.Answer)
}

func TestPublishAnswerRequiresOffer(t *testing.T) {
	ch, _, _ := newTestChannel(t)
	ctx := context.Background()

	err := ch.PublishAnswer(ctx, "b1", answer("a"))
	require.ErrorIs(t, err, ErrNoOfferPresent)

	_, err = ch.PublishOffer(ctx, "b1", offer("A"))
	require.NoError(t, err)

	err = ch.PublishAnswer(ctx, "stale", answer("a"))
	require.ErrorIs(t, err, ErrNoOfferPresent)

	require.NoError(t, ch.PublishAnswer(ctx, "b1", answer("a")))
	err = ch.PublishAnswer(ctx, "b1", answer("other"))
	require.ErrorIs(t, err, ErrAnswerPresent)
}

func TestSubscribeOfferAndAnswer(t *testing.T) {
	ch, _, _ := newTestChannel(t)
	ctx := context.Background()

	offers := make(chan models.SignalingRecord, 8)
	unsubOffer, err := ch.SubscribeOffer(ctx, func(rec models.SignalingRecord) { offers <- rec })
	require.NoError(t, err)
	defer unsubOffer()

	answers := make(chan webrtc.SessionDescription, 8)
	unsubAnswer, err := ch.SubscribeAnswer(ctx, "b1", func(sd webrtc.SessionDescription) { answers <- sd })
	require.NoError(t, err)
	defer unsubAnswer()

	_, err = ch.PublishOffer(ctx, "b1", offer("A"))
	require.NoError(t, err)

	select {
	case rec := <-offers:
		assert.Equal(t, "A", rec.Offer.SDP)
	case <-time.After(2 * time.Second):
		t.Fatal("offer not delivered")
	}

	require.NoError(t, ch.PublishAnswer(ctx, "b1", answer("a")))
	select {
	case sd := <-answers:
		assert.Equal(t, webrtc.SDPTypeAnswer, sd.Type)
		assert.Equal(t, "a", sd.SDP)
	case <-time.After(2 * time.Second):
		t.Fatal("answer not delivered")
	}
}

func TestStreamIceCandidatesFromOppositeRole(t *testing.T) {
	ch, _, _ := newTestChannel(t)
	ctx := context.Background()

	require.NoError(t, ch.PublishCandidate(ctx, "b1", models.RoleHost, candidate("host-1")))
	require.NoError(t, ch.PublishCandidate(ctx, "b1", models.RoleHost, candidate("host-2")))
	require.NoError(t, ch.PublishCandidate(ctx, "b1", models.RoleGuest, candidate("guest-1")))

	got := make(chan string, 8)
	unsub, err := ch.StreamIceCandidates(ctx, "b1", models.RoleGuest, func(c webrtc.ICECandidateInit) {
		got <- c.Candidate
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, ch.PublishCandidate(ctx, "b1", models.RoleHost, candidate("host-3")))

	var seen []string
	for len(seen) < 3 {
		select {
		case c := <-got:
			seen = append(seen, c)
		case <-time.After(2 * time.Second):
			t.Fatalf("only received %v", seen)
		}
	}
	assert.Equal(t, []string{"host-1", "host-2", "host-3"}, seen)
}

func TestChannelUnavailable(t *testing.T) {
	ch, _, mr := newTestChannel(t)
	mr.Close()

	_, err := ch.PublishOffer(context.Background(), "b1", offer("A"))
	require.ErrorIs(t, err, ErrChannelUnavailable)
	require.ErrorIs(t, err, docstore.ErrUnavailable)
}

func TestClear(t *testing.T) {
	ch, store, _ := newTestChannel(t)
	ctx := context.Background()

	_, err := ch.PublishOffer(ctx, "b1", offer("A"))
	require.NoError(t, err)
	require.NoError(t, ch.Clear(ctx))

	snap, err := store.Get(ctx, models.SignalingPath("campaign-1"))
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.Empty(t, snap.Fields)
}
