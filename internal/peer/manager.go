// Package peer owns the single WebRTC connection of a participant and drives
// its negotiation over the signaling channel.
package peer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/session-sync/internal/logging"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrClosed            = errors.New("peer manager closed")
	ErrAlreadyStarted    = errors.New("peer manager already started")
	ErrNotStarted        = errors.New("peer manager not started")
	ErrNotHost           = errors.New("only the host attaches local media")
	ErrConnectTimeout    = errors.New("peer connection timed out")
	ErrConnectionFailed  = errors.New("peer connection failed")
	ErrBroadcastReplaced = errors.New("host started a new broadcast")
)

// PeerConnection is the part of *webrtc.PeerConnection the manager drives.
type PeerConnection interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddTransceiverFromKind(webrtc.RTPCodecType, ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	GetSenders() []*webrtc.RTPSender
	OnICECandidate(func(*webrtc.ICECandidate))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// Factory creates the underlying peer connection.
type Factory func(webrtc.Configuration) (PeerConnection, error)

// NewFactory builds connections from api, or from the package default API
// when api is nil.
func NewFactory(api *webrtc.API) Factory {
	return func(cfg webrtc.Configuration) (PeerConnection, error) {
		if api == nil {
			return webrtc.NewPeerConnection(cfg)
		}
		return api.NewPeerConnection(cfg)
	}
}

// Signaler relays descriptions and candidates to the other side.
type Signaler interface {
	PublishOffer(ctx context.Context, broadcastID string, offer webrtc.SessionDescription) (models.SignalingRecord, error)
	SubscribeOffer(ctx context.Context, fn func(models.SignalingRecord)) (func(), error)
	SubscribeAnswer(ctx context.Context, broadcastID string, fn func(webrtc.SessionDescription)) (func(), error)
	PublishAnswer(ctx context.Context, broadcastID string, answer webrtc.SessionDescription) error
	PublishCandidate(ctx context.Context, broadcastID string, role models.Role, cand webrtc.ICECandidateInit) error
	StreamIceCandidates(ctx context.Context, broadcastID string, role models.Role, fn func(webrtc.ICECandidateInit)) (func(), error)
}

type Config struct {
	STUNServers       []string
	CandidatePoolSize uint8
	// ConnectTimeout closes the manager when the connection is not up in
	// time. Zero disables it.
	ConnectTimeout time.Duration
	// Factory defaults to NewFactory(nil).
	Factory Factory
}

func (c Config) configuration() webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(c.STUNServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: c.STUNServers}}
	}
	return webrtc.Configuration{
		ICEServers:           servers,
		ICECandidatePoolSize: c.CandidatePoolSize,
	}
}

// Manager negotiates one connection as either host or guest.
//
// Negotiation steps run under negMu, so offer, answer and candidate
// deliveries arriving on different subscription goroutines apply one at a
// time. mu guards the remaining fields and is never held across a call into
// the peer connection.
type Manager struct {
	sig     Signaler
	cfg     Config
	session models.SessionID
	log     zerolog.Logger

	negMu sync.Mutex

	mu          sync.Mutex
	state       State
	role        models.Role
	pc          PeerConnection
	ctx         context.Context
	cancel      context.CancelFunc
	broadcastID string
	unsubs      []func()
	timer       *time.Timer
	err         error

	known    map[string]struct{}
	pending  []webrtc.ICECandidateInit
	outbox   []webrtc.ICECandidateInit
	senders  map[webrtc.RTPCodecType]*webrtc.RTPSender
	tracks   []*webrtc.TrackRemote
	onState  []func(State)
	onRemote []func([]*webrtc.TrackRemote)
}

func NewManager(session models.SessionID, sig Signaler, cfg Config) *Manager {
	if cfg.Factory == nil {
		cfg.Factory = NewFactory(nil)
	}
	return &Manager{
		sig:     sig,
		cfg:     cfg,
		session: session,
		log:     logging.Module("peer").With().Str("session", string(session)).Logger(),
		known:   make(map[string]struct{}),
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}
}

// Start creates the connection and begins negotiating as role. A host
// publishes an offer carrying local; a guest waits for the host's offer.
func (m *Manager) Start(ctx context.Context, role models.Role, local []webrtc.TrackLocal) error {
	if !role.Valid() {
		return fmt.Errorf("start: unknown role %q", role)
	}

	m.mu.Lock()
	switch m.state {
	case Closed:
		m.mu.Unlock()
		return ErrClosed
	case Idle:
	default:
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	pc, err := m.cfg.Factory(m.cfg.configuration())
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("create peer connection: %w", err)
	}
	m.pc = pc
	m.role = role
	m.log = m.log.With().Str("role", string(role)).Logger()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.state = waiting(role == models.RoleHost)
	if m.cfg.ConnectTimeout > 0 {
		m.timer = time.AfterFunc(m.cfg.ConnectTimeout, m.connectTimedOut)
	}
	m.mu.Unlock()

	pc.OnICECandidate(m.localCandidate)
	pc.OnTrack(m.remoteTrack)
	pc.OnConnectionStateChange(m.connectionState)
	m.notifyState(m.State())

	if role == models.RoleHost {
		err = m.startHost(local)
	} else {
		err = m.startGuest()
	}
	if err != nil {
		m.fail(err)
		return err
	}
	return nil
}

func (m *Manager) startHost(local []webrtc.TrackLocal) error {
	m.negMu.Lock()
	defer m.negMu.Unlock()

	pc, ctx := m.conn()
	for _, track := range local {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		m.setSender(track.Kind(), sender)
	}
	// Reserve a sender per kind so late media replaces a track instead of
	// renegotiating.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if m.sender(kind) != nil {
			continue
		}
		tr, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
		m.setSender(kind, tr.Sender())
	}

	broadcastID := uuid.New().String()
	m.setBroadcast(broadcastID)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if _, err := m.sig.PublishOffer(ctx, broadcastID, offer); err != nil {
		return err
	}
	m.log.Info().Str("broadcast", broadcastID).Msg("offer published")

	unsub, err := m.sig.SubscribeAnswer(ctx, broadcastID, m.applyAnswer)
	if err != nil {
		return err
	}
	m.addUnsub(unsub)

	unsub, err = m.sig.StreamIceCandidates(ctx, broadcastID, models.RoleHost, m.remoteCandidate)
	if err != nil {
		return err
	}
	m.addUnsub(unsub)
	return nil
}

func (m *Manager) startGuest() error {
	_, ctx := m.conn()
	unsub, err := m.sig.SubscribeOffer(ctx, m.applyOffer)
	if err != nil {
		return err
	}
	m.addUnsub(unsub)
	return nil
}

// applyOffer answers the first offer observed. Redeliveries of that offer
// are no-ops; an offer from a later broadcast closes the manager so the
// caller can start over.
func (m *Manager) applyOffer(rec models.SignalingRecord) {
	m.negMu.Lock()
	defer m.negMu.Unlock()

	if rec.Offer == nil || !m.inState(Answering, Connected) {
		return
	}
	pc, ctx := m.conn()
	if pc.RemoteDescription() != nil {
		if current := m.broadcast(); rec.BroadcastID != current {
			m.log.Info().Str("broadcast", rec.BroadcastID).Str("current", current).Msg("host restarted the broadcast")
			m.fail(ErrBroadcastReplaced)
			return
		}
		m.log.Debug().Str("broadcast", rec.BroadcastID).Msg("offer already applied")
		return
	}
	if !m.inState(Answering) {
		return
	}

	if err := pc.SetRemoteDescription(*rec.Offer); err != nil {
		m.fail(fmt.Errorf("set remote offer: %w", err))
		return
	}
	m.setBroadcast(rec.BroadcastID)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		m.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		m.fail(fmt.Errorf("set local answer: %w", err))
		return
	}
	m.flushPending(pc)

	if err := m.sig.PublishAnswer(ctx, rec.BroadcastID, answer); err != nil {
		m.fail(err)
		return
	}
	m.log.Info().Str("broadcast", rec.BroadcastID).Msg("answer published")

	unsub, err := m.sig.StreamIceCandidates(ctx, rec.BroadcastID, models.RoleGuest, m.remoteCandidate)
	if err != nil {
		m.fail(err)
		return
	}
	m.addUnsub(unsub)
}

func (m *Manager) applyAnswer(answer webrtc.SessionDescription) {
	m.negMu.Lock()
	defer m.negMu.Unlock()

	if !m.inState(Offering) {
		return
	}
	pc, _ := m.conn()
	if pc.RemoteDescription() != nil {
		m.log.Debug().Msg("answer already applied")
		return
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		m.fail(fmt.Errorf("set remote answer: %w", err))
		return
	}
	m.log.Info().Msg("answer applied")
	m.flushPending(pc)
}

func candidateKey(c webrtc.ICECandidateInit) string {
	key := c.Candidate
	if c.SDPMid != nil {
		key += "|" + *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		key += "|" + strconv.Itoa(int(*c.SDPMLineIndex))
	}
	return key
}

// remoteCandidate adds c once. Candidates seen before the remote description
// wait until it is applied.
func (m *Manager) remoteCandidate(c webrtc.ICECandidateInit) {
	m.negMu.Lock()
	defer m.negMu.Unlock()

	m.mu.Lock()
	if m.state == Closed || m.pc == nil {
		m.mu.Unlock()
		return
	}
	key := candidateKey(c)
	if _, ok := m.known[key]; ok {
		m.mu.Unlock()
		return
	}
	m.known[key] = struct{}{}
	pc := m.pc
	m.mu.Unlock()

	if pc.RemoteDescription() == nil {
		m.mu.Lock()
		m.pending = append(m.pending, c)
		m.mu.Unlock()
		return
	}
	if err := pc.AddICECandidate(c); err != nil {
		m.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("failed to add remote candidate")
	}
}

// flushPending must run under negMu after the remote description is set.
func (m *Manager) flushPending(pc PeerConnection) {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			m.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("failed to add buffered candidate")
		}
	}
}

// localCandidate trickles c to the other side. Candidates gathered before
// the broadcast is known are held until it is.
func (m *Manager) localCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()

	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return
	}
	if m.broadcastID == "" {
		m.outbox = append(m.outbox, init)
		m.mu.Unlock()
		return
	}
	broadcastID, role, ctx := m.broadcastID, m.role, m.ctx
	m.mu.Unlock()

	m.publishCandidate(ctx, broadcastID, role, init)
}

func (m *Manager) publishCandidate(ctx context.Context, broadcastID string, role models.Role, c webrtc.ICECandidateInit) {
	if err := m.sig.PublishCandidate(ctx, broadcastID, role, c); err != nil && ctx.Err() == nil {
		m.log.Warn().Err(err).Msg("failed to publish local candidate")
	}
}

func (m *Manager) setBroadcast(broadcastID string) {
	m.mu.Lock()
	m.broadcastID = broadcastID
	outbox := m.outbox
	m.outbox = nil
	role, ctx := m.role, m.ctx
	m.mu.Unlock()

	for _, c := range outbox {
		m.publishCandidate(ctx, broadcastID, role, c)
	}
}

func (m *Manager) remoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return
	}
	for _, t := range m.tracks {
		if t.ID() == track.ID() {
			m.mu.Unlock()
			return
		}
	}
	m.tracks = append(m.tracks, track)
	tracks := append([]*webrtc.TrackRemote(nil), m.tracks...)
	handlers := append([]func([]*webrtc.TrackRemote){}, m.onRemote...)
	m.mu.Unlock()

	m.log.Info().Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track received")
	for _, fn := range handlers {
		fn(tracks)
	}
}

func (m *Manager) connectionState(s webrtc.PeerConnectionState) {
	m.log.Info().Str("peer_connection_state", s.String()).Msg("peer state")
	switch s {
	case webrtc.PeerConnectionStateConnected:
		m.mu.Lock()
		if m.state != Offering && m.state != Answering {
			m.mu.Unlock()
			return
		}
		m.state = Connected
		if m.timer != nil {
			m.timer.Stop()
		}
		m.mu.Unlock()
		m.notifyState(Connected)
	case webrtc.PeerConnectionStateFailed:
		m.fail(ErrConnectionFailed)
	}
}

func (m *Manager) connectTimedOut() {
	if m.inState(Offering, Answering) {
		m.fail(ErrConnectTimeout)
	}
}

// AttachLocalStream hands host media to the connection. A kind that already
// has a sender gets its track replaced.
func (m *Manager) AttachLocalStream(tracks []webrtc.TrackLocal) error {
	m.negMu.Lock()
	defer m.negMu.Unlock()

	m.mu.Lock()
	state, role, pc := m.state, m.role, m.pc
	m.mu.Unlock()
	switch {
	case state == Closed:
		return ErrClosed
	case state == Idle:
		return ErrNotStarted
	case role != models.RoleHost:
		return ErrNotHost
	}

	for _, track := range tracks {
		if sender := m.sender(track.Kind()); sender != nil {
			if err := sender.ReplaceTrack(track); err != nil {
				return fmt.Errorf("replace %s track: %w", track.Kind(), err)
			}
			continue
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		m.setSender(track.Kind(), sender)
		m.log.Warn().Str("kind", track.Kind().String()).Msg("track added after offer; guests need a new broadcast to receive it")
	}
	return nil
}

// RemoteStream returns the tracks received so far, or nil.
func (m *Manager) RemoteStream() []*webrtc.TrackRemote {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tracks) == 0 {
		return nil
	}
	return append([]*webrtc.TrackRemote(nil), m.tracks...)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BroadcastID is the negotiation attempt the manager belongs to, once known.
func (m *Manager) BroadcastID() string {
	return m.broadcast()
}

// Err reports why the manager closed itself, if it did.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// OnStateChange registers fn for every later state transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, fn)
}

// OnRemoteStream registers fn for every change of the remote stream.
func (m *Manager) OnRemoteStream(fn func([]*webrtc.TrackRemote)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemote = append(m.onRemote, fn)
}

// Close stops all subscriptions and closes the connection. Later calls do
// nothing.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return nil
	}
	m.state = Closed
	unsubs := m.unsubs
	m.unsubs = nil
	pc, cancel, timer := m.pc, m.cancel, m.timer
	m.senders = nil
	m.tracks = nil
	m.pending = nil
	m.outbox = nil
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for i := len(unsubs) - 1; i >= 0; i-- {
		unsubs[i]()
	}
	if cancel != nil {
		cancel()
	}

	var err error
	if pc != nil {
		if err = pc.Close(); err != nil {
			m.log.Error().Err(err).Msg("close error")
		} else {
			m.log.Info().Msg("closed")
		}
	}
	m.notifyState(Closed)
	return err
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return
	}
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()

	m.log.Error().Err(err).Msg("negotiation failed")
	_ = m.Close()
}

func (m *Manager) notifyState(s State) {
	m.mu.Lock()
	handlers := append([]func(State){}, m.onState...)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(s)
	}
}

func (m *Manager) addUnsub(fn func()) {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		fn()
		return
	}
	m.unsubs = append(m.unsubs, fn)
	m.mu.Unlock()
}

func (m *Manager) inState(states ...State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range states {
		if m.state == s {
			return true
		}
	}
	return false
}

func (m *Manager) conn() (PeerConnection, context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pc, m.ctx
}

func (m *Manager) broadcast() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcastID
}

func (m *Manager) sender(kind webrtc.RTPCodecType) *webrtc.RTPSender {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.senders[kind]
}

func (m *Manager) setSender(kind webrtc.RTPCodecType, s *webrtc.RTPSender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.senders != nil {
		m.senders[kind] = s
	}
}
