// Package media captures the host's audio and video as RTP streams arriving
// on local UDP ports (for example from ffmpeg or gstreamer) and exposes them
// as WebRTC tracks.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/mossy-p/session-sync/internal/logging"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrMediaAccessDenied reports that no media source could be opened.
var ErrMediaAccessDenied = errors.New("media access denied")

const (
	defaultStreamID = "host"
	maxPacketSize   = 1500
)

type Config struct {
	// VideoAddr and AudioAddr are UDP listen addresses. Empty disables the
	// source.
	VideoAddr string
	AudioAddr string
	StreamID  string
}

type source struct {
	kind  string
	conn  net.PacketConn
	track *webrtc.TrackLocalStaticRTP
}

// Stream is the set of sources that could be opened.
type Stream struct {
	sources []source
	packets atomic.Uint64
	log     zerolog.Logger
}

func open(addr, kind, mime, streamID string) (source, error) {
	if addr == "" {
		return source{}, fmt.Errorf("%s: no source configured", kind)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, kind, streamID)
	if err != nil {
		return source{}, fmt.Errorf("%s track: %w", kind, err)
	}
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return source{}, fmt.Errorf("%s source: %w", kind, err)
	}
	return source{kind: kind, conn: conn, track: track}, nil
}

// Capture opens the configured sources. Losing audio degrades to video
// only; losing both returns an empty stream with ErrMediaAccessDenied so the
// caller can carry on without media.
func Capture(cfg Config) (*Stream, error) {
	if cfg.StreamID == "" {
		cfg.StreamID = defaultStreamID
	}
	s := &Stream{log: logging.Module("media")}

	video, verr := open(cfg.VideoAddr, "video", webrtc.MimeTypeVP8, cfg.StreamID)
	audio, aerr := open(cfg.AudioAddr, "audio", webrtc.MimeTypeOpus, cfg.StreamID)

	switch {
	case verr != nil && aerr != nil:
		return s, fmt.Errorf("%w: %w", ErrMediaAccessDenied, errors.Join(verr, aerr))
	case aerr != nil:
		s.log.Warn().Err(aerr).Msg("audio unavailable, continuing with video only")
	case verr != nil:
		s.log.Warn().Err(verr).Msg("video unavailable, continuing with audio only")
	}
	if verr == nil {
		s.sources = append(s.sources, video)
	}
	if aerr == nil {
		s.sources = append(s.sources, audio)
	}
	return s, nil
}

// Tracks returns the local tracks to hand to the peer manager.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src.track)
	}
	return out
}

func (s *Stream) Empty() bool { return len(s.sources) == 0 }

// Addrs returns the bound listen address of each source by kind.
func (s *Stream) Addrs() map[string]net.Addr {
	out := make(map[string]net.Addr, len(s.sources))
	for _, src := range s.sources {
		out[src.kind] = src.conn.LocalAddr()
	}
	return out
}

// Packets counts RTP packets forwarded so far.
func (s *Stream) Packets() uint64 { return s.packets.Load() }

// Run forwards packets into the tracks until ctx is done or a source fails.
// It closes the sources on return.
func (s *Stream) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range s.sources {
		g.Go(func() error {
			<-ctx.Done()
			return src.conn.Close()
		})
		g.Go(func() error {
			return s.pump(ctx, src)
		})
	}
	return g.Wait()
}

func (s *Stream) pump(ctx context.Context, src source) error {
	log := s.log.With().Str("kind", src.kind).Logger()
	buf := make([]byte, maxPacketSize)
	for {
		n, _, err := src.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read %s: %w", src.kind, err)
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Debug().Err(err).Msg("dropping malformed packet")
			continue
		}
		if err := src.track.WriteRTP(&pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return fmt.Errorf("write %s: %w", src.kind, err)
		}
		s.packets.Add(1)
	}
}

// Close releases the sources of a stream that never ran.
func (s *Stream) Close() error {
	var errs []error
	for _, src := range s.sources {
		if err := src.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
