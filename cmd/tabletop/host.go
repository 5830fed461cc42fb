package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/session-sync/internal/media"
	"github.com/mossy-p/session-sync/internal/models"
)

var (
	flagVideo       string
	flagAudio       string
	flagRebroadcast bool
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Broadcast local media to the session",
	Long: `Capture RTP from local UDP ports and broadcast it to the session's guests.

Feed it with, for example:
  ffmpeg -re -i map.mp4 -an -c:v libvpx -f rtp rtp://127.0.0.1:5004`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runHost(ctx)
	},
}

func init() {
	rootCmd.AddCommand(hostCmd)

	hostCmd.Flags().StringVar(&flagVideo, "video", "127.0.0.1:5004", "UDP address receiving VP8 RTP")
	hostCmd.Flags().StringVar(&flagAudio, "audio", "127.0.0.1:5006", "UDP address receiving Opus RTP (empty disables)")
	hostCmd.Flags().BoolVar(&flagRebroadcast, "rebroadcast", false, "Start a new broadcast whenever the current one closes")
}

func runHost(ctx context.Context) error {
	e, err := connect(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	// Signaling still runs without media so guests can connect.
	stream, err := media.Capture(media.Config{VideoAddr: flagVideo, AudioAddr: flagAudio})
	if errors.Is(err, media.ErrMediaAccessDenied) {
		log.Warn().Err(err).Msg("broadcasting without media")
	} else if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stream.Run(gctx) })
	g.Go(func() error {
		// Without --rebroadcast a closed peer ends the host.
		defer stop()
		for {
			err := broadcast(gctx, e, stream)
			if !flagRebroadcast || gctx.Err() != nil {
				return err
			}
			log.Warn().Err(err).Msg("broadcast closed, starting a new one")
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	})
	return g.Wait()
}

// broadcast runs one host peer until it closes or ctx ends. Each call
// publishes a fresh broadcast, which replaces any earlier one.
func broadcast(ctx context.Context, e *env, stream *media.Stream) error {
	sess, err := e.open(ctx, models.RoleHost, "")
	if err != nil {
		return err
	}
	defer sess.Close()

	closed := watch(sess.Peer)
	if err := sess.Peer.Start(sess.Scope.Context(), models.RoleHost, stream.Tracks()); err != nil {
		return err
	}
	log.Info().Str("broadcast", sess.Peer.BroadcastID()).Int("tracks", len(stream.Tracks())).Msg("broadcasting")
	return untilDone(ctx, sess.Peer, closed)
}
