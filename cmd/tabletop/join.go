package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mossy-p/session-sync/internal/models"
)

var flagCharacter string

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a session as a guest and receive the host's stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runJoin(ctx)
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagCharacter, "character", "c", "", "Character ID shown online while joined (default: a random name)")
}

func runJoin(ctx context.Context) error {
	e, err := connect(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	character := flagCharacter
	if character == "" {
		character = petname.Generate(2, "-")
	}

	sess, err := e.open(ctx, models.RoleGuest, character)
	if err != nil {
		return err
	}
	defer sess.Close()

	sess.Peer.OnRemoteStream(func(tracks []*webrtc.TrackRemote) {
		for _, t := range tracks {
			log.Info().Str("kind", t.Kind().String()).Str("codec", t.Codec().MimeType).Msg("receiving track")
		}
	})
	unsub := sess.State.Subscribe(func(st models.SessionState) {
		if cur, ok := st.Current(); ok {
			log.Info().Int("round", st.Round).Str("turn", cur.Name).Msg("initiative")
		}
	})
	defer unsub()

	closed := watch(sess.Peer)
	if err := sess.Peer.Start(sess.Scope.Context(), models.RoleGuest, nil); err != nil {
		return err
	}
	log.Info().Str("character", character).Msg("waiting for the host's offer")

	return untilDone(ctx, sess.Peer, closed)
}
