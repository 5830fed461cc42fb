// Command tabletop joins a session as the broadcasting host or as a guest
// watching the host's stream.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mossy-p/session-sync/config"
	"github.com/mossy-p/session-sync/internal/docstore"
	"github.com/mossy-p/session-sync/internal/logging"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/mossy-p/session-sync/internal/peer"
	"github.com/mossy-p/session-sync/internal/redis"
	"github.com/mossy-p/session-sync/internal/session"
)

var flagSession string

var rootCmd = &cobra.Command{
	Use:   "tabletop",
	Short: "Host or join a live tabletop session",
	Long: `tabletop connects to a session's shared state and media broadcast.

Examples:
  tabletop host --session 5f0c... --video 127.0.0.1:5004 --audio 127.0.0.1:5006
  tabletop join --session 5f0c... --character aria
  tabletop inspect --session 5f0c...`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagSession, "session", "s", "", "Session ID")
	_ = rootCmd.MarkPersistentFlagRequired("session")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env is what every subcommand needs: configuration and a connected store.
type env struct {
	cfg  *config.Config
	rdb  *goredis.Client
	docs *docstore.Store
}

func connect(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.LogLevel, cfg.Environment)

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("host", cfg.Redis.Host).Msg("connected to Redis")

	return &env{
		cfg: cfg,
		rdb: rdb,
		docs: docstore.New(rdb, docstore.Options{
			PollBlock: cfg.Store.PollBlock,
			TxRetries: cfg.Store.TxRetries,
			KeyTTL:    cfg.SessionTTL,
		}),
	}, nil
}

func (e *env) Close() error {
	return e.rdb.Close()
}

func (e *env) open(ctx context.Context, role models.Role, participant string) (*session.Session, error) {
	return session.Open(ctx, session.Deps{
		Docs: e.docs,
		Peer: peer.Config{
			STUNServers:       e.cfg.WebRTC.STUNServers,
			CandidatePoolSize: e.cfg.WebRTC.CandidatePoolSize,
			ConnectTimeout:    e.cfg.WebRTC.ConnectTimeout,
		},
		PresenceLease: e.cfg.Store.PresenceLeaseTTL,
	}, models.SessionID(flagSession), role, participant)
}

// watch logs peer state changes and returns a channel closed once the peer
// reaches Closed. Register it before Start.
func watch(m *peer.Manager) <-chan struct{} {
	closed := make(chan struct{})
	var once sync.Once
	m.OnStateChange(func(s peer.State) {
		log.Info().Str("state", s.String()).Msg("peer state")
		if s == peer.Closed {
			once.Do(func() { close(closed) })
		}
	})
	return closed
}

// untilDone blocks until ctx ends or the peer closes, returning the peer's
// failure if it had one.
func untilDone(ctx context.Context, m *peer.Manager, closed <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return nil
	case <-closed:
		return m.Err()
	}
}
