package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Khawar13/Secure-chat/internal/guard"
	"github.com/Khawar13/Secure-chat/internal/platform/ratelimiter"
	"github.com/Khawar13/Secure-chat/internal/relay"
)

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run the relay: mailboxes, directory and admission guard",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			var store guard.Store
			if cfg.Relay.GuardDBPath != "" {
				bolt, err := guard.OpenBoltStore(cfg.Relay.GuardDBPath)
				if err != nil {
					return fmt.Errorf("open guard store: %w", err)
				}
				store = bolt
			} else {
				store = guard.NewMemoryStore()
			}

			srv := relay.NewServer(
				cfg.Relay.ListenAddr,
				guard.New(store, cfg.Relay.GuardWindow, cfg.Relay.NonceRetention, log),
				ratelimiter.New(cfg.Relay.RatePerSecond, cfg.Relay.RateBurst, cfg.Relay.RateIdleTTL),
				log,
			)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("relay starting", "listen_addr", cfg.Relay.ListenAddr)
			return srv.Run(ctx)
		},
	}
}
