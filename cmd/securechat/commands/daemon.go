package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Khawar13/Secure-chat/internal/app"
	"github.com/Khawar13/Secure-chat/internal/directory"
	"github.com/Khawar13/Secure-chat/internal/guard"
	"github.com/Khawar13/Secure-chat/internal/relay"
	"github.com/Khawar13/Secure-chat/internal/securestore"
	"github.com/Khawar13/Secure-chat/internal/session"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the messaging service against a relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			if err := requirePartyID(); err != nil {
				return err
			}
			pair, err := identities.Load()
			if err != nil {
				return err
			}
			log := newLogger()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := relay.NewClient(cfg.Daemon.RelayURL)
			if err := client.Register(ctx, cfg.Daemon.PartyID, pair.PublicSPKI); err != nil {
				return fmt.Errorf("register with relay: %w", err)
			}

			sessionKV := securestore.OpenKV(filepath.Join(cfg.Daemon.DataDir, "sessions.enc"), passphrase)
			registry, err := session.NewRegistry(cfg.Daemon.PartyID, session.NewKVStore(sessionKV))
			if err != nil {
				return fmt.Errorf("open session store: %w", err)
			}

			guardStore, err := guard.OpenBoltStore(filepath.Join(cfg.Daemon.DataDir, "guard.db"))
			if err != nil {
				return fmt.Errorf("open guard store: %w", err)
			}

			svc, err := app.New(app.Config{
				LocalID:      cfg.Daemon.PartyID,
				Keys:         pair,
				Registry:     registry,
				Resolver:     directory.NewCaching(client),
				Relay:        client,
				Guard:        guard.New(guardStore, cfg.Daemon.GuardWindow, cfg.Daemon.NonceRetention, log),
				Window:       cfg.Daemon.HandshakeWindow,
				EventBacklog: cfg.Daemon.EventBacklog,
				OnMessage: func(in app.Inbound) {
					if in.Filename != "" {
						log.Info("file received", "sender_id", in.SenderID, "size", in.Size, "sequence", in.Sequence)
						return
					}
					log.Info("message received", "sender_id", in.SenderID, "sequence", in.Sequence)
				},
				Log: log,
			})
			if err != nil {
				return err
			}
			defer svc.Close()

			log.Info("daemon starting", "relay_url", cfg.Daemon.RelayURL)
			return svc.Run(ctx)
		},
	}
}
