package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Khawar13/Secure-chat/internal/relay"
)

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Publish the identity public key to a relay directory",
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

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			client := relay.NewClient(cfg.Daemon.RelayURL)
			if err := client.Register(ctx, cfg.Daemon.PartyID, pair.PublicSPKI); err != nil {
				return fmt.Errorf("register with relay: %w", err)
			}
			fmt.Printf("Registered %s with %s\n", cfg.Daemon.PartyID, cfg.Daemon.RelayURL)
			return nil
		},
	}
}
