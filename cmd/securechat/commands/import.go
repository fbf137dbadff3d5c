package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Khawar13/Secure-chat/internal/identity"
)

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <mnemonic words...>",
		Short: "Restore an identity from its recovery mnemonic",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			pair, err := identities.Import(strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Printf("Identity restored.\nFingerprint: %s\n", identity.FingerprintSPKI(pair.PublicSPKI))
			return nil
		},
	}
}
