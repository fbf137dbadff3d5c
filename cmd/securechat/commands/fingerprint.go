package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Khawar13/Secure-chat/internal/identity"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			pair, err := identities.Load()
			if err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\n", identity.FingerprintSPKI(pair.PublicSPKI))
			return nil
		},
	}
}
