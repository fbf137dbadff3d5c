package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Khawar13/Secure-chat/internal/identity"
)

func replaceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replace",
		Short: "Rotate the identity signing key",
		Long: "Replace generates a fresh identity keypair over the existing one. " +
			"Peers that pinned the old key must re-verify the new fingerprint " +
			"out of band before the directory accepts it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			pair, mnemonic, err := identities.Replace()
			if err != nil {
				return err
			}
			fmt.Printf("Identity replaced.\nNew fingerprint: %s\n\nRecovery mnemonic (shown once, write it down):\n%s\n",
				identity.FingerprintSPKI(pair.PublicSPKI), mnemonic)
			return nil
		},
	}
}
