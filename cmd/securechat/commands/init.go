package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Khawar13/Secure-chat/internal/identity"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate identity keys and store them encrypted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			pair, mnemonic, err := identities.Create()
			if err != nil {
				return err
			}
			fmt.Printf("Identity created.\nFingerprint: %s\n\nRecovery mnemonic (shown once, write it down):\n%s\n",
				identity.FingerprintSPKI(pair.PublicSPKI), mnemonic)
			return nil
		},
	}
}
