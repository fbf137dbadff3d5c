package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func exportSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-seed",
		Short: "Print the identity recovery mnemonic",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			mnemonic, err := identities.ExportMnemonic()
			if err != nil {
				return err
			}
			fmt.Println(mnemonic)
			return nil
		},
	}
}
