package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Khawar13/Secure-chat/internal/config"
	"github.com/Khawar13/Secure-chat/internal/identity"
	"github.com/Khawar13/Secure-chat/internal/platform/privacylog"
	"github.com/Khawar13/Secure-chat/internal/securestore"
)

const passphraseEnv = "SECURECHAT_PASSPHRASE"

var (
	cfgPath    string
	dataDir    string
	passphrase string
	relayURL   string
	partyID    string

	cfg        config.Config
	identities *identity.Store
)

func Execute() error {
	root := &cobra.Command{
		Use:           "securechat",
		Short:         "Authenticated key exchange and end-to-end encrypted messaging over an untrusted relay",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.Load(cfgPath)
			if dataDir != "" {
				cfg.Daemon.DataDir = dataDir
			}
			if relayURL != "" {
				cfg.Daemon.RelayURL = relayURL
			}
			if partyID != "" {
				cfg.Daemon.PartyID = partyID
			}
			if passphrase == "" {
				passphrase = strings.TrimSpace(os.Getenv(passphraseEnv))
			}
			if err := os.MkdirAll(cfg.Daemon.DataDir, 0o700); err != nil {
				return err
			}

			kv := securestore.OpenKV(filepath.Join(cfg.Daemon.DataDir, "keys.enc"), passphrase)
			identities = identity.NewStore(kv)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.securechat)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the key store (env "+passphraseEnv+")")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL")
	root.PersistentFlags().StringVar(&partyID, "id", "", "local party id")

	root.AddCommand(
		initCmd(),
		importCmd(),
		exportSeedCmd(),
		fingerprintCmd(),
		replaceCmd(),
		registerCmd(),
		daemonCmd(),
		relayCmd(),
		versionCmd(),
	)
	return root.Execute()
}

func requirePassphrase() error {
	if passphrase == "" {
		return fmt.Errorf("passphrase required (-p or %s)", passphraseEnv)
	}
	return nil
}

func requirePartyID() error {
	if cfg.Daemon.PartyID == "" {
		return fmt.Errorf("party id required (--id or daemon.partyId in config)")
	}
	return nil
}

// newLogger builds the JSON logger every long-running command uses; the
// sanitizing handler keeps party ids and secrets out of the output.
func newLogger() *slog.Logger {
	return slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, nil)))
}
