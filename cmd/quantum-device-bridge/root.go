package main

import (
	"github.com/spf13/cobra"

	"github.com/quantumauth-io/quantum-device-bridge/cmd/quantum-device-bridge/config"
	"github.com/quantumauth-io/quantum-device-bridge/internal/helpers"
	"github.com/quantumauth-io/quantum-device-bridge/internal/tpm"
)

type rootOptions struct {
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "quantum-device-bridge",
		Short:         "Local bridge between web pages, a signing device and the keyring backend",
		Version:       Version + " (" + Commit + ", " + BuildDate + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}

	root.AddCommand(newServeCmd(opts), newCredentialsCmd())
	return root
}

// passphrase asks for the fallback sealing passphrase on the terminal.
func passphrase() tpm.PasswordFunc {
	return func() ([]byte, error) {
		pw, err := helpers.PromptPassword("Passphrase for local secrets: ")
		if err != nil {
			return nil, err
		}
		if err := helpers.ValidatePassword(pw); err != nil {
			return nil, err
		}
		return pw, nil
	}
}
