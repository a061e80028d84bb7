package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/quantumauth-io/quantum-device-bridge/internal/credentials"
	"github.com/quantumauth-io/quantum-device-bridge/internal/helpers"
	"github.com/quantumauth-io/quantum-device-bridge/internal/tpm"
)

func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Inspect or manage the local credential store",
	}
	cmd.AddCommand(credentialsStatusCmd(), credentialsMigrateCmd(), credentialsResetCmd())
	return cmd
}

func openStore(cmd *cobra.Command) (*credentials.Store, error) {
	backend, err := credentials.DefaultFileBackend()
	if err != nil {
		return nil, err
	}
	store := credentials.NewStore(backend)
	if err := store.Open(cmd.Context()); err != nil {
		return nil, errors.Wrap(err, "open credential store")
	}
	return store, nil
}

func credentialsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print what is stored, without secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.Status(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}

func credentialsMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bring the credential store to the latest schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := tpm.Open(cmd.Context(), passphrase())
			if err != nil {
				return err
			}
			defer rt.Close()

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := credentials.NewKeychain(store, rt.Sealer, nil).Migrate(cmd.Context()); err != nil {
				return err
			}
			v, err := store.GetDBVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credential store at schema version %d\n", v)
			return nil
		},
	}
}

func credentialsResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the stored keypair, encryption key and trust chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := helpers.PromptYesNo(os.Stdin, "This deletes all local credentials. Continue? [y/N] ")
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "credentials reset")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation")
	return cmd
}
