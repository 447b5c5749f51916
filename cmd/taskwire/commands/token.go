package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/taskwire/pkg/taskwire/config"
)

// newTokenCmd creates `taskwire token`, which keeps the operator API token
// in the OS keyring.
func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the operator API token in the OS keyring",
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Store the operator API token (prompted without echo)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := config.ReadPassword("Operator API token (empty to generate one): ")
			if err != nil {
				return err
			}
			if token == "" {
				token, err = generateToken()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Generated token: %s\n", token)
			}
			if err := config.StoreKeyring(config.KeyringAuthToken, token); err != nil {
				return fmt.Errorf("%w (set %s instead)", err, config.EnvAuthToken)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token stored in the OS keyring.")
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "clear",
		Short: "Remove the operator API token from the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.DeleteKeyring(config.KeyringAuthToken); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token removed from the OS keyring.")
			return nil
		},
	}

	cmd.AddCommand(set, remove)
	return cmd
}

func generateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
