package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/taskwire/pkg/taskwire/channels/whatsapp"
)

// newSessionCmd creates `taskwire session`, which manages the stored
// WhatsApp pairing data.
func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the stored WhatsApp session",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete the stored pairing data so the next start shows a fresh QR code",
		Long: `Delete the WhatsApp auth and cache directories. Run it while the server
is stopped; a running server can be reset with 'POST /api/whatsapp/restart'.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			sessions := whatsapp.NewSessionStore(cfg.WhatsApp.AuthDir, cfg.WhatsApp.CacheDir, cliLogger(cmd, cfg))
			if !sessions.Present() {
				fmt.Fprintln(cmd.OutOrStdout(), "No stored session found.")
			}
			res := sessions.Clear()
			for _, p := range res.Removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", p)
			}
			for _, p := range res.Failed {
				fmt.Fprintf(cmd.OutOrStdout(), "could not remove %s\n", p)
			}
			if res.Partial() {
				return fmt.Errorf("session only partly cleared (%d paths left)", len(res.Failed))
			}
			return nil
		},
	})
	return cmd
}
