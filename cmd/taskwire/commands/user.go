package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/taskwire/pkg/taskwire/store"
)

// newUserCmd creates `taskwire user`, which seeds members into the task
// database.
func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	add := &cobra.Command{
		Use:     "add",
		Short:   "Add a user",
		Example: `  taskwire user add --name "Aisha Khan" --phone "+91 98765 43210" --role manager`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, db, err := openStore(ctx, cfg, cliLogger(cmd, cfg))
			if err != nil {
				return err
			}
			defer db.Close()

			u := &store.User{Active: true}
			u.Name, _ = cmd.Flags().GetString("name")
			u.Email, _ = cmd.Flags().GetString("email")
			u.Phone, _ = cmd.Flags().GetString("phone")
			u.Department, _ = cmd.Flags().GetString("department")
			role, _ := cmd.Flags().GetString("role")
			u.Role = store.Role(role)

			if err := st.CreateUser(ctx, u); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d created (%s, %s)\n", u.ID, u.Name, u.Role)
			return nil
		},
	}
	add.Flags().String("name", "", "full name")
	add.Flags().String("email", "", "email address")
	add.Flags().String("phone", "", "WhatsApp phone number")
	add.Flags().String("department", "", "department")
	add.Flags().String("role", string(store.RoleMember), "admin, manager or member")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("phone")

	cmd.AddCommand(add)
	return cmd
}
