package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRolesCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Manage role assignments used for privilege checks",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "grant ACCOUNT_ID ROLE",
			Short: "Assign a role to an account",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := openApp(cmd.Context(), *configPath)
				if err != nil {
					return err
				}
				defer a.Close()

				if err := a.store.GrantRole(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				a.logger.Info("role granted", "account_id", args[0], "role", args[1])
				fmt.Printf("Granted %q to %s.\n", args[1], args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "list ACCOUNT_ID",
			Short: "Show an account's roles and whether it is privileged",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := openApp(cmd.Context(), *configPath)
				if err != nil {
					return err
				}
				defer a.Close()

				assigned, err := a.store.Roles(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Roles:      %v\n", assigned)
				fmt.Printf("Privileged: %v\n", a.opts.Privileges.IsPrivileged(cmd.Context(), args[0]))
				return nil
			},
		},
	)
	return cmd
}
