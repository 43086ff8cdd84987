package cli

import (
	"github.com/spf13/cobra"
)

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a message locally and on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				return printOutcome(cmd.OutOrStdout(), "Deleted.", a.mirror().Delete(cmd.Context(), args[0]))
			})
		},
	}
}
