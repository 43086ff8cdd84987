package cli

import (
	"github.com/spf13/cobra"
)

func newMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <id> <folder>",
		Short: "Move a message to another folder locally and on the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				return printOutcome(cmd.OutOrStdout(), "Moved.", a.mirror().Move(cmd.Context(), args[0], args[1]))
			})
		},
	}
}
