package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"mailsync/internal/config"

	"github.com/spf13/cobra"
)

func newFoldersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folders",
		Short: "Folder catalog",
	}
	cmd.AddCommand(newFoldersListCmd())
	cmd.AddCommand(newFoldersRefreshCmd())
	cmd.AddCommand(newFoldersCreateCmd())
	return cmd
}

func newFoldersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cataloged folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				all, err := a.store.ListFolders(cmd.Context())
				if err != nil {
					return err
				}
				if len(all) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No folders yet; run `mailsync folders refresh` or `mailsync sync`.")
					return nil
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tROLE\tDISPLAY\tLAST SYNCED")
				for _, f := range all {
					synced := "never"
					if !f.LastSynced.IsZero() {
						synced = f.LastSynced.Local().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.Name, f.Role, f.DisplayName, synced)
				}
				return tw.Flush()
			})
		},
	}
}

func newFoldersRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Update the folder catalog from the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if err := config.ValidateIMAP(a.cfg); err != nil {
					return err
				}
				sess, err := a.imap.Connect(cmd.Context(), "")
				if err != nil {
					return err
				}
				defer sess.Close()

				synced, skipped, err := a.reconciler().Reconcile(cmd.Context(), sess)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d folders cataloged, %d skipped.\n", synced, skipped)
				return nil
			})
		},
	}
}

func newFoldersCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a folder on the server and catalog it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if err := config.ValidateIMAP(a.cfg); err != nil {
					return err
				}
				sess, err := a.imap.Connect(cmd.Context(), "")
				if err != nil {
					return err
				}
				defer sess.Close()

				if err := sess.Create(args[0]); err != nil {
					return err
				}
				if _, _, err := a.reconciler().Reconcile(cmd.Context(), sess); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Folder created.")
				return nil
			})
		},
	}
}
