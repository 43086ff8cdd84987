package cli

import (
	"fmt"
	"text/tabwriter"

	"mailsync/internal/logging"
	"mailsync/internal/store"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show account and local mirror status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				out := cmd.OutOrStdout()
				source := a.cfg.Auth.PasswordSource
				if source == "" {
					source = "not set"
				}
				fmt.Fprintf(out, "Account: %s (password: %s)\n", logging.MaskEmail(a.cfg.Auth.Username), source)
				fmt.Fprintf(out, "IMAP: %s:%d  SMTP: %s:%d\n", a.cfg.IMAP.Host, a.cfg.IMAP.Port, a.cfg.SMTP.Host, a.cfg.SMTP.Port)
				fmt.Fprintf(out, "Database: %s\n", a.store.Driver())

				all, err := a.store.ListFolders(cmd.Context())
				if err != nil {
					return err
				}
				if len(all) == 0 {
					return nil
				}

				fmt.Fprintln(out, "")
				tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
				fmt.Fprintln(tw, "FOLDER\tMESSAGES\tUNREAD\tPARTIAL RUNS")
				for _, f := range all {
					msgs, err := a.store.ListMessages(cmd.Context(), store.MessageFilter{Folder: f.Name})
					if err != nil {
						return err
					}
					unread := 0
					for _, m := range msgs {
						if !m.IsRead {
							unread++
						}
					}
					partial, err := a.store.ConsecutivePartialRuns(cmd.Context(), f.Name)
					if err != nil {
						return err
					}
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", f.Name, len(msgs), unread, partial)
				}
				return tw.Flush()
			})
		},
	}
}
