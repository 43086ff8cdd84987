package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "mailsync",
		Short:        "mailsync mirrors IMAP mailboxes into a local database and sends mail over SMTP",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default is the user config dir)")

	cmd.AddCommand(newAuthCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newFoldersCmd())
	cmd.AddCommand(newMessagesCmd())
	cmd.AddCommand(newAttachmentsCmd())
	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newMoveCmd())
	cmd.AddCommand(newDeleteCmd())

	cmd.SetErr(os.Stderr)
	cmd.SetOut(os.Stdout)

	return cmd
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
