package cli

import (
	"fmt"

	"mailsync/internal/store"

	"github.com/spf13/cobra"
)

func newMessagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "messages",
		Aliases: []string{"mail"},
		Short:   "Browse synced messages",
	}
	cmd.AddCommand(newMessagesListCmd())
	cmd.AddCommand(newMessagesShowCmd())
	return cmd
}

func newMessagesListCmd() *cobra.Command {
	var folder string
	var page int
	var pageSize int
	var includeDeleted bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List messages, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if page < 1 {
				page = 1
			}
			return withApp(func(a *app) error {
				msgs, err := a.store.ListMessages(cmd.Context(), store.MessageFilter{
					Folder:         folder,
					IncludeDeleted: includeDeleted,
					Limit:          pageSize,
					Offset:         (page - 1) * pageSize,
				})
				if err != nil {
					return err
				}
				printMessages(cmd.OutOrStdout(), msgs)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&folder, "folder", "", "Only this folder")
	cmd.Flags().IntVar(&page, "page", 1, "Page number (1-based)")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "Messages per page")
	cmd.Flags().BoolVar(&includeDeleted, "all", false, "Include messages no longer on the server")

	return cmd
}

func newMessagesShowCmd() *cobra.Command {
	var html bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				msg, err := a.store.GetMessage(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				atts, err := a.store.ListAttachments(cmd.Context(), msg.ID)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "ID: %s\n", msg.ID)
				fmt.Fprintf(out, "Folder: %s\n", msg.Folder)
				fmt.Fprintf(out, "Message-ID: %s\n", msg.MessageID)
				if msg.Subject != "" {
					fmt.Fprintf(out, "Subject: %s\n", msg.Subject)
				}
				if msg.Sender != "" {
					fmt.Fprintf(out, "From: %s\n", msg.Sender)
				}
				if msg.Recipients != "" {
					fmt.Fprintf(out, "To: %s\n", msg.Recipients)
				}
				if msg.Cc != "" {
					fmt.Fprintf(out, "Cc: %s\n", msg.Cc)
				}
				if msg.Bcc != "" {
					fmt.Fprintf(out, "Bcc: %s\n", msg.Bcc)
				}
				if msg.SentAt.Valid {
					fmt.Fprintf(out, "Date: %s\n", msg.SentAt.Time.Local().Format("2006-01-02 15:04:05 -0700"))
				}
				if msg.IsDeletedRemote {
					fmt.Fprintln(out, "Note: deleted on the server")
				}
				for _, att := range atts {
					fmt.Fprintf(out, "Attachment: %s (%s, %d bytes)\n", att.Filename, att.ContentType, att.Size)
				}
				fmt.Fprintln(out, "")
				body := msg.BodyText
				if html || body == "" {
					body = msg.BodyHTML
				}
				fmt.Fprintln(out, body)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&html, "html", false, "Print the HTML body")

	return cmd
}
