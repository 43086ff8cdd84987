package cli

import (
	"fmt"

	"mailsync/internal/config"
	"mailsync/internal/email"
	"mailsync/internal/outbound"

	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var to string
	var cc string
	var bcc string
	var subject string
	var body string
	var bodyFile string
	var html string
	var htmlFile string
	var attachments []string

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send an email and keep a copy in the Sent folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := loadBody(body, bodyFile)
			if err != nil {
				return err
			}
			htmlBody, err := loadBody(html, htmlFile)
			if err != nil {
				return err
			}

			var files []email.Attachment
			for _, path := range attachments {
				att, err := email.LoadAttachment(path)
				if err != nil {
					return err
				}
				files = append(files, att)
			}

			return withApp(func(a *app) error {
				if err := config.ValidateSMTP(a.cfg); err != nil {
					return err
				}
				receipt, err := a.dispatcher().Send(cmd.Context(), a.cfg.Auth.Principal, outbound.ComposeRequest{
					To:          splitList(to),
					Cc:          splitList(cc),
					Bcc:         splitList(bcc),
					Subject:     subject,
					Text:        text,
					HTML:        htmlBody,
					Attachments: files,
				})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Sent %s (saved to %s)\n", receipt.MessageID, receipt.Folder)
				for _, w := range receipt.Warnings {
					fmt.Fprintf(out, "warning: %s\n", w)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Comma-separated recipients")
	cmd.Flags().StringVar(&cc, "cc", "", "Comma-separated CC recipients")
	cmd.Flags().StringVar(&bcc, "bcc", "", "Comma-separated BCC recipients")
	cmd.Flags().StringVar(&subject, "subject", "", "Message subject")
	cmd.Flags().StringVar(&body, "body", "", "Plain text body")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "Path to file containing the plain text body")
	cmd.Flags().StringVar(&html, "html", "", "HTML body")
	cmd.Flags().StringVar(&htmlFile, "html-file", "", "Path to file containing the HTML body")
	cmd.Flags().StringSliceVar(&attachments, "attachment", nil, "Attachment file paths (repeatable)")

	return cmd
}
