package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"mailsync/internal/attachment"

	"github.com/spf13/cobra"
)

func newAttachmentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attachments",
		Short: "Attachment operations",
	}
	cmd.AddCommand(newAttachmentsSaveCmd())
	return cmd
}

func newAttachmentsSaveCmd() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "save <id>",
		Short: "Save the attachments of a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputDir == "" {
				outputDir = "."
			}
			return withApp(func(a *app) error {
				atts, err := a.store.ListAttachments(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(atts) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No attachments found.")
					return nil
				}
				if err := os.MkdirAll(outputDir, 0o755); err != nil {
					return err
				}

				for i, att := range atts {
					data, err := a.attachments.Read(attachment.LocatorOf(att))
					if err != nil {
						return err
					}
					name := fmt.Sprintf("attachment-%d", i+1)
					if att.Filename != "" {
						name = attachment.SanitizeFilename(att.Filename)
					}
					path := filepath.Join(outputDir, name)
					if err := os.WriteFile(path, data, 0o600); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), path)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&outputDir, "output", ".", "Output directory")

	return cmd
}
