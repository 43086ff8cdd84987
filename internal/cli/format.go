package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"mailsync/internal/mailerr"
	"mailsync/internal/store"
	"mailsync/internal/syncer"
)

func printMessages(out io.Writer, messages []store.Message) {
	tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFOLDER\tDATE\tFLAGS\tFROM\tSUBJECT")
	for _, msg := range messages {
		date := ""
		if !msg.ReceivedAt.IsZero() {
			date = msg.ReceivedAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", msg.ID, msg.Folder, date, flagsOf(msg), msg.Sender, msg.Subject)
	}
	_ = tw.Flush()
}

// flagsOf renders N (unread), S (sent), A (attachments) and D (gone from
// the server).
func flagsOf(msg store.Message) string {
	flags := []byte("----")
	if !msg.IsRead {
		flags[0] = 'N'
	}
	if msg.IsSent {
		flags[1] = 'S'
	}
	if msg.HasAttachments {
		flags[2] = 'A'
	}
	if msg.IsDeletedRemote {
		flags[3] = 'D'
	}
	return string(flags)
}

func printFolderResult(out io.Writer, r syncer.FolderResult) {
	if r.Skipped {
		fmt.Fprintf(out, "%-24s skipped: %v\n", r.Folder, r.Err)
		return
	}
	line := fmt.Sprintf("%-24s new %d, updated %d, moved %d, deleted %d, gone remotely %d",
		r.Folder, r.New, r.Updated, r.Moved, r.Deleted, r.SoftDeleted)
	if !r.MappingComplete {
		line += " (partial uid mapping)"
	}
	if r.Err != nil {
		line += fmt.Sprintf(" error: %v", r.Err)
	}
	fmt.Fprintln(out, line)
}

func printReport(out io.Writer, rep syncer.Report) {
	if rep.Skipped {
		fmt.Fprintln(out, "Sync already running, skipped.")
		return
	}
	t := rep.Totals()
	fmt.Fprintf(out, "Synced %d folders in %s: %d new, %d updated, %d moved, %d deleted, %d gone remotely\n",
		len(rep.Folders), rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond),
		t.New, t.Updated, t.Moved, t.Deleted, t.SoftDeleted)
	if failed := rep.Failed(); len(failed) > 0 {
		fmt.Fprintf(out, "Failed folders: %v\n", failed)
	}
}

func printOutcome(out io.Writer, done string, o mailerr.Outcome) error {
	if !o.OK() {
		return o.Err
	}
	fmt.Fprintln(out, done)
	for _, w := range o.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	return nil
}
