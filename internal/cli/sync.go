package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mailsync/internal/config"
	"mailsync/internal/syncer"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var folder string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if err := config.ValidateIMAP(a.cfg); err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				coord := a.coordinator()
				out := cmd.OutOrStdout()
				done := printEvents(out, coord.Hub(), a.cfg.Auth.Principal)

				rep, err := coord.SyncNow(ctx, a.cfg.Auth.Principal, folder)
				done()
				if err != nil {
					return err
				}
				if failed := rep.Failed(); len(failed) > 0 {
					return fmt.Errorf("%d folders failed", len(failed))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&folder, "folder", "", "Sync only this folder")

	return cmd
}

func newServeCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Sync periodically until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if err := config.ValidateIMAP(a.cfg); err != nil {
					return err
				}
				if cmd.Flags().Changed("interval") {
					a.cfg.Sync.Interval = interval
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				coord := a.coordinator()
				done := printEvents(cmd.OutOrStdout(), coord.Hub(), a.cfg.Auth.Principal)
				defer done()

				// SIGHUP asks for an immediate cycle.
				hup := make(chan os.Signal, 1)
				signal.Notify(hup, syscall.SIGHUP)
				defer signal.Stop(hup)

				a.log.Info().Dur("interval", a.cfg.Sync.Interval).Msg("Sync service started")
				coord.Start(ctx)
				for {
					select {
					case <-ctx.Done():
						coord.Stop()
						a.log.Info().Msg("Sync service stopped")
						return nil
					case <-hup:
						if !coord.Trigger(a.cfg.Auth.Principal, "") {
							a.log.Warn().Msg("Sync request dropped, one is already queued")
						}
					}
				}
			})
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "Time between sync cycles (overrides sync.interval)")

	return cmd
}

// printEvents prints hub events for principal until the returned function
// is called.
func printEvents(out io.Writer, hub *syncer.Hub, principal string) func() {
	events, unsubscribe := hub.Subscribe(principal, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			switch ev.Kind {
			case syncer.EventStarted:
				fmt.Fprintf(out, "%s sync started\n", ev.At.Local().Format(time.TimeOnly))
			case syncer.EventFolderDone:
				if ev.Result != nil {
					printFolderResult(out, *ev.Result)
				}
			case syncer.EventSkipped:
				fmt.Fprintln(out, "sync skipped, another one is running")
			case syncer.EventFailed:
				fmt.Fprintf(out, "sync failed: %v\n", ev.Err)
			case syncer.EventCompleted:
				if ev.Report != nil {
					printReport(out, *ev.Report)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			wg.Wait()
		})
	}
}
