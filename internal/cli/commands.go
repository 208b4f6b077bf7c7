package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryan-buckman/tootarchive/internal/archive"
	"github.com/bryan-buckman/tootarchive/internal/config"
	"github.com/bryan-buckman/tootarchive/internal/database"
	"github.com/bryan-buckman/tootarchive/internal/scheduler"
	"github.com/bryan-buckman/tootarchive/internal/server"
)

type configFunc func() *config.Config

func newServeCmd(v *viper.Viper, cfg configFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a cycle now and then on the cron schedule",
		Long: `Run one cycle immediately, then one per tick of the cron schedule
until interrupted. A tick is skipped while the previous cycle is still
running. When a listen address is set, the admin API is served as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			poller, err := scheduler.NewPoller(a.cycle, a.cfg.CronSchedule, a.log.With("component", "scheduler"))
			if err != nil {
				return err
			}
			poller.Start()
			defer poller.Stop()

			errCh := make(chan error, 1)
			var srv *server.Server
			if a.cfg.ListenAddr != "" {
				srv = server.New(a.store, a.cycle, a.log.With("component", "api"))
				go func() { errCh <- srv.Start(a.cfg.ListenAddr) }()
			}

			select {
			case <-ctx.Done():
				a.log.Info(context.Background(), "shutting down")
			case err = <-errCh:
				a.log.Error(context.Background(), "server failed", "error", err)
			}

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if serr := srv.Shutdown(shutdownCtx); serr != nil {
					a.log.Error(shutdownCtx, "server shutdown", "error", serr)
				}
			}
			return err
		},
	}
	cmd.Flags().String("listen", "", "admin API listen address, e.g. :8080")
	cmd.Flags().String("schedule", "", "cron schedule")
	_ = v.BindPFlag("listen_addr", cmd.Flags().Lookup("listen"))
	_ = v.BindPFlag("cron_schedule", cmd.Flags().Lookup("schedule"))
	return cmd
}

func newSyncCmd(cfg configFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Fetch new posts and backfill older ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			report, err := a.syncer.Run(ctx)
			printSync(cmd.OutOrStdout(), report)
			return err
		},
	}
}

func newMediaCmd(cfg configFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "media",
		Short: "Download attachments of posts not yet scanned",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			report, err := a.scanner.Run(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "media: %d posts scanned, %d downloaded (%s), %d skipped, %d failed\n",
				report.Posts, report.Downloaded, humanize.Bytes(uint64(report.Bytes)), report.Skipped, report.Failed)
			return err
		},
	}
}

func newCycleCmd(cfg configFunc) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one sync followed by one media scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			report, err := a.cycle.Run(ctx)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if jerr := enc.Encode(report); jerr != nil {
					return errors.Join(err, jerr)
				}
				return err
			}
			printSync(cmd.OutOrStdout(), report.Sync)
			fmt.Fprintf(cmd.OutOrStdout(), "media: %d posts scanned, %d downloaded (%s)\n",
				report.Media.Posts, report.Media.Downloaded, humanize.Bytes(uint64(report.Media.Bytes)))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the cycle report as JSON")
	return cmd
}

func newStatusCmd(cfg configFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show archive statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := database.Open(cfg().DBPath, cfg().DatabaseURL)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "database:      %s\n", store.DatabaseType())
			fmt.Fprintf(out, "posts:         %s\n", humanize.Comma(stats.Posts))
			fmt.Fprintf(out, "pending media: %s\n", humanize.Comma(stats.PendingMedia))
			fmt.Fprintf(out, "newest id:     %s\n", orDash(stats.LatestID))
			fmt.Fprintf(out, "oldest id:     %s\n", orDash(stats.OldestID))
			return nil
		},
	}
}

func newMigrateCmd(cfg configFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening a store migrates it.
			store, err := database.Open(cfg().DBPath, cfg().DatabaseURL)
			if err != nil {
				return err
			}
			defer store.Close()

			version, err := database.SchemaVersion(cmd.Context(), store)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema at version %d\n", store.DatabaseType(), version)
			return nil
		},
	}
}

func printSync(w io.Writer, r archive.SyncReport) {
	if r.Forward.Ran {
		fmt.Fprintf(w, "forward:  %d pages, %d new, %d duplicate, %d failed\n",
			r.Forward.Pages, r.Forward.Inserted, r.Forward.Duplicates, r.Forward.Failed)
	}
	if r.Backward.Ran {
		fmt.Fprintf(w, "backward: %d pages, %d new, %d duplicate, %d failed\n",
			r.Backward.Pages, r.Backward.Inserted, r.Backward.Duplicates, r.Backward.Failed)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
