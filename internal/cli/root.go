// Package cli implements the tootarchive command line.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryan-buckman/tootarchive/internal/config"
)

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree. Each call gets its own viper
// instance so tests can run commands side by side.
func NewRootCmd() *cobra.Command {
	v := config.NewViper()
	var cfgFile string
	var cfg *config.Config

	root := &cobra.Command{
		Use:   "tootarchive",
		Short: "Mirror a Mastodon account's posts and media locally",
		Long: `tootarchive keeps a local archive of one Mastodon account.

Each cycle fetches posts newer than the newest archived one, backfills
posts older than the oldest archived one, then downloads the media
attachments of posts that have not been scanned yet.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(v, cfgFile)
			return err
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	flags.String("db-path", "", "SQLite database file")
	flags.String("database-url", "", "PostgreSQL connection string (overrides --db-path)")
	flags.String("media-path", "", "directory for downloaded media")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "console or json")
	bindFlags(v, root, map[string]string{
		"db_path":      "db-path",
		"database_url": "database-url",
		"media_path":   "media-path",
		"log_level":    "log-level",
		"log_format":   "log-format",
	})

	// Subcommands read the loaded config through this closure.
	loaded := func() *config.Config { return cfg }
	root.AddCommand(
		newServeCmd(v, loaded),
		newSyncCmd(loaded),
		newMediaCmd(loaded),
		newCycleCmd(loaded),
		newStatusCmd(loaded),
		newMigrateCmd(loaded),
	)
	return root
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		_ = v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag))
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
