// Package commands implements the gorpmactl CLI commands.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the top-level gorpmactl command.
var rootCmd = &cobra.Command{
	Use:   "gorpmactl",
	Short: "Client for the gorpma remote persistent-memory library",
	Long: `gorpmactl exercises the gorpma library end to end: it connects to a
remote-memory server, deserializes the served pool's descriptor from
connection private data, and issues one-sided reads, writes, and
flushes against the pool, plus two-sided echo probes against the
server's echo loop.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// verbose enables debug logging.
var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		newLogger().Error("command failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// newLogger builds the CLI logger honoring the --verbose flag.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
