// fscrawl is a polite breadth-first crawler for the FamilySearch shared
// tree. It expands an ancestor graph hop by hop from a set of seed
// persons, persisting everything in a single SQLite database that a
// killed run can resume from.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/redblackgraph/fscrawl/internal/config"
	"github.com/redblackgraph/fscrawl/internal/engine"
	"github.com/redblackgraph/fscrawl/internal/fsapi"
	"github.com/redblackgraph/fscrawl/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "fscrawl",
	Short: "Breadth-first FamilySearch tree crawler",
	Long: `fscrawl crawls the FamilySearch shared tree outward from seed persons,
one BFS hop per iteration, and stores the resulting ancestor graph in a
single SQLite database.

The database is the only state: a run killed at any point resumes from
its last checkpoint with 'fscrawl resume'. A pause file or SIGUSR1
pauses and resumes a live run without losing work.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.Initialize()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(checkpointCmd)
}

// newLogger builds the run logger: human-readable lines on stderr, plus a
// rotated copy in <log.file> when configured.
func newLogger() *slog.Logger {
	var w io.Writer = os.Stderr
	if path := config.GetString("log.file"); path != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    config.GetInt("log.max-size-mb"),
			MaxBackups: config.GetInt("log.max-backups"),
		})
	}
	level := slog.LevelInfo
	if config.GetString("log.level") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// exitCode maps a run error to the process exit code: 2 for an expired
// session, 3 for a corrupted database, 1 otherwise. A cooperative stop is
// a clean exit.
func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, engine.ErrStopped):
		return 0
	case errors.Is(err, fsapi.ErrAuthExpired):
		return 2
	case errors.Is(err, storage.ErrIntegrity):
		return 3
	default:
		return 1
	}
}

func main() {
	err := rootCmd.Execute()
	if err != nil && !errors.Is(err, engine.ErrStopped) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCode(err))
}
