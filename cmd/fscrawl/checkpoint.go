package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/redblackgraph/fscrawl/internal/config"
	"github.com/redblackgraph/fscrawl/internal/storage"
	"github.com/redblackgraph/fscrawl/internal/storage/sqlite"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect a crawl database",
	Long: `Inspect a crawl database without disturbing a live run. The database
is opened read-only, so this works while a crawler holds the lock.

EXAMPLES:
  fscrawl checkpoint --status --out-dir ./out --basename smith`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyFlagOverrides(cmd)
		showStatus, _ := cmd.Flags().GetBool("status")
		if !showStatus {
			return fmt.Errorf("nothing to do: pass --status")
		}
		return printStatus(cmd.Context())
	},
}

func init() {
	addRunFlags(checkpointCmd)
	checkpointCmd.Flags().Bool("status", false, "print crawl status as JSON")
}

func printStatus(ctx context.Context) error {
	store, err := sqlite.Open(ctx, config.DatabasePath(), sqlite.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.GetStatus(ctx)
	if err != nil {
		return err
	}
	type statusOut struct {
		Database  string `json:"database"`
		Seeds     string `json:"seeds,omitempty"`
		LastEvent string `json:"last_checkpoint_event,omitempty"`
		LastTS    string `json:"last_checkpoint_ts,omitempty"`
		Status    any    `json:"status"`
	}
	out := statusOut{Database: config.DatabasePath(), Status: st}
	out.Seeds, _ = store.GetMetadata(ctx, storage.MetaSeeds)
	out.LastEvent, _ = store.GetMetadata(ctx, storage.MetaLastCheckpointEvent)
	out.LastTS, _ = store.GetMetadata(ctx, storage.MetaLastCheckpointTS)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
