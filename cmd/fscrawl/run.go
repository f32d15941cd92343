package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/redblackgraph/fscrawl/internal/config"
	"github.com/redblackgraph/fscrawl/internal/control"
	"github.com/redblackgraph/fscrawl/internal/engine"
	"github.com/redblackgraph/fscrawl/internal/fsapi"
	"github.com/redblackgraph/fscrawl/internal/ratelimit"
	"github.com/redblackgraph/fscrawl/internal/storage"
	"github.com/redblackgraph/fscrawl/internal/storage/sqlite"
	"github.com/redblackgraph/fscrawl/internal/telemetry"
	"github.com/redblackgraph/fscrawl/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start or continue a crawl",
	Long: `Start a crawl from the given seed persons, or continue one whose
database already exists (seeds are only applied to an empty database).

EXAMPLES:
Crawl four hops out from one person:
  fscrawl run --out-dir ./out --basename smith --seeds KWQS-BBQ --max-hopcount 4

Throttle harder and allow pausing via a control file:
  fscrawl run --seeds KWQS-BBQ --rps 1 --pause-file /tmp/fscrawl.ctl`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyFlagOverrides(cmd)
		return runCrawl(cmd.Context(), false)
	},
}

func init() {
	addRunFlags(runCmd)
}

// addRunFlags declares the shared run/resume flag set.
func addRunFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("out-dir", ".", "directory for the database and sidecar files")
	flags.String("basename", "crawl", "basename for the database (<basename>.db)")
	flags.StringSlice("seeds", nil, "seed person ids (ignored when the database has state)")
	flags.Int("max-hopcount", 4, "BFS hop budget")
	flags.String("pause-file", "", "control file polled for pause/resume/stop")
	flags.String("metrics-file", "", "JSON-lines metrics stream path")
	flags.String("token", "", "FamilySearch session token")
	flags.String("base-url", "", "API base URL (for testing)")
	flags.Float64("rps", 0, "aggregate requests per second")
}

// applyFlagOverrides copies explicitly set flags into the configuration
// singleton. Runs after config.Initialize so flags win over environment
// and config file.
func applyFlagOverrides(cmd *cobra.Command) {
	bind := map[string]string{
		"out-dir":      "out-dir",
		"basename":     "basename",
		"seeds":        "seeds",
		"max-hopcount": "max-hopcount",
		"pause-file":   "pause-file",
		"metrics-file": "metrics-file",
		"token":        "api.token",
		"base-url":     "api.base-url",
		"rps":          "throttle.requests-per-second",
	}
	for flagName, key := range bind {
		f := cmd.Flags().Lookup(flagName)
		if f == nil || !f.Changed {
			continue
		}
		if flagName == "seeds" {
			// Slice flags stringify as "[a,b]"; keep the real slice.
			if seeds, err := cmd.Flags().GetStringSlice("seeds"); err == nil {
				config.Set(key, seeds)
			}
			continue
		}
		config.Set(key, f.Value.String())
	}
}

// runCrawl wires the store, rate controller, API client, control plane
// and engine together and runs the crawl to completion.
func runCrawl(ctx context.Context, requireExisting bool) error {
	log := newLogger()

	dbPath := config.DatabasePath()
	store, err := sqlite.Open(ctx, dbPath, sqlite.Options{CreateIfMissing: !requireExisting})
	if err != nil {
		return fmt.Errorf("open %s: %w", dbPath, err)
	}
	defer store.Close()

	seeds := config.GetStringSlice("seeds")
	if !requireExisting && len(seeds) > 0 {
		if err := store.SeedFrontierIfEmpty(ctx, seeds); err != nil {
			return err
		}
		if err := store.SetMetadata(ctx, storage.MetaSeeds, strings.Join(seeds, ",")); err != nil {
			return err
		}
	}
	if err := store.SetMetadata(ctx, storage.MetaMaxHopcount, fmt.Sprint(config.GetInt("max-hopcount"))); err != nil {
		return err
	}

	throttle := config.Throttle()
	if tj, err := json.Marshal(throttle); err == nil {
		if err := store.SetMetadata(ctx, storage.MetaThrottleConfig, string(tj)); err != nil {
			return err
		}
	}
	if err := config.SaveSettings(); err != nil {
		log.Warn("failed to write settings file", "error", err)
	}

	events := telemetry.Nop()
	if path := config.GetString("metrics-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open metrics file: %w", err)
		}
		defer f.Close()
		events = telemetry.New(f)
	}

	session, err := fsapi.NewSession(config.GetString("api.base-url"), config.GetString("api.token"), config.GetDuration("api.timeout"))
	if err != nil {
		return err
	}
	client := fsapi.NewClient(session)
	limiter := ratelimit.New(throttle)

	plane := control.New(limiter, store, events, log)
	plane.PauseFile = config.GetString("pause-file")
	plane.CheckpointInterval = config.GetDuration("checkpoint-interval")
	runCtx := plane.Start(ctx)
	defer plane.Shutdown()

	var precedence []types.RelationshipType
	for _, name := range config.GetStringSlice("resolver-precedence") {
		precedence = append(precedence, types.RelationshipType(name))
	}

	eng := engine.New(store, client, limiter, events, log, engine.Config{
		MaxHopcount:        config.GetInt("max-hopcount"),
		DrainLimit:         config.GetInt("drain-limit"),
		PersonsPerRequest:  config.GetInt("persons-per-request"),
		CheckpointPayloads: config.GetInt("checkpoint-payloads"),
		InterBatchDelay:    config.GetDuration("inter-batch-delay"),
		ResolverPrecedence: precedence,
		ShutdownGrace:      config.GetDuration("shutdown-grace"),
	})

	started := time.Now()
	runErr := eng.Run(runCtx)

	printSummary(store, client, time.Since(started))

	if errors.Is(runErr, engine.ErrStopped) {
		log.Info("run stopped; state checkpointed", "db", dbPath)
		return nil
	}
	return runErr
}

// printSummary prints the end-of-run line: individuals crawled, frontier
// left, elapsed time, requests issued.
func printSummary(store storage.Store, client *fsapi.Client, elapsed time.Duration) {
	st, err := store.GetStatus(context.Background())
	if err != nil {
		return
	}
	fmt.Printf("crawled %d individuals (%d edges), %d in frontier, %d HTTP requests in %s [%s]\n",
		st.VertexCount, st.EdgeCount, st.FrontierDepth, client.RequestCount(),
		elapsed.Round(time.Second), st.RunStatus)
}
