package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/tablesync/internal/config"
	"github.com/telhawk-systems/tablesync/internal/logging"
	"github.com/telhawk-systems/tablesync/internal/mailstore"
	"github.com/telhawk-systems/tablesync/internal/orchestrator"
	"github.com/telhawk-systems/tablesync/internal/resource"
	"github.com/telhawk-systems/tablesync/internal/retry"
	"github.com/telhawk-systems/tablesync/internal/rulesource"
	"github.com/telhawk-systems/tablesync/internal/sessionlog"
	"github.com/telhawk-systems/tablesync/internal/tracker"
	"github.com/telhawk-systems/tablesync/internal/verify"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tablesync",
	Short: "Rule-driven tabular data ingestion engine",
	Long: `tablesync moves tabular data from message attachments, remote table
resources and push drop-off tables into destination tables, with
post-write verification and a session-correlated audit log.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	rootCmd.AddCommand(runCmd, validateCmd, sweepCmd, cancelCmd)
}

// runtime bundles the wired dependencies a command needs.
type runtime struct {
	cfg   *config.Config
	log   *logging.Logger
	store resource.Store
	repo  sessionlog.Repository
	rdb   *redis.Client
	track *tracker.Tracker
	orch  *orchestrator.Orchestrator
}

func (r *runtime) close() {
	if r.store != nil {
		r.store.Close()
	}
	if r.repo != nil {
		r.repo.Close()
	}
	if r.rdb != nil {
		r.rdb.Close()
	}
}

func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	log := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)

	rt := &runtime{cfg: cfg, log: log}

	store, err := resource.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.DefaultResource)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	rt.store = store

	repo, err := sessionlog.NewPostgresRepository(ctx, cfg.Database.URL)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	rt.repo = repo

	if cfg.Redis.Enabled {
		rt.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	rt.track = tracker.New(rt.rdb, cfg.Redis.StateTTL)

	var mail *mailstore.Client
	if cfg.Mailstore.BaseURL != "" {
		mail = mailstore.NewClient(cfg.Mailstore.BaseURL, cfg.Mailstore.Token)
	}

	rt.orch = orchestrator.New(orchestrator.Deps{
		Store:   store,
		Repo:    repo,
		Rules:   rulesource.NewTable(store, cfg.Rules.Resource, cfg.Rules.Table),
		Tracker: rt.track,
		Mail:    mail,
		Log:     log,
		Retry:   retry.New(cfg.Engine.RetryAttempts, cfg.Engine.RetryBase, cfg.Engine.RetryMax),
		Verify: verify.Config{
			CheckRows:       cfg.Verification.CheckRows,
			CheckColumns:    cfg.Verification.CheckColumns,
			CheckSamples:    cfg.Verification.CheckSamples,
			InteriorSamples: cfg.Verification.InteriorSamples,
			Seed:            cfg.Verification.SampleSeed,
		},
		BatchSize:     cfg.Engine.BatchSize,
		MaxLogEntries: cfg.Retention.MaxLogEntries,
	})

	return rt, nil
}
