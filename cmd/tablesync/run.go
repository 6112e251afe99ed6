package main

import (
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/tablesync/internal/models"
)

var (
	runSessionID     string
	runSkipMigrate   bool
	migrationsSource = "file://migrations"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute all active ingestion rules once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		if !runSkipMigrate {
			if err := runMigrations(rt.cfg.Database.URL); err != nil {
				return err
			}
		}

		if rt.cfg.Metrics.Enabled {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: rt.cfg.Metrics.Addr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					rt.log.Warn("metrics server stopped", "error", err)
				}
			}()
			defer srv.Close()
		}

		sess, err := rt.orch.RunAll(ctx, runSessionID)
		if err != nil {
			return err
		}

		failed := 0
		for _, out := range sess.Outcomes {
			if out.Result == models.ResultError {
				failed++
			}
		}
		rt.log.Info("session finished",
			"session_id", sess.ID, "rules", len(sess.Outcomes), "failed", failed)
		if failed > 0 {
			return fmt.Errorf("%d of %d rules failed", failed, len(sess.Outcomes))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runSessionID, "session-id", "", "externally assigned session id")
	runCmd.Flags().BoolVar(&runSkipMigrate, "skip-migrate", false, "skip database migrations on startup")
}

func runMigrations(dbURL string) error {
	m, err := migrate.New(migrationsSource, dbURL)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
