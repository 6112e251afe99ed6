// Package orchestrator drives ingestion sessions: it loads the rule
// table, executes each active rule in order, writes statuses back and
// applies log retention.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/telhawk-systems/tablesync/internal/lifecycle"
	"github.com/telhawk-systems/tablesync/internal/locator"
	"github.com/telhawk-systems/tablesync/internal/logging"
	"github.com/telhawk-systems/tablesync/internal/mailstore"
	"github.com/telhawk-systems/tablesync/internal/metrics"
	"github.com/telhawk-systems/tablesync/internal/models"
	"github.com/telhawk-systems/tablesync/internal/processor"
	"github.com/telhawk-systems/tablesync/internal/resource"
	"github.com/telhawk-systems/tablesync/internal/retry"
	"github.com/telhawk-systems/tablesync/internal/rulesource"
	"github.com/telhawk-systems/tablesync/internal/sessionlog"
	"github.com/telhawk-systems/tablesync/internal/tracker"
	"github.com/telhawk-systems/tablesync/internal/verify"
)

// Deps are the orchestrator's collaborators. Mail may be nil when no
// message archive is configured; message rules then fail individually.
type Deps struct {
	Store   resource.Store
	Repo    sessionlog.Repository
	Rules   *rulesource.Table
	Tracker *tracker.Tracker
	Mail    *mailstore.Client
	Log     *logging.Logger

	Retry         *retry.Executor
	Verify        verify.Config
	BatchSize     int
	MaxLogEntries int
}

type Orchestrator struct {
	deps Deps
}

func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps}
}

// RunAll executes every active rule once, in table order. A failing rule
// is recorded and the session moves on; only infrastructure failures
// (rule table unreadable) abort the session.
func (o *Orchestrator) RunAll(ctx context.Context, sessionID string) (*models.Session, error) {
	d := o.deps
	sess := models.NewSession(sessionID)
	metrics.SessionsStarted.Inc()

	rec := sessionlog.NewRecorder(d.Repo, d.Log, sess.ID)
	if err := d.Tracker.Start(ctx, sess.ID); err != nil {
		d.Log.Warn("failed to register run state", "session_id", sess.ID, "error", err)
	}
	defer func() {
		if err := d.Tracker.Finish(ctx, sess.ID); err != nil {
			d.Log.Warn("failed to clear run state", "session_id", sess.ID, "error", err)
		}
	}()

	rec.Event(ctx, "", models.EventStart, "ingestion session started")

	rules, err := d.Rules.Load(ctx)
	if err != nil {
		rec.Event(ctx, "", models.EventError, fmt.Sprintf("failed to load rules: %v", err))
		return sess, fmt.Errorf("failed to load rules: %w", err)
	}

	pipe := o.buildPipeline(rec)

	for _, rule := range rules {
		if !rule.Active {
			rec.Event(ctx, rule.ID, models.EventSkipped, "rule is inactive")
			sess.Outcomes = append(sess.Outcomes, models.RuleOutcome{
				RuleID: rule.ID, Result: models.ResultSkipped, Message: "rule is inactive",
			})
			continue
		}

		outcome := pipe.Execute(ctx, rule)
		sess.Outcomes = append(sess.Outcomes, outcome)

		status := models.RunStatus{
			Timestamp: time.Now().UTC(),
			Result:    string(outcome.Result),
			Message:   outcome.Message,
		}
		if err := d.Rules.WriteStatus(ctx, rule, status); err != nil {
			rec.Event(ctx, rule.ID, models.EventWarning, fmt.Sprintf("failed to write rule status: %v", err))
		}
	}

	rec.EventMetrics(ctx, "", models.EventInfo, o.summarize(sess), totalRows(sess), time.Since(sess.StartTime))

	if d.MaxLogEntries > 0 {
		trimmed, err := d.Repo.TrimLogs(ctx, d.MaxLogEntries)
		if err != nil {
			d.Log.Warn("log retention trim failed", "session_id", sess.ID, "error", err)
		} else if trimmed > 0 {
			metrics.LogEntriesTrimmed.Add(float64(trimmed))
			d.Log.Info("trimmed session log", "session_id", sess.ID, "removed", trimmed)
		}
	}

	return sess, nil
}

// Validate loads the rule table and reports configuration problems in
// active rules without executing anything.
func (o *Orchestrator) Validate(ctx context.Context) []error {
	rules, err := o.deps.Rules.Load(ctx)
	if err != nil {
		return []error{err}
	}

	var errs []error
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if err := rule.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
		}
	}
	return errs
}

func (o *Orchestrator) buildPipeline(rec *sessionlog.Recorder) *processor.Pipeline {
	d := o.deps
	loc := locator.New(d.Store.DefaultResource())

	sources := []processor.Source{
		processor.NewPushSource(d.Store),
		processor.NewRemoteSource(d.Store, loc),
	}
	if d.Mail != nil {
		sources = append(sources, processor.NewMessageSource(d.Mail))
	}

	return processor.NewPipeline(processor.PipelineConfig{
		Store:     d.Store,
		Locator:   loc,
		Lifecycle: lifecycle.NewManager(d.Store, d.Log),
		Retry:     d.Retry,
		Tracker:   d.Tracker,
		Recorder:  rec,
		Verifier:  verify.NewEngine(d.Store, d.Verify),
		Log:       d.Log,
		BatchSize: d.BatchSize,
	}, sources...)
}

func (o *Orchestrator) summarize(sess *models.Session) string {
	counts := map[models.OutcomeResult]int{}
	for _, out := range sess.Outcomes {
		counts[out.Result]++
	}
	return fmt.Sprintf("session complete: %d rules, %d success, %d error, %d no-data, %d skipped, %d cancelled",
		len(sess.Outcomes), counts[models.ResultSuccess], counts[models.ResultError],
		counts[models.ResultNoData], counts[models.ResultSkipped], counts[models.ResultCancelled])
}

func totalRows(sess *models.Session) int {
	total := 0
	for _, out := range sess.Outcomes {
		total += out.Rows
	}
	return total
}
