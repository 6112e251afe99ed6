// Package processor executes ingestion rules: fetch from the rule's
// source, write to the destination under the rule's write mode, then
// verify.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/tablesync/internal/lifecycle"
	"github.com/telhawk-systems/tablesync/internal/locator"
	"github.com/telhawk-systems/tablesync/internal/logging"
	"github.com/telhawk-systems/tablesync/internal/metrics"
	"github.com/telhawk-systems/tablesync/internal/models"
	"github.com/telhawk-systems/tablesync/internal/resource"
	"github.com/telhawk-systems/tablesync/internal/retry"
	"github.com/telhawk-systems/tablesync/internal/sessionlog"
	"github.com/telhawk-systems/tablesync/internal/tracker"
	"github.com/telhawk-systems/tablesync/internal/verify"
)

const defaultBatchSize = 500

// Source fetches a rule's data as a grid. Implementations return
// models.ErrNoData when the source legitimately has nothing to offer.
type Source interface {
	Method() models.SourceMethod
	Fetch(ctx context.Context, rule *models.IngestRule) (resource.Grid, error)
}

// Pipeline wires a rule through fetch, destination preparation, batched
// writes and post-write verification.
type Pipeline struct {
	store     resource.Store
	loc       *locator.Locator
	life      *lifecycle.Manager
	retry     *retry.Executor
	track     *tracker.Tracker
	rec       *sessionlog.Recorder
	verifier  *verify.Engine
	log       *logging.Logger
	sources   map[models.SourceMethod]Source
	batchSize int
}

type PipelineConfig struct {
	Store     resource.Store
	Locator   *locator.Locator
	Lifecycle *lifecycle.Manager
	Retry     *retry.Executor
	Tracker   *tracker.Tracker
	Recorder  *sessionlog.Recorder
	Verifier  *verify.Engine
	Log       *logging.Logger
	BatchSize int
}

func NewPipeline(cfg PipelineConfig, sources ...Source) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	p := &Pipeline{
		store:     cfg.Store,
		loc:       cfg.Locator,
		life:      cfg.Lifecycle,
		retry:     cfg.Retry,
		track:     cfg.Tracker,
		rec:       cfg.Recorder,
		verifier:  cfg.Verifier,
		log:       cfg.Log,
		sources:   make(map[models.SourceMethod]Source, len(sources)),
		batchSize: cfg.BatchSize,
	}
	for _, s := range sources {
		p.sources[s.Method()] = s
	}
	return p
}

// Execute runs one rule end to end. The returned outcome is always
// populated; errors inside a rule become an error outcome, they never
// propagate as Go errors so one broken rule cannot stop a session.
func (p *Pipeline) Execute(ctx context.Context, rule *models.IngestRule) models.RuleOutcome {
	started := time.Now()
	sessionID := p.rec.SessionID()

	outcome := func(result models.OutcomeResult, rows int, msg string) models.RuleOutcome {
		d := time.Since(started)
		metrics.RulesProcessed.WithLabelValues(string(result)).Inc()
		metrics.RuleDuration.WithLabelValues(string(rule.Method)).Observe(d.Seconds())
		return models.RuleOutcome{RuleID: rule.ID, Result: result, Message: sessionlog.Truncate(msg), Rows: rows, Duration: d}
	}

	p.rec.Event(ctx, rule.ID, models.EventStart, fmt.Sprintf("processing rule via %s", rule.Method))

	if err := rule.Validate(); err != nil {
		p.rec.Event(ctx, rule.ID, models.EventError, err.Error())
		return outcome(models.ResultError, 0, err.Error())
	}

	src, ok := p.sources[rule.Method]
	if !ok {
		msg := fmt.Sprintf("no source registered for method %q", rule.Method)
		p.rec.Event(ctx, rule.ID, models.EventError, msg)
		return outcome(models.ResultError, 0, msg)
	}

	// Copy-format short-circuits the grid pipeline: the backend moves the
	// table verbatim and only dimensions are verifiable afterwards.
	if rule.Mode == models.ModeCopyFormat {
		return p.executeCopyFormat(ctx, rule, outcome)
	}

	var grid resource.Grid
	err := p.retry.Do(ctx, func() error {
		var ferr error
		grid, ferr = src.Fetch(ctx, rule)
		return ferr
	})
	if err != nil {
		if errors.Is(err, models.ErrNoData) {
			return p.noData(ctx, rule, outcome)
		}
		p.rec.Event(ctx, rule.ID, models.EventError, fmt.Sprintf("fetch failed: %v", err))
		return outcome(models.ResultError, 0, fmt.Sprintf("fetch failed: %v", err))
	}
	if grid.Rows() == 0 {
		return p.noData(ctx, rule, outcome)
	}

	p.rec.EventMetrics(ctx, rule.ID, models.EventInfo,
		fmt.Sprintf("fetched %d rows x %d columns", grid.Rows(), grid.Cols()), grid.Rows(), 0)

	destID, err := p.resolveResource(ctx, rule.DestResource)
	if err != nil {
		p.rec.Event(ctx, rule.ID, models.EventError, fmt.Sprintf("destination resolution failed: %v", err))
		return outcome(models.ResultError, 0, fmt.Sprintf("destination resolution failed: %v", err))
	}

	prior, err := p.life.Open(ctx, destID, rule.DestTable, rule.Mode)
	if err != nil {
		p.rec.Event(ctx, rule.ID, models.EventError, fmt.Sprintf("destination preparation failed: %v", err))
		return outcome(models.ResultError, 0, fmt.Sprintf("destination preparation failed: %v", err))
	}

	// Appending to a destination that already has content drops the
	// source header row; an empty destination keeps it as row zero.
	toWrite := grid
	headerSkipped := false
	if rule.Mode == models.ModeAppend && prior > 0 && grid.Rows() > 1 {
		toWrite = grid[1:]
		headerSkipped = true
	}

	written, err := p.writeBatched(ctx, rule, destID, prior, toWrite)
	if err != nil {
		if errors.Is(err, errCancelled) {
			p.rec.Event(ctx, rule.ID, models.EventCancelled, "run cancelled by operator")
			return outcome(models.ResultCancelled, written, "run cancelled by operator")
		}
		p.rec.Event(ctx, rule.ID, models.EventError, fmt.Sprintf("write failed after %d rows: %v", written, err))
		return outcome(models.ResultError, written, fmt.Sprintf("write failed: %v", err))
	}
	metrics.RowsWritten.WithLabelValues(string(rule.Method)).Add(float64(written))

	res, err := p.verifier.Verify(ctx, sessionID, rule, grid, verify.WriteOutcome{
		DestResourceID: destID,
		Mode:           rule.Mode,
		PriorRows:      prior,
		HeaderSkipped:  headerSkipped,
		Written:        written,
	})
	if err != nil {
		p.rec.Event(ctx, rule.ID, models.EventError, fmt.Sprintf("verification failed to run: %v", err))
		return outcome(models.ResultError, written, fmt.Sprintf("verification failed to run: %v", err))
	}
	p.rec.Verification(ctx, res.Record)
	if res.Diagnostic != nil {
		p.rec.Diagnostic(ctx, res.Diagnostic)
	}
	if !res.Record.Passed() {
		metrics.VerificationFailures.Inc()
		verr := &models.VerificationError{Record: res.Record}
		p.rec.Event(ctx, rule.ID, models.EventError, verr.Error())
		return outcome(models.ResultError, written, verr.Error())
	}

	msg := fmt.Sprintf("wrote %d rows to %s", written, rule.DestTable)
	p.rec.EventMetrics(ctx, rule.ID, models.EventSuccess, msg, written, time.Since(started))
	return outcome(models.ResultSuccess, written, msg)
}

// errCancelled aborts a batched write when the tracker's flag is set.
var errCancelled = errors.New("cancelled")

// writeBatched writes the grid in batches, polling for operator
// cancellation between batches and retrying each batch independently.
func (p *Pipeline) writeBatched(ctx context.Context, rule *models.IngestRule, destID string, startRow int, grid resource.Grid) (int, error) {
	sessionID := p.rec.SessionID()
	total := grid.Rows()
	written := 0

	for written < total {
		if p.track.IsCancelled(ctx, sessionID) {
			return written, errCancelled
		}

		end := written + p.batchSize
		if end > total {
			end = total
		}
		batch := grid[written:end]

		err := p.retry.Do(ctx, func() error {
			return p.store.WriteRows(ctx, destID, rule.DestTable, startRow+written, batch)
		})
		if err != nil {
			return written, err
		}
		written = end

		if err := p.track.Update(ctx, sessionID, "writing", rule.ID, written, total); err != nil {
			p.log.Warn("failed to publish progress", "rule_id", rule.ID, "error", err)
		}
	}
	return written, nil
}

// executeCopyFormat moves a remote table verbatim, formatting included,
// and verifies dimensions only.
func (p *Pipeline) executeCopyFormat(ctx context.Context, rule *models.IngestRule, outcome func(models.OutcomeResult, int, string) models.RuleOutcome) models.RuleOutcome {
	srcID, err := p.resolveResource(ctx, rule.SourceResource)
	if err != nil {
		p.rec.Event(ctx, rule.ID, models.EventError, fmt.Sprintf("source resolution failed: %v", err))
		return outcome(models.ResultError, 0, fmt.Sprintf("source resolution failed: %v", err))
	}
	destID, err := p.resolveResource(ctx, rule.DestResource)
	if err != nil {
		p.rec.Event(ctx, rule.ID, models.EventError, fmt.Sprintf("destination resolution failed: %v", err))
		return outcome(models.ResultError, 0, fmt.Sprintf("destination resolution failed: %v", err))
	}

	srcRows, srcCols, err := p.store.Dims(ctx, srcID, rule.SourceTable)
	if err != nil {
		p.rec.Event(ctx, rule.ID, models.EventError, fmt.Sprintf("failed to read source dimensions: %v", err))
		return outcome(models.ResultError, 0, fmt.Sprintf("failed to read source dimensions: %v", err))
	}
	if srcRows == 0 {
		return p.noData(ctx, rule, outcome)
	}

	err = p.retry.Do(ctx, func() error {
		return p.store.CopyTableFormatted(ctx, srcID, rule.SourceTable, destID, rule.DestTable)
	})
	if err != nil {
		p.rec.Event(ctx, rule.ID, models.EventError, fmt.Sprintf("formatted copy failed: %v", err))
		return outcome(models.ResultError, 0, fmt.Sprintf("formatted copy failed: %v", err))
	}
	metrics.RowsWritten.WithLabelValues(string(rule.Method)).Add(float64(srcRows))

	res, err := p.verifier.VerifyDims(ctx, p.rec.SessionID(), rule, srcRows, srcCols, verify.WriteOutcome{
		DestResourceID: destID,
		Mode:           rule.Mode,
		Written:        srcRows,
	})
	if err != nil {
		p.rec.Event(ctx, rule.ID, models.EventError, fmt.Sprintf("verification failed to run: %v", err))
		return outcome(models.ResultError, srcRows, fmt.Sprintf("verification failed to run: %v", err))
	}
	p.rec.Verification(ctx, res.Record)
	if !res.Record.Passed() {
		metrics.VerificationFailures.Inc()
		verr := &models.VerificationError{Record: res.Record}
		p.rec.Event(ctx, rule.ID, models.EventError, verr.Error())
		return outcome(models.ResultError, srcRows, verr.Error())
	}

	msg := fmt.Sprintf("copied %d rows with formatting to %s", srcRows, rule.DestTable)
	p.rec.EventMetrics(ctx, rule.ID, models.EventSuccess, msg, srcRows, 0)
	return outcome(models.ResultSuccess, srcRows, msg)
}

// noData closes out a rule whose source had nothing. Fatal only when the
// rule requires data.
func (p *Pipeline) noData(ctx context.Context, rule *models.IngestRule, outcome func(models.OutcomeResult, int, string) models.RuleOutcome) models.RuleOutcome {
	if rule.RequireData {
		msg := "source produced no data but the rule requires it"
		p.rec.Event(ctx, rule.ID, models.EventError, msg)
		return outcome(models.ResultError, 0, msg)
	}
	p.rec.Event(ctx, rule.ID, models.EventNoData, "source produced no data")
	return outcome(models.ResultNoData, 0, "source produced no data")
}

// resolveResource maps a rule's resource reference to a store id. Empty
// references mean the ambient resource; URLs go through the locator;
// anything else is tried as an id, then a name, then locator validation.
func (p *Pipeline) resolveResource(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return p.store.DefaultResource(), nil
	}
	if strings.Contains(ref, "://") {
		return p.loc.Resolve(ref)
	}
	if ok, err := p.store.ResourceExists(ctx, ref); err == nil && ok {
		return ref, nil
	}
	if id, err := p.store.FindResourceByName(ctx, ref); err == nil {
		return id, nil
	}
	return p.loc.Resolve(ref)
}
