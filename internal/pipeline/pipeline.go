// Package pipeline runs the customer dimension stages in order. Every stage
// reads the table the previous stage persisted, so any stage can also be run
// on its own.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fmcg/dimpipe/internal/changefeed"
	"github.com/fmcg/dimpipe/internal/cleanse"
	"github.com/fmcg/dimpipe/internal/conform"
	"github.com/fmcg/dimpipe/internal/ingest"
	"github.com/fmcg/dimpipe/internal/lock"
	"github.com/fmcg/dimpipe/internal/lookup"
	"github.com/fmcg/dimpipe/internal/merge"
	"github.com/fmcg/dimpipe/internal/metrics"
	"github.com/fmcg/dimpipe/internal/report"
	"github.com/fmcg/dimpipe/internal/source"
	"github.com/fmcg/dimpipe/internal/state"
	"github.com/fmcg/dimpipe/internal/store"
	"github.com/fmcg/dimpipe/internal/table"
	"github.com/fmcg/dimpipe/internal/verify"
)

// Run statuses recorded in the report.
const (
	RunComplete = "complete"
	RunFailed   = "failed"
)

// StageStatus is reported to the callback whenever a stage changes state.
type StageStatus struct {
	Stage   state.Stage
	Status  string // pending, running, complete, failed, skipped
	Table   string
	Rows    int
	Version int64
	Elapsed time.Duration
	Err     error
}

// StatusCallback is called when a stage status updates.
type StatusCallback func(s StageStatus)

// Runner executes pipeline stages for one catalog and data source.
type Runner struct {
	Params  table.Params
	Store   store.Store
	Source  source.Reader
	Lookups *lookup.Tables
	Logger  *slog.Logger

	// Optional collaborators.
	State     *state.State
	StatePath string
	Metrics   *metrics.Metrics
	Publisher changefeed.Publisher
	Callback  StatusCallback

	// CreateParent makes bootstrap create an empty parent dimension when absent.
	CreateParent bool
	// Verify runs the post-run checks after a successful merge.
	Verify bool

	Now   func() time.Time
	RunID string

	Report *report.RunReport
}

// New creates a runner with a fresh run id.
func New(p table.Params, st store.Store, src source.Reader, lk *lookup.Tables, logger *slog.Logger) *Runner {
	runID := uuid.NewString()
	location := ""
	if src != nil {
		location = src.Location()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Params:  p,
		Store:   st,
		Source:  src,
		Lookups: lk,
		Logger:  logger.With("run_id", runID),
		Now:     time.Now,
		RunID:   runID,
		Report:  report.New(runID, p, location),
	}
}

// stageResult is what a stage committed.
type stageResult struct {
	table   table.Name
	rows    int
	version int64
}

// Run executes every stage in order and halts at the first failure. Earlier
// stages are not rolled back; their tables stay at the versions they committed.
func (r *Runner) Run(ctx context.Context) error {
	if r.State != nil {
		r.State.BeginRun(r.RunID)
	}
	stages := append([]state.Stage(nil), state.Stages...)
	if r.Publisher != nil {
		stages = append(stages, state.StagePublish)
	}
	for _, s := range stages {
		r.notify(StageStatus{Stage: s, Status: state.StatusPending})
	}

	for i, s := range stages {
		if err := r.RunStage(ctx, s); err != nil {
			for _, rest := range stages[i+1:] {
				r.notify(StageStatus{Stage: rest, Status: state.StatusSkipped})
				r.Report.Stages = append(r.Report.Stages, report.StageOutcome{Stage: string(rest), Status: state.StatusSkipped})
			}
			r.Report.Status = RunFailed
			return err
		}
	}

	if r.Verify {
		v := &verify.Verifier{Store: r.Store, Params: r.Params}
		res, err := v.Verify(ctx)
		if err != nil {
			return fmt.Errorf("verifying: %w", err)
		}
		r.Report.Verification = res
		r.Logger.Info("verification finished", "status", res.Status)
	}

	r.Report.Status = RunComplete
	return nil
}

// RunStage executes a single stage and records its outcome in state,
// metrics, the report and the callback.
func (r *Runner) RunStage(ctx context.Context, s state.Stage) error {
	start := r.Now()
	r.notify(StageStatus{Stage: s, Status: state.StatusRunning})
	if r.State != nil {
		if r.State.LastRunID == "" {
			r.State.BeginRun(r.RunID)
		}
		r.State.StartStage(s)
		if err := r.saveState(); err != nil {
			return err
		}
	}
	r.Logger.Info("stage started", "stage", s)

	res, err := r.execute(ctx, s)
	elapsed := r.Now().Sub(start)
	if r.Metrics != nil {
		r.Metrics.ObserveStage(string(s), elapsed, err)
	}

	outcome := report.StageOutcome{Stage: string(s), Seconds: elapsed.Seconds()}
	status := StageStatus{Stage: s, Elapsed: elapsed}
	if res.table != (table.Name{}) {
		outcome.Table = res.table.String()
		status.Table = outcome.Table
	}

	if err != nil {
		err = fmt.Errorf("%s: %w", s, err)
		outcome.Status = state.StatusFailed
		outcome.Error = err.Error()
		status.Status = state.StatusFailed
		status.Err = err
		r.Report.Stages = append(r.Report.Stages, outcome)
		r.notify(status)
		r.Logger.Error("stage failed", "stage", s, "error", err, "elapsed", elapsed)
		if r.State != nil {
			r.State.FailStage(s, err)
			if serr := r.saveState(); serr != nil {
				r.Logger.Warn("could not save state", "error", serr)
			}
		}
		return err
	}

	outcome.Status = state.StatusComplete
	outcome.Rows = res.rows
	outcome.Version = res.version
	status.Status = state.StatusComplete
	status.Rows = res.rows
	status.Version = res.version
	r.Report.Stages = append(r.Report.Stages, outcome)
	r.notify(status)
	r.Logger.Info("stage complete", "stage", s, "table", outcome.Table, "rows", res.rows, "version", res.version, "elapsed", elapsed)

	if r.State != nil {
		r.State.CompleteStage(s, res.rows, res.version)
		if res.table != (table.Name{}) && s != state.StagePublish && s != state.StageBootstrap {
			r.State.SetVersion(res.table, res.version)
		}
		if err := r.saveState(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, s state.Stage) (stageResult, error) {
	switch s {
	case state.StageBootstrap:
		return r.bootstrap(ctx)
	case state.StageIngest:
		return r.ingest(ctx)
	case state.StageCleanse:
		return r.cleanse(ctx)
	case state.StageConform:
		return r.conform(ctx)
	case state.StageMerge:
		return r.merge(ctx)
	case state.StagePublish:
		return r.publish(ctx)
	default:
		return stageResult{}, fmt.Errorf("unknown stage %q", s)
	}
}

func (r *Runner) saveState() error {
	if r.StatePath == "" {
		return nil
	}
	if err := r.State.Save(r.StatePath); err != nil {
		return fmt.Errorf("saving state: %w", err)
	}
	return nil
}

func (r *Runner) notify(s StageStatus) {
	if r.Callback != nil {
		r.Callback(s)
	}
}

// bootstrap creates the catalog and its layer schemas, and optionally the parent table.
func (r *Runner) bootstrap(ctx context.Context) (stageResult, error) {
	if err := r.Store.Bootstrap(ctx, r.Params.Catalog, table.Layers); err != nil {
		return stageResult{}, fmt.Errorf("bootstrapping catalog %s: %w", r.Params.Catalog, err)
	}
	if !r.CreateParent {
		return stageResult{}, nil
	}

	parent := table.ParentDimension(r.Params)
	created, err := r.Store.CreateTable(ctx, parent, merge.ParentSchema, store.WriteOptions{ChangeFeed: true, RunID: r.RunID})
	if err != nil {
		return stageResult{}, fmt.Errorf("creating %s: %w", parent, err)
	}
	if created {
		r.Logger.Info("created parent dimension", "table", parent.String())
	}
	return stageResult{table: parent}, nil
}

// ingest loads the raw files into bronze.
func (r *Runner) ingest(ctx context.Context) (stageResult, error) {
	if r.Source == nil {
		return stageResult{}, errors.New("no source configured")
	}
	res, err := ingest.Load(ctx, r.Source, r.Now())
	if err != nil {
		return stageResult{}, fmt.Errorf("loading %s: %w", r.Source.Location(), err)
	}

	bronze := table.Bronze(r.Params)
	commit, err := r.Store.Overwrite(ctx, bronze, res.Frame, store.WriteOptions{ChangeFeed: true, RunID: r.RunID})
	if err != nil {
		return stageResult{table: bronze}, fmt.Errorf("writing %s: %w", bronze, err)
	}

	files := make([]string, len(res.Files))
	for i, f := range res.Files {
		files[i] = f.Path
	}
	r.Report.Ingest = &report.IngestSummary{Files: files, Rows: commit.Rows, ReadTimestamp: res.ReadTimestamp}
	if r.Metrics != nil {
		r.Metrics.RowsIngested.Add(float64(commit.Rows))
	}
	return stageResult{table: bronze, rows: commit.Rows, version: commit.Version}, nil
}

// cleanse applies the cleanse rules to bronze and writes silver.
func (r *Runner) cleanse(ctx context.Context) (stageResult, error) {
	lk := r.Lookups
	if lk == nil {
		lk = lookup.Default()
	}
	for _, w := range lk.Validate() {
		r.Logger.Warn("lookup table", "warning", w)
		r.Report.Warnings = append(r.Report.Warnings, w)
	}

	bronze := table.Bronze(r.Params)
	raw, err := r.Store.Read(ctx, bronze)
	if err != nil {
		return stageResult{}, fmt.Errorf("reading %s: %w", bronze, err)
	}
	cleansed, rep, err := cleanse.Apply(raw, lk)
	if err != nil {
		return stageResult{}, fmt.Errorf("cleansing %s: %w", bronze, err)
	}
	r.Logger.Info("cleanse report", "summary", rep.Summary())
	r.Report.Cleanse = rep

	silver := table.Silver(r.Params)
	commit, err := r.Store.Overwrite(ctx, silver, cleansed, store.WriteOptions{MergeSchema: true, ChangeFeed: true, RunID: r.RunID})
	if err != nil {
		return stageResult{table: silver}, fmt.Errorf("writing %s: %w", silver, err)
	}
	if r.Metrics != nil {
		r.Metrics.DuplicatesDropped.Add(float64(rep.RowsIn - rep.RowsOut))
		r.Metrics.CitiesCorrected.Add(float64(rep.CitiesCorrected()))
		r.Metrics.CitiesPatched.Add(float64(len(rep.PatchedIDs)))
	}
	return stageResult{table: silver, rows: commit.Rows, version: commit.Version}, nil
}

// conform adds the label and constant attributes to silver and writes the
// curated per-company dimension.
func (r *Runner) conform(ctx context.Context) (stageResult, error) {
	silver := table.Silver(r.Params)
	cleansed, err := r.Store.Read(ctx, silver)
	if err != nil {
		return stageResult{}, fmt.Errorf("reading %s: %w", silver, err)
	}
	conformed, err := conform.Apply(cleansed)
	if err != nil {
		return stageResult{}, fmt.Errorf("conforming %s: %w", silver, err)
	}
	commit, err := r.Store.Overwrite(ctx, silver, conformed, store.WriteOptions{MergeSchema: true, ChangeFeed: true, RunID: r.RunID})
	if err != nil {
		return stageResult{table: silver}, fmt.Errorf("writing %s: %w", silver, err)
	}
	if len(commit.AddedColumns) > 0 {
		r.Logger.Info("silver schema extended", "table", silver.String(), "columns", commit.AddedColumns)
	}

	curated, err := conform.Curated(conformed)
	if err != nil {
		return stageResult{}, err
	}
	company := table.CompanyDimension(r.Params)
	commit, err = r.Store.Overwrite(ctx, company, curated, store.WriteOptions{MergeSchema: true, ChangeFeed: true, RunID: r.RunID})
	if err != nil {
		return stageResult{table: company}, fmt.Errorf("writing %s: %w", company, err)
	}
	return stageResult{table: company, rows: commit.Rows, version: commit.Version}, nil
}

// merge upserts the curated dimension into the parent dimension.
func (r *Runner) merge(ctx context.Context) (stageResult, error) {
	company := table.CompanyDimension(r.Params)
	curated, err := r.Store.Read(ctx, company)
	if err != nil {
		return stageResult{}, fmt.Errorf("reading %s: %w", company, err)
	}
	src, err := merge.Prepare(curated)
	if err != nil {
		return stageResult{}, fmt.Errorf("preparing %s: %w", company, err)
	}

	parent := table.ParentDimension(r.Params)
	res, err := r.Store.Merge(ctx, parent, src, merge.Options(r.RunID))
	if errors.Is(err, store.ErrTableNotFound) {
		return stageResult{table: parent}, fmt.Errorf("%w (create it with bootstrap --parent)", err)
	}
	if err != nil {
		return stageResult{table: parent}, fmt.Errorf("merging into %s: %w", parent, err)
	}

	r.Report.Merge = res
	if r.Metrics != nil {
		r.Metrics.ObserveMerge(res.Inserted, res.Updated)
	}
	r.Logger.Info("merged", "table", parent.String(), "inserted", res.Inserted, "updated", res.Updated)
	return stageResult{table: parent, rows: res.Rows, version: res.Version}, nil
}

// publish sends the parent dimension changes not yet published downstream.
func (r *Runner) publish(ctx context.Context) (stageResult, error) {
	parent := table.ParentDimension(r.Params)
	if r.Publisher == nil {
		return stageResult{table: parent}, errors.New("no change feed publisher configured")
	}

	after := int64(-1)
	switch {
	case r.State != nil:
		after = r.State.PublishedVersion(parent)
	case r.Report.Merge != nil:
		after = r.Report.Merge.Version - 1
	}

	events, last, err := changefeed.Pending(ctx, r.Store, parent, after)
	if err != nil {
		return stageResult{table: parent}, err
	}
	if err := r.Publisher.Publish(ctx, events); err != nil {
		return stageResult{table: parent}, err
	}
	if r.State != nil {
		r.State.MarkPublished(parent, last)
	}
	r.Report.Published += len(events)
	return stageResult{table: parent, rows: len(events), version: last}, nil
}

// WithLock runs fn while holding the lock file at path.
func WithLock(path string, fn func() error) error {
	if err := lock.Acquire(path); err != nil {
		return err
	}
	defer lock.Release(path)
	return fn()
}
