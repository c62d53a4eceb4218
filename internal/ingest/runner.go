package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/kbctl/internal/batch"
	"github.com/raphaelgruber/kbctl/internal/metrics"
	"github.com/raphaelgruber/kbctl/internal/retry"
	"github.com/raphaelgruber/kbctl/internal/storage"
	"github.com/raphaelgruber/kbctl/internal/tracking"
)

// DefaultBatchDelay separates submissions when not waiting for each batch.
const DefaultBatchDelay = 2 * time.Second

// Options describe one ingestion run.
type Options struct {
	KnowledgeBaseID string
	DataSourceID    string
	Bucket          string
	Prefix          string
	BatchSize       int
	Wait            bool
	SkipMetadata    bool
	ForceReupload   bool
	Debug           bool
	BatchDelay      time.Duration
}

// BatchSubmitter starts ingestion of one batch.
type BatchSubmitter interface {
	Submit(ctx context.Context, kbID, dsID string, keys []string) (*Job, error)
}

// JobWaiter blocks until a job leaves the in-progress states.
type JobWaiter interface {
	Wait(ctx context.Context, job *Job) (Outcome, error)
}

// Report summarizes a run.
type Report struct {
	Listed           int
	MetadataFiltered int
	AlreadyTracked   int
	Batches          int
	Jobs             []*Job
	SucceededBatches int
	FailedBatches    int
	NewlyTracked     int
	// Unverified is set when keys were tracked without waiting for their jobs.
	Unverified bool
}

// JobIDs lists the ids of every submitted job in batch order.
func (r *Report) JobIDs() []string {
	ids := make([]string, len(r.Jobs))
	for i, j := range r.Jobs {
		ids[i] = j.ID
	}
	return ids
}

// Runner drives listing, batching, submission, waiting and tracking.
type Runner struct {
	lister    storage.Lister
	submitter BatchSubmitter
	waiter    JobWaiter
	store     tracking.Store
	logger    *slog.Logger
	metrics   *metrics.Collector
	sleep     retry.Sleeper
	observe   func(Event)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithObserver receives progress events.
func WithObserver(fn func(Event)) RunnerOption {
	return func(r *Runner) { r.observe = fn }
}

// WithMetrics records timings and counters.
func WithMetrics(m *metrics.Collector) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithSleeper replaces the inter-batch delay timer.
func WithSleeper(s retry.Sleeper) RunnerOption {
	return func(r *Runner) { r.sleep = s }
}

// NewRunner creates a runner. A nil store disables tracking.
func NewRunner(lister storage.Lister, submitter BatchSubmitter, waiter JobWaiter, store tracking.Store, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Runner{
		lister:    lister,
		submitter: submitter,
		waiter:    waiter,
		store:     store,
		logger:    logger,
		sleep:     retry.Sleep,
		observe:   func(Event) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one ingestion pass. Failures of individual batches are logged and the run
// moves on; only setup failures and cancellation return an error.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{}

	size, capped, err := batch.ClampSize(opts.BatchSize)
	if err != nil {
		return nil, err
	}

	tracked, err := r.loadTracked(ctx)
	if err != nil {
		return nil, err
	}
	exclude := tracked
	if opts.ForceReupload {
		r.logger.Info("force reupload, ignoring previously processed files")
		exclude = tracking.NewSet()
	} else {
		r.logger.Info("loaded previously processed files", "count", tracked.Len())
	}

	r.logger.Info("listing objects", "location", batch.URI(opts.Bucket, opts.Prefix))
	start := time.Now()
	keys, err := r.lister.ListKeys(ctx, opts.Bucket, opts.Prefix)
	r.metrics.RecordTiming(metrics.OpS3List, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	if opts.SkipMetadata {
		kept := make([]string, 0, len(keys))
		for _, k := range keys {
			if !batch.MetadataFile(k) {
				kept = append(kept, k)
			}
		}
		report.MetadataFiltered = len(keys) - len(kept)
		keys = kept
		r.logger.Info("filtered out metadata files", "count", report.MetadataFiltered)
	}
	report.Listed = len(keys)
	r.logger.Info("found objects in S3", "count", len(keys))

	if capped {
		r.logger.Warn("requested batch size exceeds API limit, using maximum",
			"requested", opts.BatchSize,
			"max", batch.MaxBatchSize)
	}

	for _, k := range keys {
		if !batch.DirectoryMarker(k) && exclude.Contains(k) {
			report.AlreadyTracked++
		}
	}
	if report.AlreadyTracked > 0 {
		r.logger.Info("skipped already processed files", "count", report.AlreadyTracked)
	}

	batches := batch.Build(keys, size, batch.Any(batch.DirectoryMarker, batch.Tracked(exclude)))
	report.Batches = len(batches)
	r.logger.Info("created batches", "batches", len(batches), "max_per_batch", size)
	r.observe(Event{Kind: EventPlanned, Total: len(batches), Keys: batch.Count(batches)})

	if len(batches) == 0 {
		r.logger.Info("No new documents to process. Exiting.")
		return report, nil
	}

	if opts.Debug {
		if doc, err := json.MarshalIndent(batch.Document(opts.Bucket, batches[0][0]), "", "  "); err == nil {
			r.logger.Debug("first document structure", "document", string(doc))
		}
	}

	var pending []string
	var runErr error
	for i, keys := range batches {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		n := i + 1
		r.logger.Info("processing batch", "batch", n, "of", len(batches), "documents", len(keys))
		r.observe(Event{Kind: EventBatchStarted, Batch: n, Total: len(batches), Keys: len(keys)})

		job, err := r.submitter.Submit(ctx, opts.KnowledgeBaseID, opts.DataSourceID, keys)
		if err != nil {
			r.batchFailed(report, n, len(batches), err)
			if errors.Is(err, context.Canceled) {
				runErr = err
				break
			}
			continue
		}
		job.Batch = n
		report.Jobs = append(report.Jobs, job)
		r.logger.Info("started ingestion job", "job_id", job.ID, "batch", n)
		r.observe(Event{Kind: EventBatchSubmitted, Batch: n, Total: len(batches), JobID: job.ID, Keys: len(keys)})

		if !opts.Wait {
			pending = append(pending, job.AcceptedKeys()...)
			report.SucceededBatches++
			if rejected := job.RejectedKeys(); len(rejected) > 0 {
				r.logger.Warn("documents rejected at submission", "batch", n, "keys", rejected)
			}
			r.observe(Event{Kind: EventBatchDone, Batch: n, Total: len(batches), JobID: job.ID, Status: StatusQueued})
			if n < len(batches) {
				if err := r.sleep(ctx, opts.BatchDelay); err != nil {
					runErr = err
					break
				}
			}
			continue
		}

		r.logger.Info("waiting for batch to complete", "batch", n)
		outcome, err := r.waiter.Wait(ctx, job)
		if err != nil {
			r.batchFailed(report, n, len(batches), err)
			if ctx.Err() != nil {
				runErr = err
				break
			}
			continue
		}

		if len(outcome.Succeeded) > 0 {
			added, err := r.track(ctx, tracked, outcome.Succeeded)
			if err != nil {
				r.logger.Error("failed to update tracking", "batch", n, "error", err)
			} else {
				report.NewlyTracked += added
				r.logger.Info("updated tracking with newly processed files", "count", len(outcome.Succeeded))
			}
		}
		if outcome.Status.Succeeded() {
			report.SucceededBatches++
			r.metrics.Add(metrics.CounterBatchesOK, 1)
		} else {
			report.FailedBatches++
			r.metrics.Add(metrics.CounterBatchesFailed, 1)
			r.logger.Warn("batch finished without success, files will not be marked as processed",
				"batch", n,
				"status", outcome.Status,
				"failed", len(outcome.Failed))
		}
		r.observe(Event{Kind: EventBatchDone, Batch: n, Total: len(batches), JobID: job.ID, Status: outcome.Status})
	}

	if !opts.Wait && len(pending) > 0 && r.store != nil {
		// Keys submitted before a cancellation are still recorded.
		added, err := r.track(context.WithoutCancel(ctx), tracked, pending)
		if err != nil {
			r.logger.Error("failed to update tracking", "error", err)
		} else {
			report.NewlyTracked += added
			report.Unverified = true
			r.logger.Warn("tracked files without verifying ingestion, rerun with --wait to confirm",
				"count", len(pending))
		}
	}

	r.logger.Info("ingestion jobs started", "count", len(report.Jobs))
	for _, job := range report.Jobs {
		r.logger.Info("batch job", "batch", job.Batch, "job_id", job.ID)
	}
	r.observe(Event{Kind: EventFinished, Total: len(batches)})

	if runErr != nil {
		return report, runErr
	}
	r.logger.Info("document ingestion process initiated successfully")
	return report, nil
}

func (r *Runner) loadTracked(ctx context.Context) (*tracking.Set, error) {
	if r.store == nil {
		return tracking.NewSet(), nil
	}
	set, err := r.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tracking from %s: %w", r.store.Location(), err)
	}
	return set, nil
}

// track adds keys to the in-memory set and persists the whole set.
func (r *Runner) track(ctx context.Context, set *tracking.Set, keys []string) (int, error) {
	added := set.Add(keys...)
	if r.store == nil {
		return 0, nil
	}
	if err := r.store.Save(ctx, set); err != nil {
		return 0, err
	}
	r.metrics.Add(metrics.CounterKeysTracked, int64(added))
	return added, nil
}

func (r *Runner) batchFailed(report *Report, n, total int, err error) {
	report.FailedBatches++
	r.metrics.Add(metrics.CounterBatchesFailed, 1)
	r.logger.Error("error processing batch", "batch", n, "error", err)
	r.observe(Event{Kind: EventBatchFailed, Batch: n, Total: total, Err: err})
}
