package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/raphaelgruber/kbctl/internal/ingest"
	"github.com/raphaelgruber/kbctl/internal/retry"
	"github.com/raphaelgruber/kbctl/internal/storage"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func (a *app) runIngest(cmd *cobra.Command, args []string) error {
	if err := a.require(flagKnowledgeBaseID, flagDataSourceID, flagBucket); err != nil {
		return err
	}
	ctx := cmd.Context()
	s := a.s

	clients, err := a.newClients(ctx, s.Region)
	if err != nil {
		return fmt.Errorf("aws clients: %w", err)
	}
	store, err := a.openTracking(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store, a.logger)
	if store != nil {
		a.logger.Debug("using tracking record", "location", store.Location())
	}

	policy := retry.Ingestion()
	policy.MaxAttempts = s.MaxRetries
	policy.InitialDelay = s.RetryDelay

	submitter := ingest.NewSubmitter(clients.Agent, s.Bucket, policy, a.logger, a.metrics)
	lister := storage.NewS3Lister(clients.S3, a.logger)
	opts := ingest.Options{
		KnowledgeBaseID: s.KnowledgeBaseID,
		DataSourceID:    s.DataSourceID,
		Bucket:          s.Bucket,
		Prefix:          s.Prefix,
		BatchSize:       s.BatchSize,
		Wait:            s.Wait,
		SkipMetadata:    s.SkipMetadata,
		ForceReupload:   s.ForceReupload,
		Debug:           s.Debug,
		BatchDelay:      s.BatchDelay,
	}

	newRunner := func(extra ...ingest.RunnerOption) *ingest.Runner {
		ropts := append([]ingest.RunnerOption{ingest.WithMetrics(a.metrics)}, extra...)
		return ingest.NewRunner(lister, submitter, a.poller(clients.Agent), store, a.logger, ropts...)
	}

	var report *ingest.Report
	if a.progressActive(cmd) {
		report, err = runWithProgress(ctx, newRunner, opts)
	} else {
		report, err = newRunner().Run(ctx, opts)
	}
	if s.Debug {
		a.logStats()
	}
	if report != nil {
		printReport(cmd.OutOrStdout(), report)
	}
	return err
}

func printReport(w io.Writer, r *ingest.Report) {
	if r.Batches == 0 {
		fmt.Fprintln(w, "No new documents to process.")
		return
	}
	fmt.Fprintf(w, "Batches: %d (%d succeeded, %d failed)\n", r.Batches, r.SucceededBatches, r.FailedBatches)
	if r.AlreadyTracked > 0 {
		fmt.Fprintf(w, "Skipped: %d already processed\n", r.AlreadyTracked)
	}
	fmt.Fprintf(w, "Newly tracked: %d\n", r.NewlyTracked)
	if r.Unverified {
		fmt.Fprintln(w, "Note: ingestion was not verified, rerun with --wait to confirm.")
	}
	if len(r.Jobs) == 0 {
		return
	}
	fmt.Fprintf(w, "\nStarted %d ingestion jobs:\n", len(r.Jobs))
	for _, job := range r.Jobs {
		fmt.Fprintf(w, "  Batch %d: Job ID %s\n", job.Batch, job.ID)
	}
}

// runWithProgress drives the run from a goroutine while the progress view owns the
// terminal. Quitting the view cancels the run; keys already submitted are still tracked.
func runWithProgress(ctx context.Context, newRunner func(...ingest.RunnerOption) *ingest.Runner, opts ingest.Options) (*ingest.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := newProgressProgram()
	runner := newRunner(ingest.WithObserver(func(e ingest.Event) {
		p.Send(eventMsg(e))
	}))

	type result struct {
		report *ingest.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := runner.Run(ctx, opts)
		done <- result{report, err}
		p.Send(runDoneMsg{report: report, err: err})
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("progress UI error: %w", err)
	}
	// Run returns once the view quits, either after runDoneMsg or on Ctrl+C.
	cancel()
	res := <-done
	return res.report, res.err
}
