package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent/types"
	"github.com/raphaelgruber/kbctl/internal/awserr"
	"github.com/raphaelgruber/kbctl/internal/batch"
	"github.com/raphaelgruber/kbctl/internal/metrics"
	"github.com/raphaelgruber/kbctl/internal/retry"
)

// ErrWaitTimeout is returned by Wait when the overall wait deadline passes.
var ErrWaitTimeout = errors.New("timed out waiting for ingestion job")

// DefaultPollInterval is the pause before every status check.
const DefaultPollInterval = 30 * time.Second

// StatusAPI is the part of the bedrockagent client the poller uses.
type StatusAPI interface {
	GetIngestionJob(ctx context.Context, in *bedrockagent.GetIngestionJobInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.GetIngestionJobOutput, error)
	ListIngestionJobs(ctx context.Context, in *bedrockagent.ListIngestionJobsInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.ListIngestionJobsOutput, error)
	GetKnowledgeBaseDocuments(ctx context.Context, in *bedrockagent.GetKnowledgeBaseDocumentsInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.GetKnowledgeBaseDocumentsOutput, error)
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	KnowledgeBaseID string
	DataSourceID    string
	Bucket          string
	Interval        time.Duration
	// Timeout bounds a whole Wait. Zero waits as long as the job runs.
	Timeout time.Duration
	// TrackDocuments follows placeholder jobs through per-document status instead of
	// giving up with UNKNOWN.
	TrackDocuments bool
}

// Poller fetches job status and waits for jobs to leave the in-progress states.
type Poller struct {
	api     StatusAPI
	cfg     PollerConfig
	sleep   retry.Sleeper
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewPoller creates a poller.
func NewPoller(api StatusAPI, cfg PollerConfig, logger *slog.Logger, m *metrics.Collector) *Poller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	return &Poller{api: api, cfg: cfg, sleep: retry.Sleep, logger: logger, metrics: m}
}

// Status returns the current status of jobID. It never fails: lookup problems are logged
// and reported as the ERROR pseudo status.
func (p *Poller) Status(ctx context.Context, jobID string) Status {
	if IsPlaceholder(jobID) {
		p.logger.Warn("skipping status check for placeholder job id", "job_id", jobID)
		return StatusUnknown
	}

	start := time.Now()
	out, err := p.api.GetIngestionJob(ctx, &bedrockagent.GetIngestionJobInput{
		KnowledgeBaseId: aws.String(p.cfg.KnowledgeBaseID),
		DataSourceId:    aws.String(p.cfg.DataSourceID),
		IngestionJobId:  aws.String(jobID),
	})
	p.metrics.RecordTiming(metrics.OpJobStatus, time.Since(start), err)

	switch {
	case err == nil:
		if out.IngestionJob == nil {
			return StatusUnknown
		}
		return Status(out.IngestionJob.Status)
	case awserr.IsNotFound(err):
		status, listErr := p.findInList(ctx, jobID)
		if listErr != nil {
			p.logger.Error("error in alternative status check", "job_id", jobID, "error", listErr)
			return StatusError
		}
		return status
	default:
		p.logger.Error("error checking ingestion status", "job_id", jobID, "error", err)
		return StatusError
	}
}

// findInList pages through the data source's jobs looking for jobID.
func (p *Poller) findInList(ctx context.Context, jobID string) (Status, error) {
	paginator := bedrockagent.NewListIngestionJobsPaginator(p.api, &bedrockagent.ListIngestionJobsInput{
		KnowledgeBaseId: aws.String(p.cfg.KnowledgeBaseID),
		DataSourceId:    aws.String(p.cfg.DataSourceID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("list ingestion jobs: %w", err)
		}
		for _, summary := range page.IngestionJobSummaries {
			if aws.ToString(summary.IngestionJobId) == jobID {
				return Status(summary.Status), nil
			}
		}
	}
	return StatusNotFound, nil
}

// Wait sleeps, checks, and repeats while the job is in progress. Only context
// cancellation and the overall timeout produce an error.
func (p *Poller) Wait(ctx context.Context, job *Job) (Outcome, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	documentMode := job.Placeholder() && p.cfg.TrackDocuments
	outcome := Outcome{Status: StatusInProgress}
	for outcome.Status.InProgress() {
		if err := p.sleep(ctx, p.cfg.Interval); err != nil {
			return outcome, p.waitErr(err)
		}
		outcome.Polls++

		if documentMode {
			outcome = p.documentOutcome(ctx, job, outcome.Polls)
		} else {
			outcome.Status = p.Status(ctx, job.ID)
		}
		p.logger.Info("batch status", "batch", job.Batch, "job_id", job.ID, "status", outcome.Status)

		if err := ctx.Err(); err != nil {
			return outcome, p.waitErr(err)
		}
	}

	if !documentMode {
		if outcome.Status.Succeeded() {
			outcome.Succeeded = job.AcceptedKeys()
			outcome.Failed = job.RejectedKeys()
		} else {
			outcome.Failed = job.Keys
		}
	}
	return outcome, nil
}

func (p *Poller) waitErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrWaitTimeout, p.cfg.Timeout)
	}
	return err
}

// documentOutcome aggregates per-document status for the batch. Any document still moving
// keeps the batch in progress; otherwise the batch completes when every document indexed.
func (p *Poller) documentOutcome(ctx context.Context, job *Job, polls int) Outcome {
	ids := make([]types.DocumentIdentifier, 0, len(job.Keys))
	for _, k := range job.Keys {
		ids = append(ids, types.DocumentIdentifier{
			DataSourceType: types.ContentDataSourceTypeS3,
			S3:             &types.S3Location{Uri: aws.String(batch.URI(p.cfg.Bucket, k))},
		})
	}

	start := time.Now()
	out, err := p.api.GetKnowledgeBaseDocuments(ctx, &bedrockagent.GetKnowledgeBaseDocumentsInput{
		KnowledgeBaseId:     aws.String(p.cfg.KnowledgeBaseID),
		DataSourceId:        aws.String(p.cfg.DataSourceID),
		DocumentIdentifiers: ids,
	})
	p.metrics.RecordTiming(metrics.OpDocumentStatus, time.Since(start), err)
	if err != nil {
		p.logger.Error("error checking document status", "batch", job.Batch, "error", err)
		return Outcome{Status: StatusError, Failed: job.Keys, Polls: polls}
	}

	byURI := make(map[string]string, len(out.DocumentDetails))
	for _, d := range out.DocumentDetails {
		if d.Identifier != nil && d.Identifier.S3 != nil {
			byURI[aws.ToString(d.Identifier.S3.Uri)] = string(d.Status)
		}
	}

	outcome := Outcome{Polls: polls}
	moving := false
	for _, k := range job.Keys {
		status, ok := byURI[batch.URI(p.cfg.Bucket, k)]
		switch {
		case !ok:
			outcome.Failed = append(outcome.Failed, k)
		case documentIndexed(status):
			outcome.Succeeded = append(outcome.Succeeded, k)
		case documentFailed(status):
			outcome.Failed = append(outcome.Failed, k)
		default:
			moving = true
		}
	}

	switch {
	case moving:
		outcome.Status = StatusInProgress
		outcome.Succeeded, outcome.Failed = nil, nil
	case len(outcome.Failed) == 0:
		outcome.Status = StatusComplete
	default:
		outcome.Status = StatusFailed
	}
	return outcome
}

func documentIndexed(s string) bool {
	return slices.Contains([]string{"INDEXED", "PARTIALLY_INDEXED", "METADATA_PARTIALLY_INDEXED", "METADATA_UPDATE_FAILED"}, s)
}

func documentFailed(s string) bool {
	return slices.Contains([]string{"FAILED", "DELETING", "DELETE_IN_PROGRESS", "NOT_FOUND", "IGNORED"}, s)
}
