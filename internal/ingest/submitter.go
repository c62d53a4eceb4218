package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	"github.com/google/uuid"
	"github.com/raphaelgruber/kbctl/internal/awserr"
	"github.com/raphaelgruber/kbctl/internal/batch"
	"github.com/raphaelgruber/kbctl/internal/metrics"
	"github.com/raphaelgruber/kbctl/internal/retry"
)

// IngestAPI is the part of the bedrockagent client the submitter uses.
type IngestAPI interface {
	IngestKnowledgeBaseDocuments(ctx context.Context, in *bedrockagent.IngestKnowledgeBaseDocumentsInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.IngestKnowledgeBaseDocumentsOutput, error)
}

// Submitter sends one batch per call, retrying while the knowledge base is at its
// concurrent operation limit.
type Submitter struct {
	api     IngestAPI
	bucket  string
	policy  retry.Policy
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewSubmitter creates a submitter for documents in bucket.
func NewSubmitter(api IngestAPI, bucket string, policy retry.Policy, logger *slog.Logger, m *metrics.Collector) *Submitter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	policy.Logger = logger
	return &Submitter{
		api:     api,
		bucket:  bucket,
		policy:  policy,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Submit ingests keys as one batch. Exhausting the retry budget returns an error wrapping
// retry.ErrRetriesExhausted; other service errors are returned on first occurrence.
func (s *Submitter) Submit(ctx context.Context, kbID, dsID string, keys []string) (*Job, error) {
	input := &bedrockagent.IngestKnowledgeBaseDocumentsInput{
		KnowledgeBaseId: aws.String(kbID),
		DataSourceId:    aws.String(dsID),
		Documents:       batch.Documents(s.bucket, keys),
		ClientToken:     aws.String(uuid.NewString()),
	}

	attempt := 0
	out, err := retry.Do(ctx, s.policy, awserr.IsConcurrencyLimit, func(ctx context.Context) (*bedrockagent.IngestKnowledgeBaseDocumentsOutput, error) {
		if attempt > 0 {
			s.metrics.Add(metrics.CounterRetries, 1)
		}
		attempt++

		start := time.Now()
		out, err := s.api.IngestKnowledgeBaseDocuments(ctx, input)
		s.metrics.RecordTiming(metrics.OpIngestSubmit, time.Since(start), err)
		if err != nil {
			return nil, awserr.Wrap(err)
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest documents: %w", err)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode ingest response: %w", err)
	}
	s.logger.Debug("ingest response", "response", string(raw))

	job := &Job{
		Keys:        keys,
		Documents:   s.documentStatuses(out),
		SubmittedAt: s.now(),
	}
	if id, ok := extractJobID(raw); ok {
		job.ID = id
	} else {
		job.ID = placeholderID(job.SubmittedAt)
		s.logger.Warn("ingest response carried no job id, using placeholder",
			"job_id", job.ID,
			"response", string(raw))
	}
	return job, nil
}

func (s *Submitter) documentStatuses(out *bedrockagent.IngestKnowledgeBaseDocumentsOutput) []DocumentStatus {
	if out == nil {
		return nil
	}
	prefix := batch.URI(s.bucket, "")
	docs := make([]DocumentStatus, 0, len(out.DocumentDetails))
	for _, d := range out.DocumentDetails {
		ds := DocumentStatus{
			Status: string(d.Status),
			Reason: aws.ToString(d.StatusReason),
		}
		if d.Identifier != nil && d.Identifier.S3 != nil {
			ds.URI = aws.ToString(d.Identifier.S3.Uri)
			ds.Key = strings.TrimPrefix(ds.URI, prefix)
		}
		docs = append(docs, ds)
	}
	return docs
}

// jobIDKeys are looked up case-insensitively at the top level of the response.
var jobIDKeys = []string{"ingestionJobId", "jobId"}

// extractJobID reads a job id from the generic form of a response.
func extractJobID(raw []byte) (string, bool) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", false
	}
	for _, want := range jobIDKeys {
		for k, v := range fields {
			if !strings.EqualFold(k, want) {
				continue
			}
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}
