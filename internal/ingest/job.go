// Package ingest submits S3 documents to a Bedrock knowledge base in batches, follows the
// resulting ingestion jobs and records which keys made it in.
package ingest

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Status is an ingestion job or document status as reported by the service, plus the
// local pseudo statuses UNKNOWN, NOT_FOUND and ERROR.
type Status string

const (
	StatusStarting   Status = "STARTING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusQueued     Status = "QUEUED"
	StatusPending    Status = "PENDING"
	StatusStopping   Status = "STOPPING"
	StatusComplete   Status = "COMPLETE"
	StatusCompleted  Status = "COMPLETED"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusStopped    Status = "STOPPED"

	StatusUnknown  Status = "UNKNOWN"
	StatusNotFound Status = "NOT_FOUND"
	StatusError    Status = "ERROR"
)

var (
	inProgressStatuses = []Status{StatusInProgress, StatusQueued, StatusPending, StatusStarting, StatusStopping}
	successStatuses    = []Status{StatusComplete, StatusCompleted, StatusSuccess}
)

// InProgress reports whether a job in this status should be polled again.
func (s Status) InProgress() bool { return slices.Contains(inProgressStatuses, s) }

// Succeeded reports whether s is a success-terminal status.
func (s Status) Succeeded() bool { return slices.Contains(successStatuses, s) }

const placeholderPrefix = "unknown-job-"

// IsPlaceholder reports whether id was synthesized locally because the service returned none.
func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, placeholderPrefix)
}

func placeholderID(now time.Time) string {
	return fmt.Sprintf("%s%d.%06d", placeholderPrefix, now.Unix(), now.Nanosecond()/1000)
}

// DocumentStatus is the per-document state reported by the service.
type DocumentStatus struct {
	Key    string
	URI    string
	Status string
	Reason string
}

// Job is one submitted batch.
type Job struct {
	ID          string
	Batch       int
	Keys        []string
	Documents   []DocumentStatus
	SubmittedAt time.Time
}

// Placeholder reports whether the job id was synthesized.
func (j *Job) Placeholder() bool { return IsPlaceholder(j.ID) }

// RejectedKeys returns keys the submission response already marked as FAILED.
func (j *Job) RejectedKeys() []string {
	var out []string
	for _, d := range j.Documents {
		if Status(d.Status) == StatusFailed && d.Key != "" {
			out = append(out, d.Key)
		}
	}
	return out
}

// AcceptedKeys returns the batch keys minus RejectedKeys.
func (j *Job) AcceptedKeys() []string {
	rejected := j.RejectedKeys()
	if len(rejected) == 0 {
		return slices.Clone(j.Keys)
	}
	out := make([]string, 0, len(j.Keys))
	for _, k := range j.Keys {
		if !slices.Contains(rejected, k) {
			out = append(out, k)
		}
	}
	return out
}

// Outcome is the result of waiting for a job.
type Outcome struct {
	Status    Status
	Succeeded []string
	Failed    []string
	Polls     int
}
