package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	agenttypes "github.com/aws/aws-sdk-go-v2/service/bedrockagent/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/raphaelgruber/kbctl/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	keys []string
}

func (f *fakeS3) ListObjectsV2(_ context.Context, _ *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	modified := time.Date(2025, 2, 1, 9, 30, 0, 0, time.UTC)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range f.keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k), Size: aws.Int64(1024), LastModified: &modified})
	}
	return out, nil
}

type fakeAgent struct {
	ingested [][]string
	status   string
}

func (f *fakeAgent) IngestKnowledgeBaseDocuments(_ context.Context, in *bedrockagent.IngestKnowledgeBaseDocumentsInput, _ ...func(*bedrockagent.Options)) (*bedrockagent.IngestKnowledgeBaseDocumentsOutput, error) {
	var uris []string
	for _, d := range in.Documents {
		uris = append(uris, aws.ToString(d.Content.S3.S3Location.Uri))
	}
	f.ingested = append(f.ingested, uris)
	return &bedrockagent.IngestKnowledgeBaseDocumentsOutput{}, nil
}

func (f *fakeAgent) GetIngestionJob(_ context.Context, _ *bedrockagent.GetIngestionJobInput, _ ...func(*bedrockagent.Options)) (*bedrockagent.GetIngestionJobOutput, error) {
	return &bedrockagent.GetIngestionJobOutput{
		IngestionJob: &agenttypes.IngestionJob{Status: agenttypes.IngestionJobStatus(f.status)},
	}, nil
}

func (f *fakeAgent) ListIngestionJobs(_ context.Context, _ *bedrockagent.ListIngestionJobsInput, _ ...func(*bedrockagent.Options)) (*bedrockagent.ListIngestionJobsOutput, error) {
	return &bedrockagent.ListIngestionJobsOutput{}, nil
}

func (f *fakeAgent) GetKnowledgeBaseDocuments(_ context.Context, _ *bedrockagent.GetKnowledgeBaseDocumentsInput, _ ...func(*bedrockagent.Options)) (*bedrockagent.GetKnowledgeBaseDocumentsOutput, error) {
	return &bedrockagent.GetKnowledgeBaseDocumentsOutput{}, nil
}

type harness struct {
	s3      *fakeS3
	agent   *fakeAgent
	dir     string
	regions []string
}

func newHarness(t *testing.T, keys ...string) *harness {
	return &harness{s3: &fakeS3{keys: keys}, agent: &fakeAgent{status: "COMPLETE"}, dir: t.TempDir()}
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(func(_ context.Context, region string) (*Clients, error) {
		h.regions = append(h.regions, region)
		return &Clients{S3: h.s3, Agent: h.agent}, nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--tracking-dir", h.dir))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *harness) trackedKeys(t *testing.T, kb, ds, bucket, prefix string) []string {
	t.Helper()
	path := filepath.Join(h.dir, "processed_files_"+tracking.RecordID(kb, ds, bucket, prefix)+".json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var keys []string
	require.NoError(t, json.Unmarshal(data, &keys))
	return keys
}

var ingestArgs = []string{"--knowledge-base-id", "KB1", "--data-source-id", "DS1", "--bucket", "docs", "--batch-delay", "0s"}

func TestIngest_SkipsTrackedOnSecondRun(t *testing.T) {
	h := newHarness(t, "a.pdf", "b.pdf", "folder/", "a.pdf.metadata.json")

	out, err := h.run(t, append(ingestArgs, "--skip-metadata")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Batches: 1 (1 succeeded, 0 failed)")
	assert.Contains(t, out, "Newly tracked: 2")
	assert.Contains(t, out, "Batch 1: Job ID unknown-job-")
	require.Len(t, h.agent.ingested, 1)
	assert.Equal(t, []string{"s3://docs/a.pdf", "s3://docs/b.pdf"}, h.agent.ingested[0])
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, h.trackedKeys(t, "KB1", "DS1", "docs", ""))
	assert.Equal(t, []string{"us-east-1"}, h.regions)

	out, err = h.run(t, append(ingestArgs, "--skip-metadata")...)
	require.NoError(t, err)
	assert.Contains(t, out, "No new documents to process.")
	assert.Len(t, h.agent.ingested, 1)
}

func TestIngest_BatchSizeFromEnvAndConfig(t *testing.T) {
	h := newHarness(t, "a.pdf", "b.pdf", "c.pdf")

	cfgPath := filepath.Join(t.TempDir(), "kb-ingest.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("batch-size: 2\nregion: eu-west-1\n"), 0o600))
	t.Setenv("KB_INGEST_KNOWLEDGE_BASE_ID", "KB1")
	t.Setenv("KB_INGEST_DATA_SOURCE_ID", "DS1")
	t.Setenv("KB_INGEST_BUCKET", "docs")
	t.Setenv("KB_INGEST_BATCH_DELAY", "0s")

	out, err := h.run(t, "--config", cfgPath, "--no-tracking")
	require.NoError(t, err)
	assert.Contains(t, out, "Batches: 2 (2 succeeded, 0 failed)")
	require.Len(t, h.agent.ingested, 2)
	assert.Len(t, h.agent.ingested[1], 1)
	assert.Equal(t, []string{"eu-west-1"}, h.regions)
}

func TestIngest_FlagBeatsEnv(t *testing.T) {
	h := newHarness(t, "a.pdf", "b.pdf")
	t.Setenv("KB_INGEST_BATCH_SIZE", "1")

	out, err := h.run(t, append(ingestArgs, "--batch-size", "5", "--no-tracking")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Batches: 1 ")
}

func TestIngest_WaitLeavesPlaceholderJobsUntracked(t *testing.T) {
	h := newHarness(t, "a.pdf")

	// The placeholder job id cannot be polled, so the batch ends UNKNOWN.
	out, err := h.run(t, append(ingestArgs, "--wait", "--poll-interval", "1ms")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Batches: 1 (0 succeeded, 1 failed)")
	assert.Contains(t, out, "Newly tracked: 0")
}

func TestIngest_RequiredFlags(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "--bucket", "docs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--knowledge-base-id")
	assert.Contains(t, err.Error(), "--data-source-id")
	assert.Empty(t, h.regions)
}

func TestList(t *testing.T) {
	h := newHarness(t, "a.pdf", "b.pdf", "folder/", "b.pdf.metadata.json")
	_, err := h.run(t, ingestArgs...)
	require.NoError(t, err)
	h.s3.keys = append(h.s3.keys, "c.pdf")

	out, err := h.run(t, "list", "--knowledge-base-id", "KB1", "--data-source-id", "DS1", "--bucket", "docs", "--skip-metadata")
	require.NoError(t, err)
	assert.Contains(t, out, "✓       1024  2025-02-01 09:30  a.pdf")
	assert.Contains(t, out, "        1024  2025-02-01 09:30  c.pdf")
	assert.NotContains(t, out, "folder/")
	assert.NotContains(t, out, "metadata.json")
	assert.Contains(t, out, "3 objects in s3://docs/ (2 already processed)")

	out, err = h.run(t, "list", "--knowledge-base-id", "KB1", "--data-source-id", "DS1", "--bucket", "docs", "--skip-metadata", "--new")
	require.NoError(t, err)
	assert.Contains(t, out, "1 objects in s3://docs/")
	assert.NotContains(t, out, "a.pdf")
}

func TestStatus(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "status", "--knowledge-base-id", "KB1", "--data-source-id", "DS1", "JOB123")
	require.NoError(t, err)
	assert.Equal(t, "Job JOB123: COMPLETE\n", out)

	out, err = h.run(t, "status", "--knowledge-base-id", "KB1", "--data-source-id", "DS1", "unknown-job-1.000001")
	require.NoError(t, err)
	assert.Equal(t, "Job unknown-job-1.000001: UNKNOWN\n", out)

	_, err = h.run(t, "status", "JOB123")
	assert.Error(t, err)
}

func TestTrackingShowAndReset(t *testing.T) {
	h := newHarness(t, "a.pdf", "b.pdf")
	_, err := h.run(t, ingestArgs...)
	require.NoError(t, err)

	sel := []string{"--knowledge-base-id", "KB1", "--data-source-id", "DS1", "--bucket", "docs"}

	out, err := h.run(t, append([]string{"tracking", "show", "--keys"}, sel...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Processed: 2 files")
	assert.Contains(t, out, "  a.pdf\n  b.pdf\n")

	_, err = h.run(t, append([]string{"tracking", "reset"}, sel...)...)
	assert.ErrorContains(t, err, "--yes")

	_, err = h.run(t, append([]string{"tracking", "reset", "--yes"}, sel...)...)
	require.NoError(t, err)

	out, err = h.run(t, append([]string{"tracking", "show"}, sel...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Processed: 0 files")
}
