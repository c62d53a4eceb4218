package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/raphaelgruber/kbctl/internal/storage"
	"github.com/raphaelgruber/kbctl/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	keys []string
	err  error
}

func (f *fakeLister) ListObjects(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	keys, err := f.ListKeys(ctx, bucket, prefix)
	out := make([]storage.ObjectInfo, len(keys))
	for i, k := range keys {
		out[i] = storage.ObjectInfo{Key: k}
	}
	return out, err
}

func (f *fakeLister) ListKeys(context.Context, string, string) ([]string, error) {
	return f.keys, f.err
}

type fakeSubmitter struct {
	batches [][]string
	fail    map[int]error
	// rejected marks documents the service reported as FAILED at submission.
	rejected map[string]bool
}

func (f *fakeSubmitter) Submit(_ context.Context, _, _ string, keys []string) (*Job, error) {
	f.batches = append(f.batches, keys)
	if err := f.fail[len(f.batches)]; err != nil {
		return nil, err
	}
	job := &Job{ID: fmt.Sprintf("JOB%d", len(f.batches)), Keys: keys}
	for _, k := range keys {
		if f.rejected[k] {
			job.Documents = append(job.Documents, DocumentStatus{Key: k, Status: "FAILED"})
		}
	}
	return job, nil
}

type fakeWaiter struct {
	statuses map[string]Status
	err      error
	waited   []string
}

func (f *fakeWaiter) Wait(_ context.Context, job *Job) (Outcome, error) {
	f.waited = append(f.waited, job.ID)
	if f.err != nil {
		return Outcome{}, f.err
	}
	status := f.statuses[job.ID]
	if status.Succeeded() {
		return Outcome{Status: status, Succeeded: job.AcceptedKeys()}, nil
	}
	return Outcome{Status: status, Failed: job.Keys}, nil
}

type memStore struct {
	set   *tracking.Set
	saves [][]string
}

func (m *memStore) Load(context.Context) (*tracking.Set, error) {
	return tracking.NewSet(m.set.Keys()...), nil
}

func (m *memStore) Save(_ context.Context, set *tracking.Set) error {
	m.saves = append(m.saves, set.Keys())
	m.set = tracking.NewSet(set.Keys()...)
	return nil
}

func (m *memStore) Reset(context.Context) error { m.set = tracking.NewSet(); return nil }
func (m *memStore) Location() string            { return "memory" }
func (m *memStore) Close() error                { return nil }

func baseOptions() Options {
	return Options{
		KnowledgeBaseID: "KB",
		DataSourceID:    "DS",
		Bucket:          "bucket",
		Prefix:          "docs/",
		BatchSize:       2,
		BatchDelay:      DefaultBatchDelay,
	}
}

func newTestRunner(lister storage.Lister, sub BatchSubmitter, waiter JobWaiter, store tracking.Store, events *[]Event) (*Runner, *[]time.Duration) {
	var sleeps []time.Duration
	opts := []RunnerOption{WithSleeper(func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	})}
	if events != nil {
		opts = append(opts, WithObserver(func(e Event) { *events = append(*events, e) }))
	}
	return NewRunner(lister, sub, waiter, store, nil, opts...), &sleeps
}

func TestRunner_FireAndForget(t *testing.T) {
	lister := &fakeLister{keys: []string{"docs/", "docs/a", "docs/b", "docs/old", "docs/c"}}
	sub := &fakeSubmitter{}
	store := &memStore{set: tracking.NewSet("docs/old")}
	r, sleeps := newTestRunner(lister, sub, &fakeWaiter{}, store, nil)

	report, err := r.Run(context.Background(), baseOptions())
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"docs/a", "docs/b"}, {"docs/c"}}, sub.batches)
	assert.Equal(t, []time.Duration{DefaultBatchDelay}, *sleeps, "no delay after the last batch")
	assert.Equal(t, []string{"JOB1", "JOB2"}, report.JobIDs())
	assert.Equal(t, 1, report.AlreadyTracked)
	assert.Equal(t, 3, report.NewlyTracked)
	assert.True(t, report.Unverified)

	require.Len(t, store.saves, 1, "saved once at the end")
	assert.Equal(t, []string{"docs/a", "docs/b", "docs/c", "docs/old"}, store.saves[0])
}

func TestRunner_FireAndForget_SkipsRejectedDocuments(t *testing.T) {
	lister := &fakeLister{keys: []string{"a", "b"}}
	sub := &fakeSubmitter{rejected: map[string]bool{"b": true}}
	store := &memStore{set: tracking.NewSet()}
	r, _ := newTestRunner(lister, sub, &fakeWaiter{}, store, nil)

	_, err := r.Run(context.Background(), baseOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, store.set.Keys())
}

func TestRunner_WaitMode(t *testing.T) {
	lister := &fakeLister{keys: []string{"a", "b", "c", "d"}}
	sub := &fakeSubmitter{}
	waiter := &fakeWaiter{statuses: map[string]Status{"JOB1": StatusComplete, "JOB2": StatusFailed}}
	store := &memStore{set: tracking.NewSet()}
	r, sleeps := newTestRunner(lister, sub, waiter, store, nil)

	opts := baseOptions()
	opts.Wait = true
	report, err := r.Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, []string{"JOB1", "JOB2"}, waiter.waited)
	assert.Empty(t, *sleeps, "no inter-batch delay while waiting")
	assert.Equal(t, 1, report.SucceededBatches)
	assert.Equal(t, 1, report.FailedBatches)
	assert.Equal(t, 2, report.NewlyTracked)
	assert.False(t, report.Unverified)

	require.Len(t, store.saves, 1, "saved after the successful batch only")
	assert.Equal(t, []string{"a", "b"}, store.saves[0])
}

func TestRunner_BatchErrorsDoNotStopRun(t *testing.T) {
	lister := &fakeLister{keys: []string{"a", "b", "c"}}
	sub := &fakeSubmitter{fail: map[int]error{1: errors.New("access denied")}}
	store := &memStore{set: tracking.NewSet()}
	var events []Event
	r, _ := newTestRunner(lister, sub, &fakeWaiter{}, store, &events)

	report, err := r.Run(context.Background(), baseOptions())
	require.NoError(t, err)

	assert.Len(t, sub.batches, 2)
	assert.Equal(t, 1, report.FailedBatches)
	assert.Equal(t, []string{"JOB2"}, report.JobIDs())
	assert.Equal(t, []string{"c"}, store.set.Keys())

	kinds := make([]EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []EventKind{
		EventPlanned,
		EventBatchStarted, EventBatchFailed,
		EventBatchStarted, EventBatchSubmitted, EventBatchDone,
		EventFinished,
	}, kinds)
}

func TestRunner_WaitErrorCountsAsFailure(t *testing.T) {
	lister := &fakeLister{keys: []string{"a"}}
	waiter := &fakeWaiter{err: ErrWaitTimeout}
	store := &memStore{set: tracking.NewSet()}
	r, _ := newTestRunner(lister, &fakeSubmitter{}, waiter, store, nil)

	opts := baseOptions()
	opts.Wait = true
	report, err := r.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FailedBatches)
	assert.Empty(t, store.saves)
}

func TestRunner_NothingToDo(t *testing.T) {
	lister := &fakeLister{keys: []string{"docs/", "docs/a"}}
	sub := &fakeSubmitter{}
	store := &memStore{set: tracking.NewSet("docs/a")}
	r, _ := newTestRunner(lister, sub, &fakeWaiter{}, store, nil)

	report, err := r.Run(context.Background(), baseOptions())
	require.NoError(t, err)
	assert.Zero(t, report.Batches)
	assert.Empty(t, sub.batches)
	assert.Empty(t, store.saves)
}

func TestRunner_SkipMetadata(t *testing.T) {
	lister := &fakeLister{keys: []string{"a.pdf", "a.pdf.metadata.json", "b.pdf"}}
	sub := &fakeSubmitter{}
	r, _ := newTestRunner(lister, sub, &fakeWaiter{}, nil, nil)

	opts := baseOptions()
	opts.SkipMetadata = true
	report, err := r.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MetadataFiltered)
	assert.Equal(t, 2, report.Listed)
	assert.Equal(t, [][]string{{"a.pdf", "b.pdf"}}, sub.batches)
	assert.Zero(t, report.NewlyTracked, "tracking disabled")
}

func TestRunner_ForceReupload(t *testing.T) {
	lister := &fakeLister{keys: []string{"a", "b"}}
	sub := &fakeSubmitter{}
	store := &memStore{set: tracking.NewSet("a", "zzz")}
	r, _ := newTestRunner(lister, sub, &fakeWaiter{}, store, nil)

	opts := baseOptions()
	opts.ForceReupload = true
	report, err := r.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}}, sub.batches)
	assert.Zero(t, report.AlreadyTracked)
	assert.Equal(t, []string{"a", "b", "zzz"}, store.set.Keys(), "earlier records are kept")
}

func TestRunner_BatchSize(t *testing.T) {
	keys := make([]string, 30)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%02d", i)
	}

	t.Run("capped at maximum", func(t *testing.T) {
		sub := &fakeSubmitter{}
		r, _ := newTestRunner(&fakeLister{keys: keys}, sub, &fakeWaiter{}, nil, nil)
		opts := baseOptions()
		opts.BatchSize = 100
		_, err := r.Run(context.Background(), opts)
		require.NoError(t, err)
		require.Len(t, sub.batches, 2)
		assert.Len(t, sub.batches[0], 25)
		assert.Len(t, sub.batches[1], 5)
	})

	t.Run("invalid", func(t *testing.T) {
		r, _ := newTestRunner(&fakeLister{keys: keys}, &fakeSubmitter{}, &fakeWaiter{}, nil, nil)
		opts := baseOptions()
		opts.BatchSize = 0
		_, err := r.Run(context.Background(), opts)
		assert.Error(t, err)
	})
}

func TestRunner_ListError(t *testing.T) {
	boom := errors.New("no such bucket")
	r, _ := newTestRunner(&fakeLister{err: boom}, &fakeSubmitter{}, &fakeWaiter{}, nil, nil)

	_, err := r.Run(context.Background(), baseOptions())
	assert.ErrorIs(t, err, boom)
}

func TestRunner_CanceledStillTracksSubmitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lister := &fakeLister{keys: []string{"a", "b", "c"}}
	sub := &fakeSubmitter{}
	store := &memStore{set: tracking.NewSet()}
	r := NewRunner(lister, sub, &fakeWaiter{}, store, nil, WithSleeper(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := r.Run(ctx, baseOptions())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, sub.batches, 1)
	assert.Equal(t, []string{"a", "b"}, store.set.Keys())
}
