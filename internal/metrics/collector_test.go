package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RecordTiming(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(OpIngestSubmit, 10*time.Millisecond, nil)
	c.RecordTiming(OpIngestSubmit, 30*time.Millisecond, errors.New("boom"))

	snap := c.Snapshot()
	op := snap.Operations[OpIngestSubmit]
	require.NotNil(t, op)
	assert.Equal(t, int64(2), op.Count)
	assert.Equal(t, int64(1), op.Errors)
	assert.Equal(t, int64(40), op.TotalTimeMs)
	assert.Equal(t, 20.0, op.AvgTimeMs)
	assert.Equal(t, int64(10), op.MinTimeMs)
	assert.Equal(t, int64(30), op.MaxTimeMs)
	assert.Nil(t, op.TotalInputTokens)
}

func TestCollector_RecordLLMUsage(t *testing.T) {
	c := NewCollector()
	c.RecordLLMUsage(OpConverse, time.Second, 100, 20)
	c.RecordLLMUsage(OpConverse, time.Second, 50, 10)

	op := c.Snapshot().Operations[OpConverse]
	require.NotNil(t, op)
	require.NotNil(t, op.TotalInputTokens)
	assert.Equal(t, int64(150), *op.TotalInputTokens)
	assert.Equal(t, int64(30), *op.TotalOutputTokens)
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Add(CounterRetries, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), c.Snapshot().Counters[CounterRetries])
}

func TestCollector_Time(t *testing.T) {
	c := NewCollector()
	boom := errors.New("boom")
	err := c.Time(OpS3List, func() error { return boom })

	assert.Same(t, boom, err)
	snap := c.Snapshot()
	assert.Equal(t, []string{OpS3List}, snap.OperationNames())
	assert.Equal(t, int64(1), snap.Operations[OpS3List].Errors)
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	c.RecordTiming(OpS3List, time.Second, nil)
	c.RecordLLMUsage(OpConverse, time.Second, 1, 1)
	c.Add(CounterRetries, 1)
	assert.NoError(t, c.Time(OpS3List, func() error { return nil }))
}
