package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"docqa-go/pkg/tasks"
)

type stubProcessor struct {
	err   error
	tasks []tasks.PipelineTask
}

func (p *stubProcessor) Process(ctx context.Context, task tasks.PipelineTask) error {
	p.tasks = append(p.tasks, task)
	return p.err
}

type memCounter struct {
	counts map[string]int64
}

func (c *memCounter) Incr(ctx context.Context, key string) (int64, error) {
	c.counts[key]++
	return c.counts[key], nil
}

func (c *memCounter) Reset(ctx context.Context, key string) error {
	delete(c.counts, key)
	return nil
}

func TestHandleMessageCommitsOnSuccess(t *testing.T) {
	p := &stubProcessor{}
	c := &memCounter{counts: map[string]int64{"kafka:attempts:job-1": 1}}

	assert.True(t, handleMessage(context.Background(), []byte(`{"job_id":"job-1","kind":"document_processing"}`), p, c))
	assert.Equal(t, "job-1", p.tasks[0].JobID)
	assert.Empty(t, c.counts)
}

func TestHandleMessageRedeliversUntilLimit(t *testing.T) {
	p := &stubProcessor{err: errors.New("job store unavailable")}
	c := &memCounter{counts: map[string]int64{}}
	msg := []byte(`{"job_id":"job-2"}`)

	for i := 1; i < MaxDeliveries; i++ {
		assert.False(t, handleMessage(context.Background(), msg, p, c), "delivery %d", i)
	}
	assert.True(t, handleMessage(context.Background(), msg, p, c))
	assert.Len(t, p.tasks, MaxDeliveries)
}

func TestHandleMessageCommitsMalformedMessages(t *testing.T) {
	p := &stubProcessor{}
	assert.True(t, handleMessage(context.Background(), []byte("not json"), p, nil))
	assert.True(t, handleMessage(context.Background(), []byte(`{}`), p, nil))
	assert.Empty(t, p.tasks)
}
