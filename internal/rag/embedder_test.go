package rag

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/pkg/errs"
)

func newTestEmbedder(t *testing.T, m EmbeddingModel, batch, concurrency int) *Embedder {
	t.Helper()
	e, err := NewEmbedder(m, EmbedderOptions{BatchSize: batch, Concurrency: concurrency, Dimension: testDim, Retry: testPolicy(3)})
	require.NoError(t, err)
	return e
}

func TestEmbedPreservesOrderAcrossConcurrentBatches(t *testing.T) {
	texts := make([]string, 23)
	m := &fakeEmbeddingModel{vectors: map[string][]float32{}}
	for i := range texts {
		texts[i] = fmt.Sprintf("chunk-%02d", i)
		m.vectors[texts[i]] = []float32{float32(i), 1, 0, 0}
	}

	vectors, err := newTestEmbedder(t, m, 5, 3).Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	for i, v := range vectors {
		assert.Equal(t, float32(i), v[0], "vector %d out of order", i)
	}
	assert.Equal(t, 5, m.callCount())
	for _, call := range m.calls {
		assert.LessOrEqual(t, len(call), 5)
	}
}

func TestEmbedRetriesThrottledBatch(t *testing.T) {
	m := &fakeEmbeddingModel{fail: func(call int, texts []string) error {
		if call == 1 {
			return errs.New(errs.Throttled, "fake", "429")
		}
		return nil
	}}
	vectors, err := newTestEmbedder(t, m, 10, 1).Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	assert.Equal(t, 2, m.callCount())
}

func TestEmbedFailsWholeCallWhenOneBatchFails(t *testing.T) {
	m := &fakeEmbeddingModel{fail: func(call int, texts []string) error {
		for _, t := range texts {
			if t == "t7" {
				return errs.New(errs.ServiceError, "fake", "503")
			}
		}
		return nil
	}}
	texts := []string{"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8"}

	vectors, err := newTestEmbedder(t, m, 3, 1).Embed(context.Background(), texts)
	require.Error(t, err)
	assert.Nil(t, vectors)
	assert.Equal(t, errs.ServiceError, errs.KindOf(err))
}

func TestEmbedDoesNotRetryFatalErrors(t *testing.T) {
	m := &fakeEmbeddingModel{fail: func(call int, texts []string) error {
		return errs.New(errs.InvalidConfiguration, "fake", "bad model")
	}}
	_, err := newTestEmbedder(t, m, 10, 1).Embed(context.Background(), []string{"x"})
	assert.Equal(t, errs.InvalidConfiguration, errs.KindOf(err))
	assert.Equal(t, 1, m.callCount())
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	m := &fakeEmbeddingModel{vectors: map[string][]float32{"x": {1, 2}}}
	_, err := newTestEmbedder(t, m, 10, 1).Embed(context.Background(), []string{"x"})
	assert.Equal(t, errs.InvalidConfiguration, errs.KindOf(err))
}

func TestEmbedEmptyInput(t *testing.T) {
	m := &fakeEmbeddingModel{}
	vectors, err := newTestEmbedder(t, m, 10, 1).Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Equal(t, 0, m.callCount())
}

func TestNewEmbedderValidation(t *testing.T) {
	_, err := NewEmbedder(&fakeEmbeddingModel{}, EmbedderOptions{BatchSize: 0, Dimension: 4})
	assert.Equal(t, errs.InvalidConfiguration, errs.KindOf(err))
	_, err = NewEmbedder(&fakeEmbeddingModel{}, EmbedderOptions{BatchSize: 4, Dimension: 0})
	assert.Equal(t, errs.InvalidConfiguration, errs.KindOf(err))
}
