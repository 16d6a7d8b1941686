package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/model"
)

func chunk(doc string, idx int, text string, vec []float32) model.IndexEntry {
	return model.IndexEntry{
		ID:         model.ChunkID(doc, idx),
		DocumentID: doc,
		ChunkIndex: idx,
		Text:       text,
		Start:      idx * 10,
		End:        idx*10 + len(text),
		Vector:     vec,
		Metadata:   map[string]string{"format": "txt"},
	}
}

func TestChromemStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewChromemStore("", "test_chunks")
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, []model.IndexEntry{
		chunk("a", 0, "payment terms", []float32{1, 0, 0}),
		chunk("a", 1, "termination", []float32{0, 1, 0}),
		chunk("b", 0, "payment schedule", []float32{0.9, 0.1, 0}),
	}))
	assert.Equal(t, 3, count(t, s))

	// topK 大于条目数时不会报错
	got, err := s.Query(ctx, []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a_0", got[0].Entry.ID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-5)
	assert.Equal(t, "a", got[0].Entry.DocumentID)
	assert.Equal(t, 0, got[0].Entry.ChunkIndex)
	assert.Equal(t, "payment terms", got[0].Entry.Text)
	assert.Equal(t, "txt", got[0].Entry.Metadata["format"])
	assert.Equal(t, "b_0", got[1].Entry.ID)

	got, err = s.Query(ctx, []float32{1, 0, 0}, 5, model.Filter{KeyDocumentID: "b"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b_0", got[0].Entry.ID)
}

func TestChromemStoreUpsertOverwritesAndDeletes(t *testing.T) {
	ctx := context.Background()
	s, err := NewChromemStore("", "test_chunks")
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, []model.IndexEntry{chunk("a", 0, "old", []float32{1, 0})}))
	require.NoError(t, s.Upsert(ctx, []model.IndexEntry{chunk("a", 0, "new", []float32{1, 0})}))
	assert.Equal(t, 1, count(t, s))

	got, err := s.Query(ctx, []float32{1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Entry.Text)

	require.NoError(t, s.Upsert(ctx, []model.IndexEntry{chunk("b", 0, "keep", []float32{0, 1})}))
	require.NoError(t, s.DeleteByDocument(ctx, "a"))
	require.NoError(t, s.DeleteByDocument(ctx, "missing"))
	assert.Equal(t, 1, count(t, s))
}

func TestChromemStoreEmptyQuery(t *testing.T) {
	s, err := NewChromemStore("", "empty")
	require.NoError(t, err)
	got, err := s.Query(context.Background(), []float32{1, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, s.DeleteByDocument(context.Background(), "x"))
}

func TestFilterDocument(t *testing.T) {
	doc, err := filterDocument(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", doc)
	doc, err = filterDocument(model.Filter{"document_id": "abc"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"document_id":"abc"}`, doc)
}

func count(t *testing.T, s *ChromemStore) int {
	t.Helper()
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	return n
}
