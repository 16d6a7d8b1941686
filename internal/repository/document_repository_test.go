package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/model"
	"docqa-go/pkg/errs"
)

func TestMemoryDocumentRepositoryLifecycle(t *testing.T) {
	repo := NewMemoryDocumentRepository()
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &model.DocumentRecord{
		DocumentID: "doc1", FileName: "handbook.pdf", Format: model.FormatPDF, Status: model.DocumentPending,
	}))
	require.NoError(t, repo.MarkIndexing(ctx, "doc1"))
	require.NoError(t, repo.MarkIndexed(ctx, "doc1", model.IndexSummary{
		DocumentID: "doc1", ChunkCount: 4, TotalTokensEstimate: 900, RawKey: "raw/doc1/handbook.pdf", TextKey: "processed/doc1.txt",
	}))
	require.NoError(t, repo.SaveSummary(ctx, "doc1", "An employee handbook."))

	rec, err := repo.FindByDocumentID(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentIndexed, rec.Status)
	assert.Equal(t, 4, rec.ChunkCount)
	assert.Equal(t, "processed/doc1.txt", rec.TextKey)
	assert.Equal(t, "An employee handbook.", rec.Summary)

	records, total, err := repo.List(ctx, model.DocumentIndexed, 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, records, 1)

	records, total, err = repo.List(ctx, model.DocumentFailed, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, records)

	require.NoError(t, repo.Delete(ctx, "doc1"))
	_, err = repo.FindByDocumentID(ctx, "doc1")
	assert.True(t, errs.Is(err, errs.NotFound))
	assert.True(t, errs.Is(repo.Delete(ctx, "doc1"), errs.NotFound))
	assert.True(t, errs.Is(repo.MarkFailed(ctx, "doc1", "boom"), errs.NotFound))
}

func TestMemoryDocumentRepositoryStats(t *testing.T) {
	repo := NewMemoryDocumentRepository()
	ctx := context.Background()
	for _, rec := range []model.DocumentRecord{
		{DocumentID: "a", FileName: "a.pdf", SizeBytes: 100, Status: model.DocumentPending},
		{DocumentID: "b", FileName: "b.pdf", SizeBytes: 200, Status: model.DocumentPending},
		{DocumentID: "c", FileName: "c.pdf", SizeBytes: 300, Status: model.DocumentPending},
	} {
		rec := rec
		require.NoError(t, repo.Upsert(ctx, &rec))
	}
	require.NoError(t, repo.MarkIndexed(ctx, "a", model.IndexSummary{DocumentID: "a", ChunkCount: 3, TotalTokensEstimate: 700}))
	require.NoError(t, repo.MarkIndexed(ctx, "b", model.IndexSummary{DocumentID: "b", ChunkCount: 2, TotalTokensEstimate: 300}))
	require.NoError(t, repo.MarkFailed(ctx, "c", "extraction failed"))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalDocuments)
	assert.EqualValues(t, 2, stats.ByStatus[model.DocumentIndexed])
	assert.EqualValues(t, 1, stats.ByStatus[model.DocumentFailed])
	assert.EqualValues(t, 5, stats.IndexedChunks)
	assert.EqualValues(t, 1000, stats.IndexedTokens)
	assert.EqualValues(t, 600, stats.TotalBytes)
}
