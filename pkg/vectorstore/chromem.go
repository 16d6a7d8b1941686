package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/philippgille/chromem-go"

	"docqa-go/internal/model"
	"docqa-go/pkg/errs"
)

// ChromemStore 把分块保存在内嵌的 chromem-go 集合中。path 为空时数据库只存在于内存。
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// 向量总是由上游计算后显式传入
func noEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("chromem store does not embed text itself")
}

// NewChromemStore 打开或创建集合。
func NewChromemStore(path, collection string) (*ChromemStore, error) {
	var (
		db  *chromem.DB
		err error
	)
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem db at %s: %w", path, err)
		}
	}
	c, err := db.GetOrCreateCollection(collection, map[string]string{"hnsw:space": "cosine"}, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to open chromem collection %s: %w", collection, err)
	}
	return &ChromemStore{db: db, collection: c}, nil
}

// Count 返回已保存的分块数量。
func (s *ChromemStore) Count(_ context.Context) (int, error) {
	return s.collection.Count(), nil
}

func (s *ChromemStore) Upsert(ctx context.Context, entries []model.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]string, len(entries))
	vectors := make([][]float32, len(entries))
	metadatas := make([]map[string]string, len(entries))
	contents := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
		// chromem 会原地归一化向量
		vectors[i] = append([]float32(nil), e.Vector...)
		metadatas[i] = entryMetadata(e)
		contents[i] = e.Text
	}
	if err := s.collection.Add(ctx, ids, vectors, metadatas, contents); err != nil {
		return errs.E(errs.ServiceError, "chromem.Upsert", err)
	}
	return nil
}

func (s *ChromemStore) Query(ctx context.Context, vector []float32, topK int, filter model.Filter) ([]model.ScoredEntry, error) {
	n := topK
	count := s.collection.Count()
	if count == 0 || n <= 0 {
		return nil, nil
	}
	if n > count {
		n = count
	}
	var where map[string]string
	if len(filter) > 0 {
		where = map[string]string(filter)
	}

	results, err := s.collection.QueryEmbedding(ctx, append([]float32(nil), vector...), n, where, nil)
	if err != nil {
		return nil, errs.E(errs.ServiceError, "chromem.Query", err)
	}
	out := make([]model.ScoredEntry, 0, len(results))
	for _, r := range results {
		out = append(out, model.ScoredEntry{
			Entry: entryFromMetadata(r.ID, r.Content, r.Metadata),
			Score: float64(r.Similarity),
		})
	}
	return out, nil
}

func (s *ChromemStore) DeleteByDocument(ctx context.Context, documentID string) error {
	if s.collection.Count() == 0 {
		return nil
	}
	if err := s.collection.Delete(ctx, map[string]string{KeyDocumentID: documentID}, nil); err != nil {
		return errs.E(errs.ServiceError, "chromem.DeleteByDocument", err)
	}
	return nil
}
