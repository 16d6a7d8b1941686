package rag

import (
	"context"
	"sort"
	"time"

	"docqa-go/internal/model"
	"docqa-go/pkg/errs"
)

// VectorIndex 包装具体的 VectorStore，统一分数约定：
// 分数为余弦相似度，负值丢弃，结果按分数降序，长度不超过 topK。
type VectorIndex struct {
	store       VectorStore
	dimension   int
	callTimeout time.Duration
}

func NewVectorIndex(store VectorStore, dimension int, callTimeout time.Duration) *VectorIndex {
	return &VectorIndex{store: store, dimension: dimension, callTimeout: callTimeout}
}

// Upsert 写入条目，相同 ID 覆盖。
func (v *VectorIndex) Upsert(ctx context.Context, entries []model.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if e.ID == "" || e.DocumentID == "" {
			return errs.New(errs.InvalidConfiguration, "rag.VectorIndex.Upsert", "entry id and document id are required")
		}
		if v.dimension > 0 && len(e.Vector) != v.dimension {
			return errs.Newf(errs.InvalidConfiguration, "rag.VectorIndex.Upsert", "entry %s has dimension %d, want %d", e.ID, len(e.Vector), v.dimension)
		}
	}
	return callWithTimeout(ctx, v.callTimeout, "rag.VectorIndex.Upsert", func(ctx context.Context) error {
		return v.store.Upsert(ctx, entries)
	})
}

// Query 返回与 vector 最相似的至多 topK 个条目。
func (v *VectorIndex) Query(ctx context.Context, vector []float32, topK int, filter model.Filter) (model.RetrievalResult, error) {
	if topK <= 0 {
		return nil, errs.Newf(errs.InvalidConfiguration, "rag.VectorIndex.Query", "top_k must be positive, got %d", topK)
	}
	var raw []model.ScoredEntry
	err := callWithTimeout(ctx, v.callTimeout, "rag.VectorIndex.Query", func(ctx context.Context) error {
		var err error
		raw, err = v.store.Query(ctx, vector, topK, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return normalizeScores(raw, topK), nil
}

// Count 返回索引中的条目总数。底层存储不支持统计时 ok 为 false。
func (v *VectorIndex) Count(ctx context.Context) (n int, ok bool, err error) {
	counter, ok := v.store.(EntryCounter)
	if !ok {
		return 0, false, nil
	}
	err = callWithTimeout(ctx, v.callTimeout, "rag.VectorIndex.Count", func(ctx context.Context) error {
		var err error
		n, err = counter.Count(ctx)
		return err
	})
	return n, true, err
}

// DeleteByDocument 删除文档的全部条目，文档不存在时不报错。
func (v *VectorIndex) DeleteByDocument(ctx context.Context, documentID string) error {
	return callWithTimeout(ctx, v.callTimeout, "rag.VectorIndex.DeleteByDocument", func(ctx context.Context) error {
		return v.store.DeleteByDocument(ctx, documentID)
	})
}

func normalizeScores(raw []model.ScoredEntry, topK int) model.RetrievalResult {
	out := make(model.RetrievalResult, 0, len(raw))
	for _, r := range raw {
		if r.Score < 0 {
			continue
		}
		if r.Score > 1 {
			r.Score = 1
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entry.ID < out[j].Entry.ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}
