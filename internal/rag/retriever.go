package rag

import (
	"context"
	"strings"

	"docqa-go/internal/model"
	"docqa-go/pkg/errs"
	"docqa-go/pkg/log"
)

// Retriever 把问题向量化后在索引中检索最相关的分块。
type Retriever struct {
	embedder *Embedder
	index    *VectorIndex
}

func NewRetriever(embedder *Embedder, index *VectorIndex) *Retriever {
	return &Retriever{embedder: embedder, index: index}
}

// Retrieve 返回分数不低于 threshold 的至多 topK 个分块，按分数降序。
// 没有满足条件的分块时返回空结果而不是错误。
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, threshold float64, filter model.Filter) (model.RetrievalResult, error) {
	const op = "rag.Retriever.Retrieve"
	if strings.TrimSpace(query) == "" {
		return nil, errs.New(errs.InvalidConfiguration, op, "query must not be empty")
	}
	if topK <= 0 {
		return nil, errs.Newf(errs.InvalidConfiguration, op, "top_k must be positive, got %d", topK)
	}
	if threshold < 0 || threshold > 1 {
		return nil, errs.Newf(errs.InvalidConfiguration, op, "similarity threshold must be in [0, 1], got %v", threshold)
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	candidates, err := r.index.Query(ctx, vectors[0], topK, filter)
	if err != nil {
		return nil, err
	}

	result := make(model.RetrievalResult, 0, len(candidates))
	for _, c := range candidates {
		if c.Score >= threshold {
			result = append(result, c)
		}
	}
	log.Infof("[Retriever] 检索完成, topK: %d, threshold: %.2f, 候选: %d, 命中: %d", topK, threshold, len(candidates), len(result))
	return result, nil
}
