package rag

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"docqa-go/pkg/errs"
	"docqa-go/pkg/log"
	"docqa-go/pkg/retry"
)

// EmbedderOptions 配置批量向量化。
type EmbedderOptions struct {
	BatchSize   int
	Concurrency int
	Dimension   int
	CallTimeout time.Duration
	Retry       retry.Policy
}

// Embedder 把任意数量的文本按批次发送给 EmbeddingModel，并按输入顺序拼回结果。
// 每个批次要么全部成功，要么整个调用失败，不会返回部分结果。
type Embedder struct {
	model EmbeddingModel
	opts  EmbedderOptions
}

// NewEmbedder 创建 Embedder。BatchSize 与 Dimension 必须为正数。
func NewEmbedder(m EmbeddingModel, opts EmbedderOptions) (*Embedder, error) {
	if opts.BatchSize <= 0 {
		return nil, errs.Newf(errs.InvalidConfiguration, "rag.NewEmbedder", "batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Dimension <= 0 {
		return nil, errs.Newf(errs.InvalidConfiguration, "rag.NewEmbedder", "dimension must be positive, got %d", opts.Dimension)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Embedder{model: m, opts: opts}, nil
}

// Dimension 返回向量维度。
func (e *Embedder) Dimension() int { return e.opts.Dimension }

// Embed 返回与 texts 一一对应的向量。
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for start := 0; start < len(texts); start += e.opts.BatchSize {
		end := start + e.opts.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, batch := start, texts[start:end]
		g.Go(func() error {
			vectors, err := e.embedBatch(gctx, batch)
			if err != nil {
				return fmt.Errorf("batch [%d,%d): %w", start, start+len(batch), err)
			}
			copy(out[start:], vectors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Embedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	const op = "rag.Embedder"
	var vectors [][]float32
	policy := e.opts.Retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warnf("[Embedder] 批次向量化失败，%s 后重试, attempt: %d, size: %d, error: %v", wait, attempt, len(batch), err)
	}

	_, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		return callWithTimeout(ctx, e.opts.CallTimeout, op, func(callCtx context.Context) error {
			got, err := e.model.Embed(callCtx, batch)
			if err != nil {
				return err
			}
			if len(got) != len(batch) {
				return errs.Newf(errs.ServiceError, op, "expected %d vectors, got %d", len(batch), len(got))
			}
			for i, v := range got {
				if len(v) != e.opts.Dimension {
					return errs.Newf(errs.InvalidConfiguration, op, "vector %d has dimension %d, want %d", i, len(v), e.opts.Dimension)
				}
			}
			vectors = got
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}
