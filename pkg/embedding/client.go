// Package embedding provides a client for OpenAI-compatible embedding APIs.
package embedding

import (
	"context"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/time/rate"

	"docqa-go/internal/config"
	"docqa-go/pkg/errs"
	"docqa-go/pkg/llm"
	"docqa-go/pkg/log"
)

// Client embeds a batch of texts; the result is aligned with the input.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type openAICompatibleClient struct {
	client     openai.Client
	model      string
	dimensions int
	limiter    *rate.Limiter
}

// NewClient creates a new embedding client. SDK retries are disabled; the
// embedder retries each batch itself.
func NewClient(cfg config.EmbeddingConfig, dimensions int) Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &openAICompatibleClient{
		client:     openai.NewClient(opts...),
		model:      cfg.Model,
		dimensions: dimensions,
		limiter:    llm.NewLimiter(cfg.RequestsPerSecond),
	}
}

// Embed calls the embeddings endpoint once for the whole batch.
func (c *openAICompatibleClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "embedding.Embed"
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, llm.ClassifyError(op, err)
	}

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if c.dimensions > 0 {
		params.Dimensions = openai.Int(int64(c.dimensions))
	}

	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		log.Errorf("[EmbeddingClient] 调用 Embedding API 失败, model: %s, batch: %d, error: %v", c.model, len(texts), err)
		return nil, llm.ClassifyError(op, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, errs.Newf(errs.ServiceError, op, "expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(texts) || vectors[d.Index] != nil {
			return nil, errs.Newf(errs.ServiceError, op, "unexpected embedding index %d", d.Index)
		}
		v := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			v[i] = float32(f)
		}
		vectors[d.Index] = v
	}
	log.Debugf("[EmbeddingClient] 向量化完成, batch: %d, 维度: %d", len(texts), len(vectors[0]))
	return vectors, nil
}
