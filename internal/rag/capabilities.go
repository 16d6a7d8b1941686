// Package rag 实现检索增强问答的核心：分块、向量化、索引、检索与答案合成。
// 外部能力（文本抽取、模型、向量库、对象存储）均通过本文件中的接口注入。
package rag

import (
	"context"

	"docqa-go/internal/model"
	"docqa-go/pkg/llm"
)

// TextExtractor 从原始文件字节中抽取纯文本。
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, fileName string, format model.Format) (string, error)
}

// EmbeddingModel 为一批文本生成向量，返回值与输入一一对应。
type EmbeddingModel interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// GenerationModel 根据提示词生成回答。
type GenerationModel interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// StreamingModel 是支持流式输出的生成模型，生成内容分块写入 writer。
type StreamingModel interface {
	StreamGenerate(ctx context.Context, prompt string, maxTokens int, writer llm.MessageWriter) error
}

// VectorStore 是向量数据库的最小能力集合。Query 返回的分数为余弦相似度。
type VectorStore interface {
	Upsert(ctx context.Context, entries []model.IndexEntry) error
	Query(ctx context.Context, vector []float32, topK int, filter model.Filter) ([]model.ScoredEntry, error)
	DeleteByDocument(ctx context.Context, documentID string) error
}

// EntryCounter 由能统计条目总数的向量库实现，用于知识库统计。
type EntryCounter interface {
	Count(ctx context.Context) (int, error)
}

// BlobStore 存放原始文件与抽取后的文本。
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
