package model

import "fmt"

// Chunk 是文档规范化文本中的一段连续窗口。Start/End 为 Unicode 码点偏移，左闭右开。
type Chunk struct {
	DocumentID string    `json:"documentId"`
	Index      int       `json:"index"`
	Text       string    `json:"text"`
	Start      int       `json:"start"`
	End        int       `json:"end"`
	Embedding  []float32 `json:"-"`
}

// ChunkID 返回分块在向量索引中的主键。
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s_%d", documentID, index)
}

// IndexEntry 是向量索引中的一条记录，每个分块对应一条。
type IndexEntry struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"documentId"`
	ChunkIndex int               `json:"chunkIndex"`
	Text       string            `json:"text"`
	Start      int               `json:"start"`
	End        int               `json:"end"`
	Vector     []float32         `json:"-"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ScoredEntry 是一条带余弦相似度（[0,1]）的检索结果。
type ScoredEntry struct {
	Entry IndexEntry `json:"entry"`
	Score float64    `json:"score"`
}

// RetrievalResult 按分数降序排列，长度不超过 top_k。
type RetrievalResult []ScoredEntry

// Filter 按元数据做等值过滤，例如 {"document_id": "..."}。
type Filter map[string]string
