package model

// Citation 指向被放入上下文的分块。
type Citation struct {
	ChunkID    string  `json:"chunkId"`
	DocumentID string  `json:"documentId"`
	ChunkIndex int     `json:"chunkIndex"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

// Answer 是问答的返回结果。NoContext 为 true 时没有调用生成模型。
type Answer struct {
	Text          string     `json:"answer"`
	CitedChunkIDs []string   `json:"citedChunkIds"`
	Citations     []Citation `json:"citations"`
	Truncated     bool       `json:"truncated"`
	NoContext     bool       `json:"noContext"`
	ContextLength int        `json:"contextLength"`
}
