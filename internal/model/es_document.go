package model

// SearchResponseDTO 定义了返回给前端的检索结果结构。
type SearchResponseDTO struct {
	ChunkID     string            `json:"chunkId"`
	DocumentID  string            `json:"documentId"`
	FileName    string            `json:"fileName"`
	ChunkIndex  int               `json:"chunkIndex"`
	TextContent string            `json:"textContent"`
	Score       float64           `json:"score"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SearchResponseFrom 把检索结果转换为返回给前端的结构，文件名取自元数据。
func SearchResponseFrom(result RetrievalResult) []SearchResponseDTO {
	out := make([]SearchResponseDTO, 0, len(result))
	for _, r := range result {
		out = append(out, SearchResponseDTO{
			ChunkID:     r.Entry.ID,
			DocumentID:  r.Entry.DocumentID,
			FileName:    r.Entry.Metadata["file_name"],
			ChunkIndex:  r.Entry.ChunkIndex,
			TextContent: r.Entry.Text,
			Score:       r.Score,
			Metadata:    r.Entry.Metadata,
		})
	}
	return out
}

// EsChunk 定义了存储在 Elasticsearch 中的分块文档结构。
type EsChunk struct {
	ChunkID     string            `json:"chunk_id"`
	DocumentID  string            `json:"document_id"`
	ChunkIndex  int               `json:"chunk_index"`
	TextContent string            `json:"text_content"`
	Start       int               `json:"start_offset"`
	End         int               `json:"end_offset"`
	Vector      []float32         `json:"vector"`
	Metadata    map[string]string `json:"metadata"`
}
