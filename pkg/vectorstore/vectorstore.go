// Package vectorstore 提供分块向量存储的内嵌 (chromem) 与 PostgreSQL (pgvector) 实现。
// Elasticsearch 实现位于 pkg/es。
package vectorstore

import (
	"strconv"

	"docqa-go/internal/model"
)

// 各存储随向量一起保存的元数据键
const (
	KeyDocumentID  = "document_id"
	KeyChunkIndex  = "chunk_index"
	KeyStartOffset = "start_offset"
	KeyEndOffset   = "end_offset"
)

// entryMetadata 返回补充了位置信息的条目元数据。
func entryMetadata(e model.IndexEntry) map[string]string {
	md := make(map[string]string, len(e.Metadata)+4)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[KeyDocumentID] = e.DocumentID
	md[KeyChunkIndex] = strconv.Itoa(e.ChunkIndex)
	md[KeyStartOffset] = strconv.Itoa(e.Start)
	md[KeyEndOffset] = strconv.Itoa(e.End)
	return md
}

// entryFromMetadata 从存储的记录还原条目。
func entryFromMetadata(id, text string, md map[string]string) model.IndexEntry {
	e := model.IndexEntry{ID: id, Text: text, Metadata: md, DocumentID: md[KeyDocumentID]}
	e.ChunkIndex, _ = strconv.Atoi(md[KeyChunkIndex])
	e.Start, _ = strconv.Atoi(md[KeyStartOffset])
	e.End, _ = strconv.Atoi(md[KeyEndOffset])
	return e
}
