// Package model 定义了领域对象以及与数据库表对应的 Go 结构体。
package model

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"
)

// Format 是受支持的源文档格式。
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatTXT  Format = "txt"
	FormatHTML Format = "html"
)

// FormatFromFileName 根据扩展名推断格式，.htm 视为 html。
func FormatFromFileName(name string) Format {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "htm" {
		ext = "html"
	}
	return Format(ext)
}

// ContentType 返回上传到对象存储时使用的 MIME 类型。
func (f Format) ContentType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case FormatHTML:
		return "text/html"
	case FormatTXT:
		return "text/plain"
	}
	return "application/octet-stream"
}

// DocumentID 由文件名与内容共同决定：md5(md5(fileName) + md5(content))。
// 相同文件重复上传得到相同 ID，从而触发重建索引而不是产生重复条目。
func DocumentID(fileName string, content []byte) string {
	nameSum := md5.Sum([]byte(fileName))
	contentSum := md5.Sum(content)
	sum := md5.Sum([]byte(hex.EncodeToString(nameSum[:]) + hex.EncodeToString(contentSum[:])))
	return hex.EncodeToString(sum[:])
}

// DocumentStatus 是文档在索引流程中的状态。
type DocumentStatus string

const (
	DocumentPending  DocumentStatus = "pending"
	DocumentIndexing DocumentStatus = "indexing"
	DocumentIndexed  DocumentStatus = "indexed"
	DocumentFailed   DocumentStatus = "failed"
)

// Document 是一次索引请求对应的源文档。
type Document struct {
	DocumentID  string            `json:"documentId"`
	FileName    string            `json:"fileName"`
	Format      Format            `json:"format"`
	SizeBytes   int64             `json:"sizeBytes"`
	Text        string            `json:"-"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ProcessedAt time.Time         `json:"processedAt"`
}

// DocumentRecord 定义了 documents 表的 ORM 模型。
// 索引完成后除 Status 与统计字段外不再修改。
type DocumentRecord struct {
	ID             uint           `gorm:"primaryKey;autoIncrement" json:"-"`
	DocumentID     string         `gorm:"type:varchar(64);not null;uniqueIndex" json:"documentId"`
	FileName       string         `gorm:"type:varchar(255);not null" json:"fileName"`
	Format         Format         `gorm:"type:varchar(16);not null" json:"format"`
	SizeBytes      int64          `gorm:"not null" json:"sizeBytes"`
	Status         DocumentStatus `gorm:"type:varchar(16);not null;default:pending" json:"status"`
	ChunkCount     int            `gorm:"not null;default:0" json:"chunkCount"`
	TokensEstimate int            `gorm:"not null;default:0" json:"tokensEstimate"`
	RawKey         string         `gorm:"type:varchar(512)" json:"rawKey"`
	TextKey        string         `gorm:"type:varchar(512)" json:"textKey"`
	Summary        string         `gorm:"type:text" json:"summary,omitempty"`
	ErrorMessage   string         `gorm:"type:text" json:"errorMessage,omitempty"`
	Metadata       string         `gorm:"type:text" json:"-"`
	CreatedAt      LocalTime      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      LocalTime      `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (DocumentRecord) TableName() string {
	return "documents"
}

// DocumentStats 汇总知识库中的文档。分块数与 token 数只统计已索引的文档。
type DocumentStats struct {
	TotalDocuments int64                    `json:"totalDocuments"`
	ByStatus       map[DocumentStatus]int64 `json:"byStatus"`
	IndexedChunks  int64                    `json:"indexedChunks"`
	IndexedTokens  int64                    `json:"indexedTokens"`
	TotalBytes     int64                    `json:"totalBytes"`
}

// Add 把一组同状态文档的统计累加进来。
func (s *DocumentStats) Add(status DocumentStatus, documents, chunks, tokens, bytes int64) {
	if s.ByStatus == nil {
		s.ByStatus = make(map[DocumentStatus]int64)
	}
	s.TotalDocuments += documents
	s.ByStatus[status] += documents
	s.TotalBytes += bytes
	if status == DocumentIndexed {
		s.IndexedChunks += chunks
		s.IndexedTokens += tokens
	}
}

// IndexSummary 是一次成功索引的结果。
type IndexSummary struct {
	DocumentID          string `json:"documentId"`
	ChunkCount          int    `json:"chunkCount"`
	TotalTokensEstimate int    `json:"totalTokensEstimate"`
	RawKey              string `json:"rawKey"`
	TextKey             string `json:"textKey"`
}
