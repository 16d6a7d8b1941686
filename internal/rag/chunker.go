package rag

import (
	"docqa-go/internal/model"
	"docqa-go/pkg/errs"
)

// Chunker 按固定窗口切分文本，相邻分块重叠 overlap 个字符（Unicode 码点）。
type Chunker struct {
	size    int
	overlap int
}

// NewChunker 校验参数，要求 0 < overlap < size。
func NewChunker(size, overlap int) (*Chunker, error) {
	if err := validateChunking(size, overlap); err != nil {
		return nil, err
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

func validateChunking(size, overlap int) error {
	if size <= 0 || overlap <= 0 {
		return errs.Newf(errs.InvalidConfiguration, "rag.Chunker", "chunk size and overlap must be positive, got %d/%d", size, overlap)
	}
	if overlap >= size {
		return errs.Newf(errs.InvalidConfiguration, "rag.Chunker", "overlap %d must be smaller than chunk size %d", overlap, size)
	}
	return nil
}

// Size 返回分块大小。
func (c *Chunker) Size() int { return c.size }

// Overlap 返回重叠长度。
func (c *Chunker) Overlap() int { return c.overlap }

// Split 把文档文本切分为带偏移的分块。空文本返回空切片。
func (c *Chunker) Split(documentID, text string) []model.Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return []model.Chunk{}
	}

	step := c.size - c.overlap
	chunks := make([]model.Chunk, 0, len(runes)/step+1)
	for start := 0; ; start += step {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, model.Chunk{
			DocumentID: documentID,
			Index:      len(chunks),
			Text:       string(runes[start:end]),
			Start:      start,
			End:        end,
		})
		// 最后一个窗口即使短于 overlap 也保留
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// SplitText 是只返回文本的便捷形式。
func SplitText(text string, size, overlap int) ([]string, error) {
	c, err := NewChunker(size, overlap)
	if err != nil {
		return nil, err
	}
	chunks := c.Split("", text)
	out := make([]string, len(chunks))
	for i, ch := range chunks {
		out[i] = ch.Text
	}
	return out, nil
}
