package rag

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"time"
	"unicode/utf8"

	"docqa-go/internal/model"
	"docqa-go/pkg/errs"
	"docqa-go/pkg/log"
	"docqa-go/pkg/retry"
)

// TokenCounter 估算文本的 token 数。
type TokenCounter interface {
	Count(text string) int
}

// IndexerOptions 配置文档索引的限制。Retry 用于清理旧条目与回滚。
type IndexerOptions struct {
	MaxFileSize      int64
	SupportedFormats []string
	CallTimeout      time.Duration
	Retry            retry.Policy
}

// IndexRequest 是一次索引请求。DocumentID 为空时由文件名与内容派生，Format 为空时由扩展名推断。
type IndexRequest struct {
	DocumentID string
	FileName   string
	Data       []byte
	Format     model.Format
	Metadata   map[string]string
}

// Indexer 负责把一个文档变成向量索引中的条目：抽取、分块、向量化、写入、归档。
type Indexer struct {
	extractor TextExtractor
	chunker   *Chunker
	embedder  *Embedder
	index     *VectorIndex
	blobs     BlobStore
	tokens    TokenCounter
	opts      IndexerOptions
	formats   map[model.Format]struct{}
}

// NewIndexer 组装 Indexer。blobs 为 nil 时跳过归档。
func NewIndexer(extractor TextExtractor, chunker *Chunker, embedder *Embedder, index *VectorIndex, blobs BlobStore, tokens TokenCounter, opts IndexerOptions) *Indexer {
	formats := make(map[model.Format]struct{}, len(opts.SupportedFormats))
	for _, f := range opts.SupportedFormats {
		formats[model.Format(f)] = struct{}{}
	}
	return &Indexer{
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		index:     index,
		blobs:     blobs,
		tokens:    tokens,
		opts:      opts,
		formats:   formats,
	}
}

// RawKey 返回原始文件在对象存储中的路径。
func RawKey(documentID, fileName string) string {
	return fmt.Sprintf("raw/%s/%s", documentID, path.Base(fileName))
}

// TextKey 返回抽取文本在对象存储中的路径。
func TextKey(documentID string) string {
	return fmt.Sprintf("processed/%s.txt", documentID)
}

// IndexDocument 索引一个文档。对同一 DocumentID 重复调用会替换之前的全部条目。
// 写入或归档失败时会删除本次写入的条目，索引中不会残留部分结果。
func (ix *Indexer) IndexDocument(ctx context.Context, req IndexRequest) (model.IndexSummary, error) {
	const op = "rag.Indexer.IndexDocument"
	if req.Format == "" {
		req.Format = model.FormatFromFileName(req.FileName)
	}
	if req.DocumentID == "" {
		req.DocumentID = model.DocumentID(req.FileName, req.Data)
	}
	summary := model.IndexSummary{DocumentID: req.DocumentID}

	if _, ok := ix.formats[req.Format]; !ok {
		return summary, errs.E(errs.ExtractionFailed, op, errs.Newf(errs.UnsupportedFormat, op, "format %q is not supported", req.Format))
	}
	if ix.opts.MaxFileSize > 0 && int64(len(req.Data)) > ix.opts.MaxFileSize {
		return summary, errs.Newf(errs.FileTooLarge, op, "%d bytes exceeds the limit of %d bytes", len(req.Data), ix.opts.MaxFileSize)
	}

	log.Infof("[Indexer] 开始索引文档, DocumentID: %s, FileName: %s, Size: %d", req.DocumentID, req.FileName, len(req.Data))

	// 1. 抽取文本
	text, err := ix.extract(ctx, req)
	if err != nil {
		log.Errorf("[Indexer] 文本抽取失败, DocumentID: %s, Error: %v", req.DocumentID, err)
		return summary, err
	}
	log.Infof("[Indexer] 文本抽取成功, DocumentID: %s, 字符数: %d", req.DocumentID, utf8.RuneCountInString(text))

	// 2. 分块
	chunks := ix.chunker.Split(req.DocumentID, text)
	texts := make([]string, len(chunks))
	tokens := 0
	for i, ch := range chunks {
		texts[i] = ch.Text
		tokens += ix.countTokens(ch.Text)
	}
	log.Infof("[Indexer] 文本分块完成, DocumentID: %s, 分块数: %d, chunkSize: %d, overlap: %d", req.DocumentID, len(chunks), ix.chunker.Size(), ix.chunker.Overlap())

	// 3. 批量向量化
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		log.Errorf("[Indexer] 向量化失败, DocumentID: %s, Error: %v", req.DocumentID, err)
		return summary, err
	}

	// 4. 构建索引条目
	entries := make([]model.IndexEntry, len(chunks))
	for i, ch := range chunks {
		entries[i] = model.IndexEntry{
			ID:         model.ChunkID(req.DocumentID, ch.Index),
			DocumentID: req.DocumentID,
			ChunkIndex: ch.Index,
			Text:       ch.Text,
			Start:      ch.Start,
			End:        ch.End,
			Vector:     vectors[i],
			Metadata:   entryMetadata(req, ch, len(chunks)),
		}
	}

	// 5. 先删后写，保证重建索引后只保留本次的条目
	if err := ix.clearDocument(ctx, req.DocumentID); err != nil {
		log.Errorf("[Indexer] 清理旧索引条目失败, DocumentID: %s, Error: %v", req.DocumentID, err)
		return summary, err
	}
	if err := ix.index.Upsert(ctx, entries); err != nil {
		log.Errorf("[Indexer] 写入索引失败，开始回滚, DocumentID: %s, Error: %v", req.DocumentID, err)
		ix.rollback(req.DocumentID)
		return summary, err
	}

	// 6. 归档原始文件与抽取文本
	if ix.blobs != nil {
		summary.RawKey = RawKey(req.DocumentID, req.FileName)
		summary.TextKey = TextKey(req.DocumentID)
		if err := ix.archive(ctx, req, summary, text); err != nil {
			log.Errorf("[Indexer] 归档失败，开始回滚, DocumentID: %s, Error: %v", req.DocumentID, err)
			ix.rollback(req.DocumentID)
			return model.IndexSummary{DocumentID: req.DocumentID}, err
		}
	}

	summary.ChunkCount = len(chunks)
	summary.TotalTokensEstimate = tokens
	log.Infow("[Indexer] 文档索引完成", "documentId", req.DocumentID, "chunks", summary.ChunkCount, "tokens", tokens)
	return summary, nil
}

func (ix *Indexer) extract(ctx context.Context, req IndexRequest) (string, error) {
	const op = "rag.Indexer.extract"
	var raw string
	err := callWithTimeout(ctx, ix.opts.CallTimeout, op, func(ctx context.Context) error {
		var err error
		raw, err = ix.extractor.Extract(ctx, req.Data, req.FileName, req.Format)
		return err
	})
	if err != nil {
		// 限流、超时等瞬时错误原样返回，由管道决定是否重试
		if errs.IsTransient(err) || errs.KindOf(err) == errs.Cancelled {
			return "", err
		}
		return "", errs.E(errs.ExtractionFailed, op, err)
	}
	text := NormalizeText(raw)
	if text == "" {
		return "", errs.E(errs.ExtractionFailed, op, errs.New(errs.CorruptInput, op, "document contains no extractable text"))
	}
	return text, nil
}

func (ix *Indexer) archive(ctx context.Context, req IndexRequest, summary model.IndexSummary, text string) error {
	err := callWithTimeout(ctx, ix.opts.CallTimeout, "rag.Indexer.archive", func(ctx context.Context) error {
		return ix.blobs.Put(ctx, summary.RawKey, req.Data, req.Format.ContentType())
	})
	if err != nil {
		return err
	}
	err = callWithTimeout(ctx, ix.opts.CallTimeout, "rag.Indexer.archive", func(ctx context.Context) error {
		return ix.blobs.Put(ctx, summary.TextKey, []byte(text), "text/plain; charset=utf-8")
	})
	if err != nil {
		// 原始文件可能已经写入，尽力清理
		if delErr := ix.blobs.Delete(context.Background(), summary.RawKey); delErr != nil {
			log.Warnf("[Indexer] 清理已归档的原始文件失败, Key: %s, Error: %v", summary.RawKey, delErr)
		}
		return err
	}
	return nil
}

// rollback 使用独立的 context，上游取消后也要把部分写入的条目删掉。
func (ix *Indexer) rollback(documentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ix.clearDocument(ctx, documentID); err != nil {
		log.Errorf("[Indexer] 回滚失败，索引中可能残留部分条目, DocumentID: %s, Error: %v", documentID, err)
	}
}

// clearDocument 删除文档的全部条目。后端可能只删掉一部分（ES delete_by_query 遇到版本冲突），
// 瞬时失败时按重试策略重新删除。
func (ix *Indexer) clearDocument(ctx context.Context, documentID string) error {
	policy := ix.opts.Retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warnf("[Indexer] 删除索引条目失败，%s 后重试, DocumentID: %s, attempt: %d, error: %v", wait, documentID, attempt, err)
	}
	_, err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		return ix.index.DeleteByDocument(ctx, documentID)
	})
	return err
}

func (ix *Indexer) countTokens(text string) int {
	if ix.tokens == nil {
		return (utf8.RuneCountInString(text) + 3) / 4
	}
	return ix.tokens.Count(text)
}

func entryMetadata(req IndexRequest, ch model.Chunk, total int) map[string]string {
	md := make(map[string]string, len(req.Metadata)+6)
	for k, v := range req.Metadata {
		md[k] = v
	}
	md["document_id"] = req.DocumentID
	md["file_name"] = req.FileName
	md["format"] = string(req.Format)
	md["chunk_index"] = strconv.Itoa(ch.Index)
	md["chunk_count"] = strconv.Itoa(total)
	md["start_offset"] = strconv.Itoa(ch.Start)
	md["end_offset"] = strconv.Itoa(ch.End)
	return md
}
