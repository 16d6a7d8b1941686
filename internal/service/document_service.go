package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/internal/pipeline"
	"docqa-go/internal/rag"
	"docqa-go/internal/repository"
	"docqa-go/pkg/errs"
	"docqa-go/pkg/log"
)

// UploadRequest 是一次文档上传。Sync 为 true 时在请求内完成索引。
type UploadRequest struct {
	DocumentID string
	FileName   string
	Data       []byte
	Metadata   map[string]string
	Sync       bool
}

// UploadResult 同步模式返回 Summary，异步模式返回 Job。
type UploadResult struct {
	Document *model.DocumentRecord `json:"document"`
	Summary  *model.IndexSummary   `json:"summary,omitempty"`
	Job      *model.PipelineJob    `json:"job,omitempty"`
}

// KnowledgeBaseStats 是知识库统计。向量库不支持计数时 IndexedEntries 为空。
type KnowledgeBaseStats struct {
	model.DocumentStats
	IndexedEntries *int `json:"indexedEntries,omitempty"`
}

// DocumentService 定义了文档上传、索引与管理操作。
type DocumentService interface {
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)
	// SubmitStored 为已在对象存储中的文件创建处理任务。
	SubmitStored(ctx context.Context, input model.JobInput) (*model.PipelineJob, error)
	SubmitBatch(ctx context.Context, inputs []model.JobInput) ([]*model.PipelineJob, error)
	Get(ctx context.Context, documentID string) (*model.DocumentRecord, error)
	List(ctx context.Context, status model.DocumentStatus, page, size int) ([]model.DocumentRecord, int64, error)
	Delete(ctx context.Context, documentID string) error
	// DownloadURL 返回原始文件的临时下载链接，需要对象存储支持预签名。
	DownloadURL(ctx context.Context, documentID string) (string, error)
	Stats(ctx context.Context) (*KnowledgeBaseStats, error)
}

type presigner interface {
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

const downloadURLExpiry = time.Hour

type documentService struct {
	repo    repository.DocumentRepository
	indexer *rag.Indexer
	index   *rag.VectorIndex
	blobs   rag.BlobStore
	jobs    JobService
	ragCfg  config.RAGConfig
	formats map[model.Format]struct{}
}

// NewDocumentService 创建一个新的 DocumentService 实例。
func NewDocumentService(repo repository.DocumentRepository, indexer *rag.Indexer, index *rag.VectorIndex, blobs rag.BlobStore, jobs JobService, ragCfg config.RAGConfig) DocumentService {
	formats := make(map[model.Format]struct{}, len(ragCfg.SupportedFormats))
	for _, f := range ragCfg.SupportedFormats {
		formats[model.Format(strings.ToLower(f))] = struct{}{}
	}
	return &documentService{
		repo:    repo,
		indexer: indexer,
		index:   index,
		blobs:   blobs,
		jobs:    jobs,
		ragCfg:  ragCfg,
		formats: formats,
	}
}

func (s *documentService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	const op = "service.Document.Upload"
	format := model.FormatFromFileName(req.FileName)
	if _, ok := s.formats[format]; !ok {
		return nil, errs.Newf(errs.UnsupportedFormat, op, "format %q is not supported", format)
	}
	if s.ragCfg.MaxFileSize > 0 && int64(len(req.Data)) > s.ragCfg.MaxFileSize {
		return nil, errs.Newf(errs.FileTooLarge, op, "%d bytes exceeds the limit of %d bytes", len(req.Data), s.ragCfg.MaxFileSize)
	}
	if len(req.Data) == 0 {
		return nil, errs.New(errs.CorruptInput, op, "file is empty")
	}
	docID := req.DocumentID
	if docID == "" {
		docID = model.DocumentID(req.FileName, req.Data)
	}
	log.Infof("[DocumentService] 收到上传, DocumentID: %s, FileName: %s, Size: %d, Sync: %v", docID, req.FileName, len(req.Data), req.Sync)

	record := &model.DocumentRecord{
		DocumentID: docID,
		FileName:   req.FileName,
		Format:     format,
		SizeBytes:  int64(len(req.Data)),
		Status:     model.DocumentPending,
		Metadata:   encodeMetadata(req.Metadata),
	}
	if err := s.repo.Upsert(ctx, record); err != nil {
		return nil, err
	}

	if req.Sync {
		return s.indexNow(ctx, record, req)
	}

	key := pipeline.UploadKey(docID, req.FileName)
	if err := s.blobs.Put(ctx, key, req.Data, format.ContentType()); err != nil {
		log.Errorf("[DocumentService] 保存上传文件失败, Key: %s, Error: %v", key, err)
		_ = s.repo.MarkFailed(context.Background(), docID, err.Error())
		return nil, err
	}
	job, err := s.jobs.SubmitDocument(ctx, model.JobInput{
		DocumentID: docID,
		FileName:   req.FileName,
		BlobKey:    key,
		Format:     format,
		Metadata:   req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return &UploadResult{Document: record, Job: job}, nil
}

func (s *documentService) indexNow(ctx context.Context, record *model.DocumentRecord, req UploadRequest) (*UploadResult, error) {
	_ = s.repo.MarkIndexing(ctx, record.DocumentID)
	summary, err := s.indexer.IndexDocument(ctx, rag.IndexRequest{
		DocumentID: record.DocumentID,
		FileName:   req.FileName,
		Data:       req.Data,
		Format:     record.Format,
		Metadata:   req.Metadata,
	})
	if err != nil {
		if markErr := s.repo.MarkFailed(context.Background(), record.DocumentID, err.Error()); markErr != nil {
			log.Warnf("[DocumentService] 更新文档失败状态出错: %v", markErr)
		}
		return nil, err
	}
	if err := s.repo.MarkIndexed(ctx, record.DocumentID, summary); err != nil {
		log.Warnf("[DocumentService] 更新文档索引状态出错: %v", err)
	}
	updated, err := s.repo.FindByDocumentID(ctx, record.DocumentID)
	if err != nil {
		updated = record
	}
	return &UploadResult{Document: updated, Summary: &summary}, nil
}

func (s *documentService) SubmitStored(ctx context.Context, input model.JobInput) (*model.PipelineJob, error) {
	const op = "service.Document.SubmitStored"
	if input.BlobKey == "" {
		return nil, errs.New(errs.InvalidConfiguration, op, "blob key is required")
	}
	if input.FileName == "" {
		input.FileName = input.BlobKey[strings.LastIndex(input.BlobKey, "/")+1:]
	}
	if input.Format == "" {
		input.Format = model.FormatFromFileName(input.FileName)
	}
	if _, ok := s.formats[input.Format]; !ok {
		return nil, errs.Newf(errs.UnsupportedFormat, op, "format %q is not supported", input.Format)
	}

	var size int64
	if input.DocumentID == "" {
		// 文档 ID 由内容决定，需要先读取一次对象
		data, err := s.blobs.Get(ctx, input.BlobKey)
		if err != nil {
			return nil, err
		}
		input.DocumentID = model.DocumentID(input.FileName, data)
		size = int64(len(data))
	}
	if err := s.repo.Upsert(ctx, &model.DocumentRecord{
		DocumentID: input.DocumentID,
		FileName:   input.FileName,
		Format:     input.Format,
		SizeBytes:  size,
		Status:     model.DocumentPending,
		Metadata:   encodeMetadata(input.Metadata),
	}); err != nil {
		return nil, err
	}
	return s.jobs.SubmitDocument(ctx, input)
}

// SubmitBatch 为每个文件各创建一个任务。任一文件校验失败时已创建的任务照常执行。
func (s *documentService) SubmitBatch(ctx context.Context, inputs []model.JobInput) ([]*model.PipelineJob, error) {
	if len(inputs) == 0 {
		return nil, errs.New(errs.InvalidConfiguration, "service.Document.SubmitBatch", "no documents given")
	}
	jobs := make([]*model.PipelineJob, 0, len(inputs))
	for _, in := range inputs {
		job, err := s.SubmitStored(ctx, in)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *documentService) Get(ctx context.Context, documentID string) (*model.DocumentRecord, error) {
	return s.repo.FindByDocumentID(ctx, documentID)
}

func (s *documentService) List(ctx context.Context, status model.DocumentStatus, page, size int) ([]model.DocumentRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return s.repo.List(ctx, status, (page-1)*size, size)
}

// Delete 删除文档的索引条目、归档文件与记录。
func (s *documentService) Delete(ctx context.Context, documentID string) error {
	record, err := s.repo.FindByDocumentID(ctx, documentID)
	if err != nil {
		return err
	}
	if err := s.index.DeleteByDocument(ctx, documentID); err != nil {
		log.Errorf("[DocumentService] 删除索引条目失败, DocumentID: %s, Error: %v", documentID, err)
		return err
	}
	keys := []string{
		rag.RawKey(documentID, record.FileName),
		rag.TextKey(documentID),
		pipeline.UploadKey(documentID, record.FileName),
	}
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil {
			log.Warnf("[DocumentService] 删除对象失败, Key: %s, Error: %v", key, err)
		}
	}
	log.Infof("[DocumentService] 文档已删除, DocumentID: %s", documentID)
	return s.repo.Delete(ctx, documentID)
}

func (s *documentService) DownloadURL(ctx context.Context, documentID string) (string, error) {
	const op = "service.Document.DownloadURL"
	p, ok := s.blobs.(presigner)
	if !ok {
		return "", errs.New(errs.InvalidConfiguration, op, "blob store does not support presigned URLs")
	}
	record, err := s.repo.FindByDocumentID(ctx, documentID)
	if err != nil {
		return "", err
	}
	if record.RawKey == "" {
		return "", errs.Newf(errs.InvalidState, op, "document %s has not been archived", documentID)
	}
	return p.PresignedURL(ctx, record.RawKey, downloadURLExpiry)
}

func encodeMetadata(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}
	b, err := json.Marshal(md)
	if err != nil {
		return ""
	}
	return string(b)
}

// DecodeMetadata 解析文档记录中的元数据。
func DecodeMetadata(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var md map[string]string
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil
	}
	return md
}

func (s *documentService) Stats(ctx context.Context) (*KnowledgeBaseStats, error) {
	docStats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, err
	}
	stats := &KnowledgeBaseStats{DocumentStats: docStats}
	n, ok, err := s.index.Count(ctx)
	switch {
	case err != nil:
		// 向量库统计失败不影响文档统计
		log.Warnf("[DocumentService] 统计索引条目失败: %v", err)
	case ok:
		stats.IndexedEntries = &n
	}
	return stats, nil
}
