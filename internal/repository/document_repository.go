// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"docqa-go/internal/model"
	"docqa-go/pkg/errs"
)

// DocumentRepository 定义了文档记录的持久化操作，同时负责记录索引状态。
type DocumentRepository interface {
	// Upsert 按 DocumentID 创建或覆盖记录，重新上传同一文档时状态回到 pending。
	Upsert(ctx context.Context, record *model.DocumentRecord) error
	FindByDocumentID(ctx context.Context, documentID string) (*model.DocumentRecord, error)
	List(ctx context.Context, status model.DocumentStatus, offset, limit int) ([]model.DocumentRecord, int64, error)
	Delete(ctx context.Context, documentID string) error
	// Stats 按状态汇总全部文档记录。
	Stats(ctx context.Context) (model.DocumentStats, error)

	MarkIndexing(ctx context.Context, documentID string) error
	MarkIndexed(ctx context.Context, documentID string, summary model.IndexSummary) error
	MarkFailed(ctx context.Context, documentID, reason string) error
	SaveSummary(ctx context.Context, documentID, summary string) error
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个基于 GORM 的 DocumentRepository。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) Upsert(ctx context.Context, record *model.DocumentRecord) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"file_name", "format", "size_bytes", "status", "chunk_count", "tokens_estimate",
			"raw_key", "text_key", "summary", "error_message", "metadata", "updated_at",
		}),
	}).Create(record).Error
	return dbError("repository.Document.Upsert", err)
}

func (r *documentRepository) FindByDocumentID(ctx context.Context, documentID string) (*model.DocumentRecord, error) {
	var record model.DocumentRecord
	err := r.db.WithContext(ctx).Where("document_id = ?", documentID).First(&record).Error
	if err != nil {
		return nil, dbError("repository.Document.FindByDocumentID", err)
	}
	return &record, nil
}

// List 分页检索文档记录，status 为空时返回全部。
func (r *documentRepository) List(ctx context.Context, status model.DocumentStatus, offset, limit int) ([]model.DocumentRecord, int64, error) {
	var (
		records []model.DocumentRecord
		total   int64
	)
	q := r.db.WithContext(ctx).Model(&model.DocumentRecord{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, dbError("repository.Document.List", err)
	}
	if err := q.Order("created_at DESC").Offset(offset).Limit(limit).Find(&records).Error; err != nil {
		return nil, 0, dbError("repository.Document.List", err)
	}
	return records, total, nil
}

func (r *documentRepository) Delete(ctx context.Context, documentID string) error {
	res := r.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&model.DocumentRecord{})
	if res.Error != nil {
		return dbError("repository.Document.Delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.Newf(errs.NotFound, "repository.Document.Delete", "document %s not found", documentID)
	}
	return nil
}

func (r *documentRepository) Stats(ctx context.Context) (model.DocumentStats, error) {
	var rows []struct {
		Status    string
		Documents int64
		Chunks    int64
		Tokens    int64
		Bytes     int64
	}
	err := r.db.WithContext(ctx).Model(&model.DocumentRecord{}).
		Select("status, COUNT(*) AS documents, COALESCE(SUM(chunk_count), 0) AS chunks, " +
			"COALESCE(SUM(tokens_estimate), 0) AS tokens, COALESCE(SUM(size_bytes), 0) AS bytes").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return model.DocumentStats{}, dbError("repository.Document.Stats", err)
	}
	stats := model.DocumentStats{ByStatus: map[model.DocumentStatus]int64{}}
	for _, row := range rows {
		stats.Add(model.DocumentStatus(row.Status), row.Documents, row.Chunks, row.Tokens, row.Bytes)
	}
	return stats, nil
}

func (r *documentRepository) MarkIndexing(ctx context.Context, documentID string) error {
	return r.update(ctx, documentID, map[string]interface{}{
		"status":        model.DocumentIndexing,
		"error_message": "",
	})
}

func (r *documentRepository) MarkIndexed(ctx context.Context, documentID string, summary model.IndexSummary) error {
	return r.update(ctx, documentID, map[string]interface{}{
		"status":          model.DocumentIndexed,
		"chunk_count":     summary.ChunkCount,
		"tokens_estimate": summary.TotalTokensEstimate,
		"raw_key":         summary.RawKey,
		"text_key":        summary.TextKey,
		"error_message":   "",
	})
}

func (r *documentRepository) MarkFailed(ctx context.Context, documentID, reason string) error {
	return r.update(ctx, documentID, map[string]interface{}{
		"status":        model.DocumentFailed,
		"error_message": reason,
	})
}

func (r *documentRepository) SaveSummary(ctx context.Context, documentID, summary string) error {
	return r.update(ctx, documentID, map[string]interface{}{"summary": summary})
}

func (r *documentRepository) update(ctx context.Context, documentID string, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&model.DocumentRecord{}).Where("document_id = ?", documentID).Updates(fields)
	if res.Error != nil {
		return dbError("repository.Document.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.Newf(errs.NotFound, "repository.Document.update", "document %s not found", documentID)
	}
	return nil
}

func dbError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.E(errs.NotFound, op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.E(errs.KindOf(err), op, err)
	}
	return errs.E(errs.ServiceError, op, err)
}

// memoryDocumentRepository 在未配置 MySQL 时使用。
type memoryDocumentRepository struct {
	mu      sync.RWMutex
	records map[string]model.DocumentRecord
}

// NewMemoryDocumentRepository 创建一个进程内的 DocumentRepository。
func NewMemoryDocumentRepository() DocumentRepository {
	return &memoryDocumentRepository{records: make(map[string]model.DocumentRecord)}
}

func (r *memoryDocumentRepository) Upsert(_ context.Context, record *model.DocumentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := model.LocalTime(time.Now())
	if prev, ok := r.records[record.DocumentID]; ok {
		record.CreatedAt = prev.CreatedAt
	} else {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	r.records[record.DocumentID] = *record
	return nil
}

func (r *memoryDocumentRepository) FindByDocumentID(_ context.Context, documentID string) (*model.DocumentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[documentID]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "repository.Document.FindByDocumentID", "document %s not found", documentID)
	}
	return &record, nil
}

func (r *memoryDocumentRepository) List(_ context.Context, status model.DocumentStatus, offset, limit int) ([]model.DocumentRecord, int64, error) {
	r.mu.RLock()
	out := make([]model.DocumentRecord, 0, len(r.records))
	for _, rec := range r.records {
		if status == "" || rec.Status == status {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := time.Time(out[i].CreatedAt), time.Time(out[j].CreatedAt)
		if ti.Equal(tj) {
			return out[i].DocumentID < out[j].DocumentID
		}
		return ti.After(tj)
	})
	total := int64(len(out))
	if offset >= len(out) {
		return []model.DocumentRecord{}, total, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (r *memoryDocumentRepository) Delete(_ context.Context, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[documentID]; !ok {
		return errs.Newf(errs.NotFound, "repository.Document.Delete", "document %s not found", documentID)
	}
	delete(r.records, documentID)
	return nil
}

func (r *memoryDocumentRepository) Stats(_ context.Context) (model.DocumentStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := model.DocumentStats{ByStatus: map[model.DocumentStatus]int64{}}
	for _, rec := range r.records {
		stats.Add(rec.Status, 1, int64(rec.ChunkCount), int64(rec.TokensEstimate), rec.SizeBytes)
	}
	return stats, nil
}

func (r *memoryDocumentRepository) MarkIndexing(ctx context.Context, documentID string) error {
	return r.modify(documentID, func(rec *model.DocumentRecord) {
		rec.Status = model.DocumentIndexing
		rec.ErrorMessage = ""
	})
}

func (r *memoryDocumentRepository) MarkIndexed(ctx context.Context, documentID string, summary model.IndexSummary) error {
	return r.modify(documentID, func(rec *model.DocumentRecord) {
		rec.Status = model.DocumentIndexed
		rec.ChunkCount = summary.ChunkCount
		rec.TokensEstimate = summary.TotalTokensEstimate
		rec.RawKey = summary.RawKey
		rec.TextKey = summary.TextKey
		rec.ErrorMessage = ""
	})
}

func (r *memoryDocumentRepository) MarkFailed(ctx context.Context, documentID, reason string) error {
	return r.modify(documentID, func(rec *model.DocumentRecord) {
		rec.Status = model.DocumentFailed
		rec.ErrorMessage = reason
	})
}

func (r *memoryDocumentRepository) SaveSummary(ctx context.Context, documentID, summary string) error {
	return r.modify(documentID, func(rec *model.DocumentRecord) {
		rec.Summary = summary
	})
}

func (r *memoryDocumentRepository) modify(documentID string, fn func(rec *model.DocumentRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[documentID]
	if !ok {
		return errs.Newf(errs.NotFound, "repository.Document.update", "document %s not found", documentID)
	}
	fn(&rec)
	rec.UpdatedAt = model.LocalTime(time.Now())
	r.records[documentID] = rec
	return nil
}
