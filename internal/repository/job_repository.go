package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"docqa-go/internal/model"
	"docqa-go/internal/pipeline"
	"docqa-go/pkg/errs"
)

// jobRepository 是 pipeline.JobStore 的 GORM 实现，任务保存在 pipeline_jobs 表中。
type jobRepository struct {
	db *gorm.DB
}

// NewJobRepository 创建一个基于 GORM 的任务存储。
func NewJobRepository(db *gorm.DB) pipeline.JobStore {
	return &jobRepository{db: db}
}

// terminalJobStatuses 中的任务不再接受写入。
var terminalJobStatuses = []string{string(model.JobSucceeded), string(model.JobFailed)}

// Save 只更新未进入终态的任务；记录不存在时插入。
// 目标任务已是终态（例如已被其他实例取消）时返回 InvalidState。
func (r *jobRepository) Save(ctx context.Context, job *model.PipelineJob) error {
	const op = "repository.Job.Save"
	record, err := job.ToRecord()
	if err != nil {
		return errs.E(errs.Internal, op, err)
	}
	db := r.db.WithContext(ctx)
	res := db.Model(&model.JobRecord{}).
		Where("id = ? AND status NOT IN ?", record.ID, terminalJobStatuses).
		Select("*").
		Updates(record)
	if res.Error != nil {
		return dbError(op, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// 没有行被更新：记录不存在、已是终态，或内容与库中完全相同
	var stored model.JobRecord
	err = db.Select("id", "status").Where("id = ?", record.ID).First(&stored).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return dbError(op, db.Create(record).Error)
	case err != nil:
		return dbError(op, err)
	case model.JobStatus(stored.Status).Terminal():
		return errs.Newf(errs.InvalidState, op, "job %s is already %s", record.ID, stored.Status)
	}
	return nil
}

func (r *jobRepository) Get(ctx context.Context, id string) (*model.PipelineJob, error) {
	var record model.JobRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		return nil, dbError("repository.Job.Get", err)
	}
	job, err := record.ToJob()
	if err != nil {
		return nil, errs.E(errs.Internal, "repository.Job.Get", err)
	}
	return job, nil
}

func (r *jobRepository) List(ctx context.Context, filter pipeline.JobFilter) ([]*model.PipelineJob, error) {
	q := r.db.WithContext(ctx).Model(&model.JobRecord{})
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var records []model.JobRecord
	if err := q.Order("created_at DESC").Order("id").Find(&records).Error; err != nil {
		return nil, dbError("repository.Job.List", err)
	}
	jobs := make([]*model.PipelineJob, 0, len(records))
	for i := range records {
		job, err := records[i].ToJob()
		if err != nil {
			return nil, errs.E(errs.Internal, "repository.Job.List", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
