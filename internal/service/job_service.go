// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"strings"

	"docqa-go/internal/model"
	"docqa-go/internal/pipeline"
	"docqa-go/pkg/errs"
	"docqa-go/pkg/log"
	"docqa-go/pkg/tasks"
)

const maxSuggestions = 10

// TaskProducer 把任务投递到消息队列。
type TaskProducer interface {
	ProducePipelineTask(ctx context.Context, task tasks.PipelineTask) error
}

// JobService 定义了管道任务的提交、查询与取消操作。
type JobService interface {
	SubmitDocument(ctx context.Context, input model.JobInput) (*model.PipelineJob, error)
	SubmitQuestion(ctx context.Context, input model.JobInput) (*model.PipelineJob, error)
	// SubmitSearch 创建知识检索任务：检索相关片段并生成相关问题。
	SubmitSearch(ctx context.Context, input model.JobInput) (*model.PipelineJob, error)
	Get(ctx context.Context, jobID string) (*model.PipelineJob, error)
	List(ctx context.Context, filter pipeline.JobFilter) ([]*model.PipelineJob, error)
	Cancel(ctx context.Context, jobID string) (*model.PipelineJob, error)
	// Process 执行 Kafka 投递过来的任务。
	Process(ctx context.Context, task tasks.PipelineTask) error
}

type jobService struct {
	manager  *pipeline.Manager
	plans    *pipeline.Plans
	producer TaskProducer
}

// NewJobService 创建 JobService。producer 为空时任务在进程内后台执行。
func NewJobService(manager *pipeline.Manager, plans *pipeline.Plans, producer TaskProducer) JobService {
	return &jobService{manager: manager, plans: plans, producer: producer}
}

func (s *jobService) SubmitDocument(ctx context.Context, input model.JobInput) (*model.PipelineJob, error) {
	if input.BlobKey == "" || input.FileName == "" {
		return nil, errs.New(errs.InvalidConfiguration, "service.SubmitDocument", "blob key and file name are required")
	}
	return s.submit(ctx, model.JobDocumentProcessing, input)
}

func (s *jobService) SubmitQuestion(ctx context.Context, input model.JobInput) (*model.PipelineJob, error) {
	if strings.TrimSpace(input.Question) == "" {
		return nil, errs.New(errs.InvalidConfiguration, "service.SubmitQuestion", "question must not be empty")
	}
	return s.submit(ctx, model.JobQuestionAnswering, input)
}

func (s *jobService) SubmitSearch(ctx context.Context, input model.JobInput) (*model.PipelineJob, error) {
	const op = "service.SubmitSearch"
	if strings.TrimSpace(input.Question) == "" {
		return nil, errs.New(errs.InvalidConfiguration, op, "question must not be empty")
	}
	if input.Suggestions < 0 || input.Suggestions > maxSuggestions {
		return nil, errs.Newf(errs.InvalidConfiguration, op, "suggestions must be between 0 and %d", maxSuggestions)
	}
	return s.submit(ctx, model.JobKnowledgeSearch, input)
}

func (s *jobService) submit(ctx context.Context, kind model.JobKind, input model.JobInput) (*model.PipelineJob, error) {
	stages, err := s.plans.Stages(kind)
	if err != nil {
		return nil, err
	}
	if s.producer == nil {
		return s.manager.Submit(ctx, kind, input, stages)
	}

	job, err := s.manager.Create(ctx, kind, input, stageNamesOf(stages))
	if err != nil {
		return nil, err
	}
	if err := s.producer.ProducePipelineTask(ctx, tasks.PipelineTask{JobID: job.ID, Kind: string(kind)}); err != nil {
		// Kafka 不可用时退回进程内执行，任务不会停留在 pending
		log.Warnf("[JobService] 投递任务到 Kafka 失败，改为本地执行, JobID: %s, Error: %v", job.ID, err)
		s.manager.Start(job.ID, stages)
		return job, nil
	}
	log.Infof("[JobService] 任务已投递到 Kafka, JobID: %s, Kind: %s", job.ID, kind)
	return job, nil
}

func (s *jobService) Get(ctx context.Context, jobID string) (*model.PipelineJob, error) {
	return s.manager.Get(ctx, jobID)
}

func (s *jobService) List(ctx context.Context, filter pipeline.JobFilter) ([]*model.PipelineJob, error) {
	return s.manager.List(ctx, filter)
}

func (s *jobService) Cancel(ctx context.Context, jobID string) (*model.PipelineJob, error) {
	return s.manager.Cancel(ctx, jobID)
}

// Process 只在基础设施错误时返回错误，让消息被重新投递。
// 阶段失败已经记录在任务中，重复投递也不会改变终态任务，因此直接确认消息。
func (s *jobService) Process(ctx context.Context, task tasks.PipelineTask) error {
	stages, err := s.plans.Stages(model.JobKind(task.Kind))
	if err != nil {
		log.Errorf("[JobService] 无法识别的任务类型, JobID: %s, Kind: %s", task.JobID, task.Kind)
		return nil
	}
	job, err := s.manager.Execute(ctx, task.JobID, stages)
	if job != nil {
		return nil
	}
	switch errs.KindOf(err) {
	case errs.NotFound, errs.InvalidState, errs.InvalidConfiguration:
		log.Warnf("[JobService] 跳过任务, JobID: %s, Error: %v", task.JobID, err)
		return nil
	}
	return err
}

func stageNamesOf(stages []pipeline.Stage) []string {
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = st.Name
	}
	return names
}
