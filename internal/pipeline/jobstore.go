package pipeline

import (
	"context"
	"sort"
	"sync"

	"docqa-go/internal/model"
	"docqa-go/pkg/errs"
)

// JobFilter 用于筛选任务列表，零值字段表示不过滤。
type JobFilter struct {
	Kind   model.JobKind
	Status model.JobStatus
	Limit  int
	Offset int
}

// Matches 报告任务是否满足过滤条件（不考虑分页）。
func (f JobFilter) Matches(job *model.PipelineJob) bool {
	if f.Kind != "" && job.Kind != f.Kind {
		return false
	}
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	return true
}

// JobStore 持久化任务状态。Get 在任务不存在时返回 NotFound。
// Save 不得覆盖已处于终态的任务，此时返回 InvalidState。
type JobStore interface {
	Save(ctx context.Context, job *model.PipelineJob) error
	Get(ctx context.Context, id string) (*model.PipelineJob, error)
	List(ctx context.Context, filter JobFilter) ([]*model.PipelineJob, error)
}

// MemoryJobStore 是进程内的 JobStore，保存任务快照。
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.PipelineJob
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*model.PipelineJob)}
}

func (s *MemoryJobStore) Save(_ context.Context, job *model.PipelineJob) error {
	if job == nil || job.ID == "" {
		return errs.New(errs.Internal, "jobstore.Save", "job id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.jobs[job.ID]; ok && stored.Status.Terminal() {
		return errs.Newf(errs.InvalidState, "jobstore.Save", "job %s is already %s", job.ID, stored.Status)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (*model.PipelineJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "jobstore.Get", "job %s not found", id)
	}
	return job.Clone(), nil
}

// List 按创建时间倒序返回任务。
func (s *MemoryJobStore) List(_ context.Context, filter JobFilter) ([]*model.PipelineJob, error) {
	s.mu.RLock()
	out := make([]*model.PipelineJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Matches(job) {
			out = append(out, job.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*model.PipelineJob{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
