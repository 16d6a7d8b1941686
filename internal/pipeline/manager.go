// Package pipeline 把文档处理与问答流程包装为可追踪、可重试、可取消的多阶段任务。
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"docqa-go/internal/model"
	"docqa-go/pkg/errs"
	"docqa-go/pkg/log"
	"docqa-go/pkg/retry"
)

const persistTimeout = 10 * time.Second

// Stage 是管道中的一个步骤。Run 在瞬时错误时会被重复调用。
type Stage struct {
	Name string
	Run  func(ctx context.Context, sc *StageContext) error
}

// StageContext 在同一任务的各阶段之间传递数据。
// 阶段写入 Result 的内容在阶段成功后合并到任务结果中。
type StageContext struct {
	JobID  string
	Input  model.JobInput
	Result map[string]string

	raw       []byte
	indexed   model.IndexSummary
	retrieval model.RetrievalResult
}

// jobRun 是正在本进程中执行的任务。mu 保证同一任务只有一个写者。
type jobRun struct {
	mu        sync.Mutex
	job       *model.PipelineJob
	cancel    context.CancelFunc
	cancelled bool
}

// Manager 负责创建、执行、查询与取消管道任务。
type Manager struct {
	store  JobStore
	policy retry.Policy
	now    func() time.Time

	mu       sync.Mutex
	runs     map[string]*jobRun
	onFinish []func(job *model.PipelineJob)

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(store JobStore, policy retry.Policy) *Manager {
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		store:   store,
		policy:  policy,
		now:     time.Now,
		runs:    make(map[string]*jobRun),
		baseCtx: ctx,
		stop:    stop,
	}
}

// OnFinish 注册任务进入终态后的回调，回调收到的是任务快照。
func (m *Manager) OnFinish(fn func(job *model.PipelineJob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFinish = append(m.onFinish, fn)
}

// Create 创建一个处于 pending 状态的任务并持久化。
func (m *Manager) Create(ctx context.Context, kind model.JobKind, input model.JobInput, stageNames []string) (*model.PipelineJob, error) {
	if len(stageNames) == 0 {
		return nil, errs.New(errs.InvalidConfiguration, "pipeline.Create", "a job needs at least one stage")
	}
	now := m.now()
	job := &model.PipelineJob{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    model.JobPending,
		Stages:    make([]model.StageState, len(stageNames)),
		Input:     input,
		Result:    map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, name := range stageNames {
		job.Stages[i] = model.StageState{Name: name, Status: model.StagePending}
	}
	if err := m.store.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("保存任务失败: %w", err)
	}
	log.Infow("[Pipeline] 任务已创建", "jobId", job.ID, "kind", kind, "stages", stageNames)
	return job.Clone(), nil
}

// Submit 创建任务并在后台执行，立即返回任务快照。
func (m *Manager) Submit(ctx context.Context, kind model.JobKind, input model.JobInput, stages []Stage) (*model.PipelineJob, error) {
	job, err := m.Create(ctx, kind, input, stageNames(stages))
	if err != nil {
		return nil, err
	}
	m.Start(job.ID, stages)
	return job, nil
}

// Start 在后台执行一个已创建的任务，Close 会等待它退出。
func (m *Manager) Start(jobID string, stages []Stage) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.Execute(m.baseCtx, jobID, stages); err != nil {
			log.Warnw("[Pipeline] 后台任务结束于失败", "jobId", jobID, "errorKind", errs.KindOf(err), "error", err)
		}
	}()
}

// Execute 按顺序执行任务的各阶段。任一阶段最终失败时任务立即失败，后续阶段保持 pending。
// 返回值为执行结束时的任务快照；阶段失败时同时返回该阶段的错误。
func (m *Manager) Execute(ctx context.Context, jobID string, stages []Stage) (*model.PipelineJob, error) {
	run, err := m.register(ctx, jobID, stages)
	if err != nil {
		return nil, err
	}
	defer m.unregister(jobID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	run.mu.Lock()
	run.cancel = cancel
	run.mu.Unlock()

	if !m.transition(run, func(j *model.PipelineJob, now time.Time) {
		j.Status = model.JobRunning
		j.StartedAt = &now
	}) {
		return m.cancelledResult(run)
	}
	log.Infow("[Pipeline] 任务开始执行", "jobId", jobID, "kind", run.job.Kind)

	sc := &StageContext{JobID: jobID, Input: run.job.Input, Result: map[string]string{}}
	for i, stage := range stages {
		if m.observeExternalCancel(run) {
			return m.cancelledResult(run)
		}
		if !m.transition(run, func(j *model.PipelineJob, now time.Time) {
			j.CurrentStage = i
			j.Stages[i].Status = model.StageRunning
			j.Stages[i].StartedAt = &now
		}) {
			return m.cancelledResult(run)
		}

		policy := m.policy
		policy.OnRetry = func(attempt int, err error, wait time.Duration) {
			log.Warnw("[Pipeline] 阶段执行失败，准备重试",
				"jobId", jobID, "stage", stage.Name, "attempt", attempt, "wait", wait, "error", err)
		}
		_, err := policy.Do(runCtx, func(ctx context.Context, attempt int) error {
			if !m.transition(run, func(j *model.PipelineJob, _ time.Time) {
				j.Stages[i].Attempts = attempt
			}) {
				return errs.Newf(errs.Cancelled, "pipeline.Execute", "job %s was cancelled", jobID)
			}
			return stage.Run(ctx, sc)
		})

		if m.observeExternalCancel(run) {
			return m.cancelledResult(run)
		}
		if err != nil {
			if !m.failStage(run, i, err) {
				return m.cancelledResult(run)
			}
			log.Errorw("[Pipeline] 阶段失败，任务终止",
				"jobId", jobID, "stage", stage.Name, "errorKind", errs.KindOf(err), "error", err)
			m.notify(run)
			return m.snapshot(run), err
		}
		if !m.transition(run, func(j *model.PipelineJob, now time.Time) {
			j.Stages[i].Status = model.StageSucceeded
			j.Stages[i].FinishedAt = &now
			for k, v := range sc.Result {
				j.Result[k] = v
			}
		}) {
			return m.cancelledResult(run)
		}
		log.Infow("[Pipeline] 阶段完成", "jobId", jobID, "stage", stage.Name, "attempts", run.attempts(i))
	}

	if !m.transition(run, func(j *model.PipelineJob, now time.Time) {
		j.Status = model.JobSucceeded
		j.FinishedAt = &now
	}) {
		return m.cancelledResult(run)
	}
	log.Infow("[Pipeline] 任务执行成功", "jobId", jobID)
	m.notify(run)
	return m.snapshot(run), nil
}

// Get 返回任务快照，本进程正在执行的任务直接读取内存中的最新状态。
func (m *Manager) Get(ctx context.Context, jobID string) (*model.PipelineJob, error) {
	m.mu.Lock()
	run, ok := m.runs[jobID]
	m.mu.Unlock()
	if ok {
		return m.snapshot(run), nil
	}
	return m.store.Get(ctx, jobID)
}

func (m *Manager) List(ctx context.Context, filter JobFilter) ([]*model.PipelineJob, error) {
	return m.store.List(ctx, filter)
}

// Cancel 取消任务：运行中与未开始的阶段标记为 failed(Cancelled)，已成功的阶段不回滚。
// 终态任务返回 InvalidState。
func (m *Manager) Cancel(ctx context.Context, jobID string) (*model.PipelineJob, error) {
	const op = "pipeline.Cancel"
	m.mu.Lock()
	run, ok := m.runs[jobID]
	if ok {
		m.mu.Unlock()
		run.mu.Lock()
		if run.cancelled || run.job.Status.Terminal() {
			status := run.job.Status
			run.mu.Unlock()
			return nil, errs.Newf(errs.InvalidState, op, "job %s is already %s", jobID, status)
		}
		markCancelled(run.job, m.now())
		run.cancelled = true
		_ = m.persist(run.job)
		cancel := run.cancel
		run.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		log.Infow("[Pipeline] 任务已取消", "jobId", jobID)
		m.notify(run)
		return m.snapshot(run), nil
	}
	job, err := m.cancelStored(ctx, jobID)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	log.Infow("[Pipeline] 任务已取消", "jobId", jobID)
	m.notifyJob(job)
	return job.Clone(), nil
}

// cancelStored 取消未在本进程执行的任务，调用方持有 m.mu，避免与 register 竞争。
func (m *Manager) cancelStored(ctx context.Context, jobID string) (*model.PipelineJob, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, errs.Newf(errs.InvalidState, "pipeline.Cancel", "job %s is already %s", jobID, job.Status)
	}
	markCancelled(job, m.now())
	if err := m.store.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("保存任务失败: %w", err)
	}
	return job, nil
}

// Close 取消所有后台任务并等待它们退出。
func (m *Manager) Close(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) register(ctx context.Context, jobID string, stages []Stage) (*jobRun, error) {
	const op = "pipeline.Execute"
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.runs[jobID]; busy {
		return nil, errs.Newf(errs.InvalidState, op, "job %s is already running", jobID)
	}
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobPending {
		return nil, errs.Newf(errs.InvalidState, op, "job %s is %s", jobID, job.Status)
	}
	if len(stages) != len(job.Stages) {
		return nil, errs.Newf(errs.InvalidConfiguration, op, "job %s has %d stages, got %d", jobID, len(job.Stages), len(stages))
	}
	for i, s := range stages {
		if s.Name != job.Stages[i].Name {
			return nil, errs.Newf(errs.InvalidConfiguration, op, "stage %d is %q, job expects %q", i, s.Name, job.Stages[i].Name)
		}
	}
	run := &jobRun{job: job}
	m.runs[jobID] = run
	return run, nil
}

func (m *Manager) unregister(jobID string) {
	m.mu.Lock()
	delete(m.runs, jobID)
	m.mu.Unlock()
}

// transition 在任务锁内修改状态并持久化。任务已取消或已终结时不做修改并返回 false。
// 存储拒绝写入（任务已在其他实例进入终态）时按外部取消处理，同样返回 false。
func (m *Manager) transition(run *jobRun, fn func(j *model.PipelineJob, now time.Time)) bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.cancelled || run.job.Status.Terminal() {
		return false
	}
	now := m.now()
	fn(run.job, now)
	run.job.UpdatedAt = now
	if err := m.persist(run.job); errs.KindOf(err) == errs.InvalidState {
		m.adoptStored(run)
		return false
	}
	return true
}

// adoptStored 放弃内存中的状态，改用存储中的终态。调用方持有 run.mu。
func (m *Manager) adoptStored(run *jobRun) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if stored, err := m.store.Get(ctx, run.job.ID); err == nil {
		run.job = stored
	} else {
		markCancelled(run.job, m.now())
	}
	run.cancelled = true
	if run.cancel != nil {
		run.cancel()
	}
	log.Infow("[Pipeline] 任务已在其他实例进入终态，停止执行", "jobId", run.job.ID, "status", run.job.Status)
}

// failStage 记录阶段失败。取消类错误同样会把后续阶段标记为失败。
func (m *Manager) failStage(run *jobRun, i int, err error) bool {
	kind := errs.KindOf(err)
	return m.transition(run, func(j *model.PipelineJob, now time.Time) {
		if kind == errs.Cancelled {
			markCancelled(j, now)
			return
		}
		st := &j.Stages[i]
		st.Status = model.StageFailed
		st.ErrorKind = string(kind)
		st.Error = err.Error()
		st.FinishedAt = &now
		j.Status = model.JobFailed
		j.ErrorKind = string(kind)
		j.Error = fmt.Sprintf("stage %s failed: %v", st.Name, err)
		j.FinishedAt = &now
	})
}

// observeExternalCancel 检查任务是否已被其他进程取消（例如在另一个实例上调用了 Cancel）。
func (m *Manager) observeExternalCancel(run *jobRun) bool {
	run.mu.Lock()
	if run.cancelled {
		run.mu.Unlock()
		return true
	}
	jobID := run.job.ID
	run.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	stored, err := m.store.Get(ctx, jobID)
	if err != nil || !stored.Status.Terminal() {
		return false
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.job.Status.Terminal() {
		return false
	}
	run.cancelled = true
	run.job = stored
	if run.cancel != nil {
		run.cancel()
	}
	log.Infow("[Pipeline] 检测到任务已在其他实例被取消", "jobId", jobID)
	return true
}

func (m *Manager) cancelledResult(run *jobRun) (*model.PipelineJob, error) {
	snap := m.snapshot(run)
	return snap, errs.Newf(errs.Cancelled, "pipeline.Execute", "job %s was cancelled", snap.ID)
}

// persist 使用独立的 context，取消任务时状态仍能写入。
func (m *Manager) persist(job *model.PipelineJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := m.store.Save(ctx, job)
	if err != nil {
		log.Errorw("[Pipeline] 保存任务状态失败", "jobId", job.ID, "status", job.Status, "error", err)
	}
	return err
}

func (m *Manager) snapshot(run *jobRun) *model.PipelineJob {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.job.Clone()
}

func (m *Manager) notify(run *jobRun) {
	m.notifyJob(m.snapshot(run))
}

func (m *Manager) notifyJob(job *model.PipelineJob) {
	m.mu.Lock()
	hooks := append([]func(*model.PipelineJob){}, m.onFinish...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(job.Clone())
	}
}

func (r *jobRun) attempts(i int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Stages[i].Attempts
}

func markCancelled(j *model.PipelineJob, now time.Time) {
	for i := range j.Stages {
		st := &j.Stages[i]
		if st.Status != model.StageRunning && st.Status != model.StagePending {
			continue
		}
		st.Status = model.StageFailed
		st.ErrorKind = string(errs.Cancelled)
		st.Error = "cancelled"
		st.FinishedAt = &now
	}
	j.Status = model.JobFailed
	j.ErrorKind = string(errs.Cancelled)
	j.Error = "job cancelled"
	j.FinishedAt = &now
	j.UpdatedAt = now
}

func stageNames(stages []Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return names
}
