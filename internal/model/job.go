package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind 区分管道类型。
type JobKind string

const (
	JobDocumentProcessing JobKind = "document_processing"
	JobQuestionAnswering  JobKind = "question_answering"
	JobKnowledgeSearch    JobKind = "knowledge_search"
)

// JobStatus 是任务整体状态。succeeded 与 failed 为终态。
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal 报告状态是否为终态。
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// StageStatus 是单个阶段的状态。
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
)

// StageState 记录单个阶段的执行情况。
type StageState struct {
	Name       string      `json:"name"`
	Status     StageStatus `json:"status"`
	Attempts   int         `json:"attempts"`
	ErrorKind  string      `json:"errorKind,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  *time.Time  `json:"startedAt,omitempty"`
	FinishedAt *time.Time  `json:"finishedAt,omitempty"`
}

// JobInput 是提交管道时携带的参数。
type JobInput struct {
	DocumentID  string            `json:"documentId,omitempty"`
	FileName    string            `json:"fileName,omitempty"`
	BlobKey     string            `json:"blobKey,omitempty"`
	Format      Format            `json:"format,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Question    string            `json:"question,omitempty"`
	TopK        int               `json:"topK,omitempty"`
	Threshold   *float64          `json:"threshold,omitempty"`
	Suggestions int               `json:"suggestions,omitempty"` // 知识检索生成的相关问题数量，0 表示默认值
}

// PipelineJob 是一个可追踪的多阶段任务。
type PipelineJob struct {
	ID           string            `json:"jobId"`
	Kind         JobKind           `json:"kind"`
	Status       JobStatus         `json:"status"`
	Stages       []StageState      `json:"stages"`
	CurrentStage int               `json:"currentStage"`
	ErrorKind    string            `json:"errorKind,omitempty"`
	Error        string            `json:"error,omitempty"`
	Input        JobInput          `json:"input"`
	Result       map[string]string `json:"result,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	FinishedAt   *time.Time        `json:"finishedAt,omitempty"`
}

// Clone 返回深拷贝，调用方拿到的快照不会被执行中的管道修改。
func (j *PipelineJob) Clone() *PipelineJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Stages = append([]StageState(nil), j.Stages...)
	if j.Result != nil {
		c.Result = make(map[string]string, len(j.Result))
		for k, v := range j.Result {
			c.Result[k] = v
		}
	}
	if j.Input.Metadata != nil {
		c.Input.Metadata = make(map[string]string, len(j.Input.Metadata))
		for k, v := range j.Input.Metadata {
			c.Input.Metadata[k] = v
		}
	}
	return &c
}

// JobRecord 定义了 pipeline_jobs 表的 ORM 模型，阶段、输入与结果以 JSON 存储。
type JobRecord struct {
	ID           string     `gorm:"primaryKey;type:varchar(36)"`
	Kind         string     `gorm:"type:varchar(32);not null;index"`
	Status       string     `gorm:"type:varchar(16);not null;index"`
	CurrentStage int        `gorm:"not null;default:0"`
	ErrorKind    string     `gorm:"type:varchar(32)"`
	Error        string     `gorm:"type:text"`
	Stages       string     `gorm:"type:text;not null"`
	Input        string     `gorm:"type:text"`
	Result       string     `gorm:"type:text"`
	CreatedAt    time.Time  `gorm:"not null"`
	UpdatedAt    time.Time  `gorm:"not null"`
	StartedAt    *time.Time `gorm:"default:null"`
	FinishedAt   *time.Time `gorm:"default:null"`
}

func (JobRecord) TableName() string {
	return "pipeline_jobs"
}

// ToRecord 把任务转换为数据库记录。
func (j *PipelineJob) ToRecord() (*JobRecord, error) {
	stages, err := json.Marshal(j.Stages)
	if err != nil {
		return nil, fmt.Errorf("序列化阶段失败: %w", err)
	}
	input, err := json.Marshal(j.Input)
	if err != nil {
		return nil, fmt.Errorf("序列化任务输入失败: %w", err)
	}
	result, err := json.Marshal(j.Result)
	if err != nil {
		return nil, fmt.Errorf("序列化任务结果失败: %w", err)
	}
	return &JobRecord{
		ID:           j.ID,
		Kind:         string(j.Kind),
		Status:       string(j.Status),
		CurrentStage: j.CurrentStage,
		ErrorKind:    j.ErrorKind,
		Error:        j.Error,
		Stages:       string(stages),
		Input:        string(input),
		Result:       string(result),
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		StartedAt:    j.StartedAt,
		FinishedAt:   j.FinishedAt,
	}, nil
}

// ToJob 把数据库记录还原为任务。
func (r *JobRecord) ToJob() (*PipelineJob, error) {
	job := &PipelineJob{
		ID:           r.ID,
		Kind:         JobKind(r.Kind),
		Status:       JobStatus(r.Status),
		CurrentStage: r.CurrentStage,
		ErrorKind:    r.ErrorKind,
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
	}
	if err := json.Unmarshal([]byte(r.Stages), &job.Stages); err != nil {
		return nil, fmt.Errorf("解析任务 %s 的阶段失败: %w", r.ID, err)
	}
	if r.Input != "" {
		if err := json.Unmarshal([]byte(r.Input), &job.Input); err != nil {
			return nil, fmt.Errorf("解析任务 %s 的输入失败: %w", r.ID, err)
		}
	}
	if r.Result != "" && r.Result != "null" {
		if err := json.Unmarshal([]byte(r.Result), &job.Result); err != nil {
			return nil, fmt.Errorf("解析任务 %s 的结果失败: %w", r.ID, err)
		}
	}
	return job, nil
}
