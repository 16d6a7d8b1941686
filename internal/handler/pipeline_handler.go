package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"docqa-go/internal/model"
	"docqa-go/internal/pipeline"
	"docqa-go/internal/service"
	"docqa-go/pkg/log"
)

// PipelineHandler 负责管道任务的提交、查询与取消。
type PipelineHandler struct {
	docService service.DocumentService
	jobService service.JobService
}

// NewPipelineHandler 创建一个新的 PipelineHandler 实例。
func NewPipelineHandler(docService service.DocumentService, jobService service.JobService) *PipelineHandler {
	return &PipelineHandler{docService: docService, jobService: jobService}
}

// DocumentJobRequest 描述一个已在对象存储中的待处理文件。
type DocumentJobRequest struct {
	BlobKey    string            `json:"blobKey" binding:"required"`
	FileName   string            `json:"fileName"`
	DocumentID string            `json:"documentId"`
	Metadata   map[string]string `json:"metadata"`
}

func (r DocumentJobRequest) input() model.JobInput {
	return model.JobInput{
		BlobKey:    r.BlobKey,
		FileName:   r.FileName,
		DocumentID: r.DocumentID,
		Metadata:   r.Metadata,
	}
}

// BatchJobRequest 是批量提交的请求体。
type BatchJobRequest struct {
	Documents []DocumentJobRequest `json:"documents" binding:"required,min=1,dive"`
}

// QuestionJobRequest 以异步任务的形式提交问题。
type QuestionJobRequest struct {
	Question   string            `json:"question" binding:"required"`
	TopK       int               `json:"topK"`
	Threshold  *float64          `json:"threshold"`
	DocumentID string            `json:"documentId"`
	Filter     map[string]string `json:"filter"`
}

// KnowledgeSearchRequest 提交知识检索任务，suggestions 为 0 时使用默认数量。
type KnowledgeSearchRequest struct {
	Question    string            `json:"question" binding:"required"`
	TopK        int               `json:"topK"`
	Threshold   *float64          `json:"threshold"`
	Suggestions int               `json:"suggestions"`
	Filter      map[string]string `json:"filter"`
}

// SubmitDocument 为单个文件创建文档处理任务。
func (h *PipelineHandler) SubmitDocument(c *gin.Context) {
	var req DocumentJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载：blobKey 不能为空")
		return
	}
	job, err := h.docService.SubmitStored(c.Request.Context(), req.input())
	if err != nil {
		fail(c, "PipelineHandler", err)
		return
	}
	log.Infof("[PipelineHandler] 文档处理任务已提交, JobID: %s", job.ID)
	success(c, "任务已提交", job)
}

// SubmitBatch 为多个文件各创建一个任务。部分失败时返回已创建的任务和错误信息。
func (h *PipelineHandler) SubmitBatch(c *gin.Context) {
	var req BatchJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载：documents 不能为空")
		return
	}
	inputs := make([]model.JobInput, len(req.Documents))
	for i, d := range req.Documents {
		inputs[i] = d.input()
	}
	jobs, err := h.docService.SubmitBatch(c.Request.Context(), inputs)
	if err != nil && len(jobs) == 0 {
		fail(c, "PipelineHandler", err)
		return
	}
	data := gin.H{"jobs": jobs, "submitted": len(jobs)}
	if err != nil {
		data["error"] = err.Error()
	}
	success(c, "任务已提交", data)
}

// SubmitQuestion 创建问答任务。
func (h *PipelineHandler) SubmitQuestion(c *gin.Context) {
	var req QuestionJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载：question 不能为空")
		return
	}
	job, err := h.jobService.SubmitQuestion(c.Request.Context(), model.JobInput{
		Question:   req.Question,
		TopK:       req.TopK,
		Threshold:  req.Threshold,
		DocumentID: req.DocumentID,
		Metadata:   req.Filter,
	})
	if err != nil {
		fail(c, "PipelineHandler", err)
		return
	}
	success(c, "任务已提交", job)
}

// SubmitSearch 创建知识检索任务。
func (h *PipelineHandler) SubmitSearch(c *gin.Context) {
	var req KnowledgeSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载：question 不能为空")
		return
	}
	job, err := h.jobService.SubmitSearch(c.Request.Context(), model.JobInput{
		Question:    req.Question,
		TopK:        req.TopK,
		Threshold:   req.Threshold,
		Suggestions: req.Suggestions,
		Metadata:    req.Filter,
	})
	if err != nil {
		fail(c, "PipelineHandler", err)
		return
	}
	success(c, "任务已提交", job)
}

// Get 返回任务的当前状态。
func (h *PipelineHandler) Get(c *gin.Context) {
	job, err := h.jobService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "PipelineHandler", err)
		return
	}
	success(c, "success", job)
}

// List 按类型和状态列出任务。
func (h *PipelineHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	jobs, err := h.jobService.List(c.Request.Context(), pipeline.JobFilter{
		Kind:   model.JobKind(c.Query("kind")),
		Status: model.JobStatus(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		fail(c, "PipelineHandler", err)
		return
	}
	success(c, "success", jobs)
}

// Cancel 取消一个未结束的任务。
func (h *PipelineHandler) Cancel(c *gin.Context) {
	job, err := h.jobService.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "PipelineHandler", err)
		return
	}
	log.Infof("[PipelineHandler] 任务已取消, JobID: %s", job.ID)
	success(c, "任务已取消", job)
}
