package handler

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/gin-gonic/gin"

	"docqa-go/internal/model"
	"docqa-go/internal/service"
	"docqa-go/pkg/log"
)

// DocumentHandler 负责处理所有与文档管理相关的 API 请求。
type DocumentHandler struct {
	docService  service.DocumentService
	maxFileSize int64
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(docService service.DocumentService, maxFileSize int64) *DocumentHandler {
	return &DocumentHandler{docService: docService, maxFileSize: maxFileSize}
}

// Upload 处理 multipart 文件上传。
// 表单字段：file（必填）、documentId、metadata（JSON 对象）、sync（"true" 时同步索引）。
func (h *DocumentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "缺少上传文件")
		return
	}
	var metadata map[string]string
	if raw := c.PostForm("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			badRequest(c, "metadata 必须是字符串键值对的 JSON 对象")
			return
		}
	}
	sync, _ := strconv.ParseBool(c.DefaultPostForm("sync", "false"))

	f, err := fileHeader.Open()
	if err != nil {
		badRequest(c, "无法读取上传文件")
		return
	}
	defer f.Close()
	// 多读一个字节用于判断是否超限，由服务层返回 FileTooLarge
	limit := h.maxFileSize + 1
	if h.maxFileSize <= 0 {
		limit = fileHeader.Size
	}
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		badRequest(c, "无法读取上传文件")
		return
	}
	log.Infof("[DocumentHandler] 收到上传, fileName: %s, size: %d, sync: %v", fileHeader.Filename, fileHeader.Size, sync)

	res, err := h.docService.Upload(c.Request.Context(), service.UploadRequest{
		DocumentID: c.PostForm("documentId"),
		FileName:   fileHeader.Filename,
		Data:       data,
		Metadata:   metadata,
		Sync:       sync,
	})
	if err != nil {
		fail(c, "DocumentHandler", err)
		return
	}
	success(c, "文档已接收", res)
}

// List 分页列出文档，可按状态过滤。
func (h *DocumentHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
	status := model.DocumentStatus(c.Query("status"))

	records, total, err := h.docService.List(c.Request.Context(), status, page, size)
	if err != nil {
		fail(c, "DocumentHandler", err)
		return
	}
	success(c, "success", gin.H{
		"content":       records,
		"totalElements": total,
		"page":          page,
		"size":          size,
	})
}

// Get 返回单个文档的状态与统计信息。
func (h *DocumentHandler) Get(c *gin.Context) {
	record, err := h.docService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "DocumentHandler", err)
		return
	}
	success(c, "success", gin.H{
		"document": record,
		"metadata": service.DecodeMetadata(record.Metadata),
	})
}

// Delete 删除文档及其索引条目。
func (h *DocumentHandler) Delete(c *gin.Context) {
	documentID := c.Param("id")
	if err := h.docService.Delete(c.Request.Context(), documentID); err != nil {
		fail(c, "DocumentHandler", err)
		return
	}
	success(c, "文档删除成功", nil)
}

// DownloadURL 生成原始文件的下载链接。
func (h *DocumentHandler) DownloadURL(c *gin.Context) {
	url, err := h.docService.DownloadURL(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "DocumentHandler", err)
		return
	}
	success(c, "文件下载链接生成成功", gin.H{"url": url})
}

// Stats 返回知识库统计：文档数量、各状态分布与已索引的片段数。
func (h *DocumentHandler) Stats(c *gin.Context) {
	stats, err := h.docService.Stats(c.Request.Context())
	if err != nil {
		fail(c, "DocumentHandler", err)
		return
	}
	success(c, "success", stats)
}
