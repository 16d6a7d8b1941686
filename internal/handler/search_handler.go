package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"docqa-go/internal/service"
	"docqa-go/pkg/log"
)

// SearchHandler 结构体定义了检索与问答相关的处理器。
type SearchHandler struct {
	qaService service.QAService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(qaService service.QAService) *SearchHandler {
	return &SearchHandler{qaService: qaService}
}

// Search 处理语义检索请求。
func (h *SearchHandler) Search(c *gin.Context) {
	query := c.Query("query")
	log.Infof("[SearchHandler] 收到检索请求, query: %s", query)
	if query == "" {
		log.Warnf("[SearchHandler] 检索请求失败: query 参数为空")
		badRequest(c, "无效的查询参数")
		return
	}

	req := service.AskRequest{Question: query, DocumentID: c.Query("documentId")}
	if v := c.Query("topK"); v != "" {
		topK, err := strconv.Atoi(v)
		if err != nil || topK <= 0 {
			badRequest(c, "topK 必须是正整数")
			return
		}
		req.TopK = topK
	}
	if v := c.Query("threshold"); v != "" {
		threshold, err := strconv.ParseFloat(v, 64)
		if err != nil {
			badRequest(c, "threshold 必须是数字")
			return
		}
		req.Threshold = &threshold
	}

	results, err := h.qaService.Search(c.Request.Context(), req)
	if err != nil {
		fail(c, "SearchHandler", err)
		return
	}
	log.Infof("[SearchHandler] 检索成功, query: '%s', 返回 %d 条结果", query, len(results))
	success(c, "success", results)
}

// Ask 检索相关分块并生成带引用的回答。
func (h *SearchHandler) Ask(c *gin.Context) {
	var req service.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载：question 不能为空")
		return
	}
	resp, err := h.qaService.Ask(c.Request.Context(), req)
	if err != nil {
		fail(c, "SearchHandler", err)
		return
	}
	success(c, "success", resp)
}
