package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"docqa-go/internal/middleware"
	"docqa-go/internal/service"
	"docqa-go/pkg/token"
)

// Services 汇总路由需要的业务服务。
type Services struct {
	Documents   service.DocumentService
	Jobs        service.JobService
	QA          service.QAService
	JWT         *token.JWTManager
	MaxFileSize int64
}

// NewRouter 创建路由引擎并注册全部 API。
func NewRouter(mode string, svc Services) *gin.Engine {
	gin.SetMode(mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())
	// multipart 表单在内存中最多保留文件大小上限，超出部分写临时文件
	if svc.MaxFileSize > 0 {
		r.MaxMultipartMemory = svc.MaxFileSize
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "ok", "data": nil})
	})

	authHandler := NewAuthHandler(svc.JWT)
	documentHandler := NewDocumentHandler(svc.Documents, svc.MaxFileSize)
	pipelineHandler := NewPipelineHandler(svc.Documents, svc.Jobs)
	searchHandler := NewSearchHandler(svc.QA)
	chatHandler := NewChatHandler(svc.QA, svc.JWT)

	apiV1 := r.Group("/api/v1")
	{
		apiV1.POST("/auth/token", authHandler.Token)

		authed := apiV1.Group("/")
		authed.Use(middleware.AuthMiddleware(svc.JWT))

		documents := authed.Group("/documents")
		{
			documents.POST("", documentHandler.Upload)
			documents.GET("", documentHandler.List)
			documents.GET("/:id", documentHandler.Get)
			documents.DELETE("/:id", documentHandler.Delete)
			documents.GET("/:id/download", documentHandler.DownloadURL)
		}

		pipelines := authed.Group("/pipelines")
		{
			pipelines.POST("", pipelineHandler.SubmitDocument)
			pipelines.POST("/batch", pipelineHandler.SubmitBatch)
			pipelines.POST("/questions", pipelineHandler.SubmitQuestion)
			pipelines.POST("/searches", pipelineHandler.SubmitSearch)
			pipelines.GET("", pipelineHandler.List)
			pipelines.GET("/:id", pipelineHandler.Get)
			pipelines.POST("/:id/cancel", pipelineHandler.Cancel)
		}

		authed.GET("/stats", documentHandler.Stats)
		authed.GET("/search", searchHandler.Search)
		authed.POST("/ask", searchHandler.Ask)
		authed.GET("/chat/websocket-token", chatHandler.GetWebsocketStopToken)
	}
	// WebSocket 无法携带授权头，token 放在路径中
	r.GET("/chat/:token", chatHandler.Handle)
	return r
}
