// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"docqa-go/pkg/errs"
	"docqa-go/pkg/log"
)

// statusFor 把错误类型映射为 HTTP 状态码。
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.InvalidConfiguration:
		return http.StatusBadRequest
	case errs.UnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case errs.CorruptInput, errs.ExtractionFailed:
		return http.StatusUnprocessableEntity
	case errs.FileTooLarge:
		return http.StatusRequestEntityTooLarge
	case errs.NotFound:
		return http.StatusNotFound
	case errs.InvalidState:
		return http.StatusConflict
	case errs.Throttled:
		return http.StatusTooManyRequests
	case errs.Timeout:
		return http.StatusGatewayTimeout
	case errs.ServiceError, errs.GenerationFailed:
		return http.StatusBadGateway
	case errs.Cancelled:
		return 499
	}
	return http.StatusInternalServerError
}

func success(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": message, "data": data})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": message, "data": nil})
}

// fail 按错误类型返回统一的错误响应，data 中带上 kind 便于客户端区分。
func fail(c *gin.Context, component string, err error) {
	kind := errs.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		log.Errorf("[%s] 请求失败, path: %s, kind: %s, error: %v", component, c.FullPath(), kind, err)
	} else {
		log.Warnf("[%s] 请求失败, path: %s, kind: %s, error: %v", component, c.FullPath(), kind, err)
	}
	c.JSON(status, gin.H{"code": status, "message": err.Error(), "data": gin.H{"kind": string(kind)}})
}
