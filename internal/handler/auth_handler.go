package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"docqa-go/pkg/log"
	"docqa-go/pkg/token"
)

// AuthHandler 负责为 API 客户端签发 access token。
type AuthHandler struct {
	jwtManager *token.JWTManager
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(jwtManager *token.JWTManager) *AuthHandler {
	return &AuthHandler{jwtManager: jwtManager}
}

// TokenRequest 定义了签发 token API 的请求体结构。
type TokenRequest struct {
	ClientID     string `json:"clientId" binding:"required"`
	ClientSecret string `json:"clientSecret" binding:"required"`
}

// Token 使用客户端凭证换取 access token。
func (h *AuthHandler) Token(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("[AuthHandler] 无效的请求负载, error: %v", err)
		badRequest(c, "无效的请求负载：clientId 与 clientSecret 不能为空")
		return
	}
	if !h.jwtManager.Enabled() {
		badRequest(c, "服务未启用认证")
		return
	}
	if err := h.jwtManager.Authenticate(req.ClientID, req.ClientSecret); err != nil {
		log.Warnf("[AuthHandler] 客户端认证失败, clientId: %s, error: %v", req.ClientID, err)
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的客户端凭证", "data": nil})
		return
	}

	tokenString, expiresAt, err := h.jwtManager.GenerateToken(req.ClientID)
	if err != nil {
		log.Errorf("[AuthHandler] 签发 token 失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "签发 token 失败", "data": nil})
		return
	}
	log.Infof("[AuthHandler] 已签发 token, clientId: %s", req.ClientID)
	success(c, "success", gin.H{
		"token":     tokenString,
		"expiresAt": expiresAt.Unix(),
	})
}
