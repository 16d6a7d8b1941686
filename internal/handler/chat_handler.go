package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"docqa-go/internal/service"
	"docqa-go/pkg/log"
	"docqa-go/pkg/token"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
)

// ChatHandler 负责处理 WebSocket 流式问答连接。
type ChatHandler struct {
	qaService     service.QAService
	jwtManager    *token.JWTManager
	stopToken     string
	stopTokenLock sync.Mutex
	// 每连接停止标志
	stopFlags sync.Map
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(qaService service.QAService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		qaService:  qaService,
		jwtManager: jwtManager,
	}
}

// GetWebsocketStopToken 返回一个可用于停止流的令牌。
func (h *ChatHandler) GetWebsocketStopToken(c *gin.Context) {
	h.stopTokenLock.Lock()
	defer h.stopTokenLock.Unlock()
	// 单实例内轮换的令牌，多实例部署时需要放到 Redis
	h.stopToken = "WSS_STOP_CMD_" + uuid.NewString()
	success(c, "success", gin.H{"cmdToken": h.stopToken})
}

// Handle 处理一个传入的 WebSocket 连接，每条文本消息视为一个问题。
func (h *ChatHandler) Handle(c *gin.Context) {
	clientID := "anonymous"
	if h.jwtManager.Enabled() {
		claims, err := h.jwtManager.VerifyToken(c.Param("token"))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
			return
		}
		clientID = claims.ClientID
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("[ChatHandler] WebSocket 升级失败: %v", err)
		return
	}
	defer ws.Close()
	conn := &safeConn{conn: ws}
	key := sessionKey(ws)
	defer h.stopFlags.Delete(key)

	log.Infof("[ChatHandler] WebSocket 连接已建立, clientId: %s", clientID)

	ctx, cancel := context.WithCancel(c.Request.Context())

	// 问题按顺序在单独的 goroutine 中回答，读循环可以随时收到停止指令
	questions := make(chan string, 8)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		shouldStop := func() bool {
			v, ok := h.stopFlags.Load(key)
			return ok && v.(bool)
		}
		for q := range questions {
			h.stopFlags.Delete(key)
			if err := h.qaService.StreamAnswer(ctx, q, conn, shouldStop); err != nil {
				log.Errorf("[ChatHandler] 处理流式响应失败: %v", err)
				conn.writeJSON(map[string]string{"error": "AI服务暂时不可用，请稍后重试"})
				conn.writeJSON(map[string]interface{}{
					"type":      "completion",
					"status":    "finished",
					"message":   "响应已完成",
					"timestamp": time.Now().UnixMilli(),
					"date":      time.Now().Format("2006-01-02T15:04:05"),
				})
			}
		}
	}()
	defer wg.Wait()
	defer close(questions)
	defer cancel()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			log.Warnf("[ChatHandler] 从 WebSocket 读取消息失败: %v", err)
			return
		}

		if h.isStopCommand(message) {
			h.stopFlags.Store(key, true)
			conn.writeJSON(map[string]interface{}{
				"type":      "stop",
				"message":   "响应已停止",
				"timestamp": time.Now().UnixMilli(),
				"date":      time.Now().Format("2006-01-02T15:04:05"),
			})
			continue
		}

		select {
		case questions <- string(message):
		default:
			conn.writeJSON(map[string]string{"error": "待处理的问题过多，请稍后再试"})
		}
	}
}

// safeConn 串行化对同一连接的写入。
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *safeConn) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

func (s *safeConn) writeJSON(v interface{}) {
	b, _ := json.Marshal(v)
	_ = s.WriteMessage(websocket.TextMessage, b)
}

// isStopCommand 识别 {"type":"stop","_internal_cmd_token":"..."} 或整条消息等于停止令牌。
func (h *ChatHandler) isStopCommand(message []byte) bool {
	h.stopTokenLock.Lock()
	stopToken := h.stopToken
	h.stopTokenLock.Unlock()
	if stopToken == "" {
		return false
	}
	if string(message) == stopToken {
		return true
	}
	if len(message) == 0 || message[0] != '{' {
		return false
	}
	var ctrl struct {
		Type  string `json:"type"`
		Token string `json:"_internal_cmd_token"`
	}
	if err := json.Unmarshal(message, &ctrl); err != nil {
		return false
	}
	return ctrl.Type == "stop" && ctrl.Token == stopToken
}

func sessionKey(conn *websocket.Conn) string {
	return fmt.Sprintf("%p", conn)
}
