package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/internal/rag"
	"docqa-go/pkg/llm"
	"docqa-go/pkg/log"
)

// AskRequest 是一次问答或检索请求。TopK 为 0 或 Threshold 为空时使用配置的默认值。
type AskRequest struct {
	Question   string            `json:"question" binding:"required"`
	TopK       int               `json:"topK"`
	Threshold  *float64          `json:"threshold"`
	DocumentID string            `json:"documentId"`
	Filter     map[string]string `json:"filter"`
}

// AskResponse 包含回答以及用于组装上下文的检索结果。
type AskResponse struct {
	model.Answer
	Sources []model.SearchResponseDTO `json:"sources"`
}

// QAService 定义了检索与问答操作。
type QAService interface {
	Search(ctx context.Context, req AskRequest) ([]model.SearchResponseDTO, error)
	Ask(ctx context.Context, req AskRequest) (*AskResponse, error)
	// StreamAnswer 将回答分块写入 writer，结束时发送带引用的完成消息。
	StreamAnswer(ctx context.Context, question string, writer llm.MessageWriter, shouldStop func() bool) error
}

type qaService struct {
	retriever   *rag.Retriever
	synthesizer *rag.Synthesizer
	ragCfg      config.RAGConfig
}

// NewQAService 创建一个新的 QAService 实例。
func NewQAService(retriever *rag.Retriever, synthesizer *rag.Synthesizer, ragCfg config.RAGConfig) QAService {
	return &qaService{
		retriever:   retriever,
		synthesizer: synthesizer,
		ragCfg:      ragCfg,
	}
}

func (s *qaService) retrieve(ctx context.Context, req AskRequest) (model.RetrievalResult, error) {
	topK := req.TopK
	if topK == 0 {
		topK = s.ragCfg.TopK
	}
	threshold := s.ragCfg.SimilarityThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	var filter model.Filter
	if len(req.Filter) > 0 || req.DocumentID != "" {
		filter = model.Filter{}
		for k, v := range req.Filter {
			filter[k] = v
		}
		if req.DocumentID != "" {
			filter["document_id"] = req.DocumentID
		}
	}
	return s.retriever.Retrieve(ctx, req.Question, topK, threshold, filter)
}

func (s *qaService) Search(ctx context.Context, req AskRequest) ([]model.SearchResponseDTO, error) {
	result, err := s.retrieve(ctx, req)
	if err != nil {
		return nil, err
	}
	return model.SearchResponseFrom(result), nil
}

func (s *qaService) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	log.Infof("[QAService] 收到问题: %s", req.Question)
	result, err := s.retrieve(ctx, req)
	if err != nil {
		return nil, err
	}
	answer, err := s.synthesizer.Synthesize(ctx, req.Question, result, s.ragCfg.MaxContextLength)
	if err != nil {
		return nil, err
	}
	return &AskResponse{Answer: answer, Sources: model.SearchResponseFrom(result)}, nil
}

func (s *qaService) StreamAnswer(ctx context.Context, question string, writer llm.MessageWriter, shouldStop func() bool) error {
	result, err := s.retrieve(ctx, AskRequest{Question: question})
	if err != nil {
		return err
	}
	win := rag.BuildContext(result, s.ragCfg.MaxContextLength)
	if len(win.Included) == 0 {
		answer := s.synthesizer.NoContextAnswer(win)
		interceptor := &wsWriterInterceptor{conn: writer, writer: &strings.Builder{}, shouldStop: shouldStop}
		if err := interceptor.WriteMessage(websocket.TextMessage, []byte(answer.Text)); err != nil {
			return err
		}
		sendCompletion(writer, answer)
		return nil
	}

	answerBuilder := &strings.Builder{}
	interceptor := &wsWriterInterceptor{conn: writer, writer: answerBuilder, shouldStop: shouldStop}
	if err := s.synthesizer.Stream(ctx, question, win, interceptor); err != nil {
		return err
	}

	answer := s.synthesizer.AnswerFrom(win, answerBuilder.String())
	sendCompletion(writer, answer)
	log.Infof("[QAService] 流式回答完成, 长度: %d, 引用分块: %d", len(answer.Text), len(answer.CitedChunkIDs))
	return nil
}

// wsWriterInterceptor 捕获写入的分块，并把它们包装成 {"chunk":"..."} 下发。
type wsWriterInterceptor struct {
	conn       llm.MessageWriter
	writer     *strings.Builder
	shouldStop func() bool
}

// WriteMessage 满足 llm.MessageWriter 接口。
func (w *wsWriterInterceptor) WriteMessage(messageType int, data []byte) error {
	if w.shouldStop != nil && w.shouldStop() {
		return nil
	}
	w.writer.Write(data)
	b, _ := json.Marshal(map[string]string{"chunk": string(data)})
	return w.conn.WriteMessage(messageType, b)
}

// sendCompletion 发送完成通知 JSON，附带引用信息。
func sendCompletion(ws llm.MessageWriter, answer model.Answer) {
	notif := map[string]interface{}{
		"type":          "completion",
		"status":        "finished",
		"message":       "响应已完成",
		"citedChunkIds": answer.CitedChunkIDs,
		"citations":     answer.Citations,
		"noContext":     answer.NoContext,
		"truncated":     answer.Truncated,
		"timestamp":     time.Now().UnixMilli(),
		"date":          time.Now().Format("2006-01-02T15:04:05"),
	}
	b, _ := json.Marshal(notif)
	_ = ws.WriteMessage(websocket.TextMessage, b)
}
