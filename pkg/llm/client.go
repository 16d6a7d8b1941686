// Package llm provides a client for OpenAI-compatible chat completion APIs.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"golang.org/x/time/rate"

	"docqa-go/internal/config"
	"docqa-go/pkg/errs"
	"docqa-go/pkg/log"
)

// MessageWriter defines an interface for writing WebSocket messages.
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// Client generates text from a single prompt.
type Client interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	// StreamGenerate writes the completion to writer as it is produced.
	StreamGenerate(ctx context.Context, prompt string, maxTokens int, writer MessageWriter) error
}

type openAIClient struct {
	client  openai.Client
	cfg     config.LLMConfig
	limiter *rate.Limiter
}

// NewClient creates a chat client. Retries are disabled in the SDK; callers
// retry through pkg/retry so attempts are counted in one place.
func NewClient(cfg config.LLMConfig) Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &openAIClient{
		client:  openai.NewClient(opts...),
		cfg:     cfg,
		limiter: NewLimiter(cfg.RequestsPerSecond),
	}
}

// NewLimiter returns a limiter for rps requests per second; rps <= 0 means unlimited.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (c *openAIClient) params(prompt string, maxTokens int) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}
	if c.cfg.Generation.Temperature != 0 {
		params.Temperature = openai.Float(c.cfg.Generation.Temperature)
	}
	if c.cfg.Generation.TopP != 0 {
		params.TopP = openai.Float(c.cfg.Generation.TopP)
	}
	if maxTokens <= 0 {
		maxTokens = c.cfg.Generation.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	return params
}

func (c *openAIClient) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	const op = "llm.Generate"
	if err := c.limiter.Wait(ctx); err != nil {
		return "", ClassifyError(op, err)
	}
	completion, err := c.client.Chat.Completions.New(ctx, c.params(prompt, maxTokens))
	if err != nil {
		log.Errorf("[LLMClient] 调用 Chat API 失败, model: %s, error: %v", c.cfg.Model, err)
		return "", ClassifyError(op, err)
	}
	if len(completion.Choices) == 0 {
		return "", errs.New(errs.ServiceError, op, "no completion choices returned")
	}
	log.Infof("[LLMClient] 生成完成, model: %s, tokens: %d", completion.Model, completion.Usage.TotalTokens)
	return completion.Choices[0].Message.Content, nil
}

func (c *openAIClient) StreamGenerate(ctx context.Context, prompt string, maxTokens int, writer MessageWriter) error {
	const op = "llm.StreamGenerate"
	if err := c.limiter.Wait(ctx); err != nil {
		return ClassifyError(op, err)
	}
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(prompt, maxTokens))
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if err := writer.WriteMessage(websocket.TextMessage, []byte(chunk.Choices[0].Delta.Content)); err != nil {
			return fmt.Errorf("failed to write message to websocket: %w", err)
		}
	}
	if err := stream.Err(); err != nil {
		return ClassifyError(op, err)
	}
	return nil
}

// ClassifyError maps SDK and transport errors onto the error taxonomy:
// 429 is Throttled, 5xx and network failures are ServiceError, deadlines are Timeout.
func ClassifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return errs.E(errs.Cancelled, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return errs.E(errs.Timeout, op, err)
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return errs.E(errs.Throttled, op, err)
		case apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode == http.StatusGatewayTimeout:
			return errs.E(errs.Timeout, op, err)
		case apiErr.StatusCode >= 500:
			return errs.E(errs.ServiceError, op, err)
		case apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnauthorized ||
			apiErr.StatusCode == http.StatusForbidden || apiErr.StatusCode == http.StatusNotFound:
			return errs.E(errs.InvalidConfiguration, op, err)
		}
		return errs.E(errs.ServiceError, op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.E(errs.Timeout, op, err)
	}
	return errs.E(errs.ServiceError, op, err)
}
