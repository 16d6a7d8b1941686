// Package tika 提供了一个与 Apache Tika 服务器交互的文本抽取客户端。
package tika

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/errs"
)

// Client 是 Tika 服务器的客户端，实现 rag.TextExtractor。
type Client struct {
	serverURL  string
	httpClient *http.Client
}

// NewClient 创建一个新的 Tika 客户端实例。
func NewClient(cfg config.TikaConfig) *Client {
	return &Client{serverURL: strings.TrimRight(cfg.ServerURL, "/"), httpClient: &http.Client{}}
}

// Extract 抽取纯文本。txt 文件在本地解码，其余格式交给 Tika。
func (c *Client) Extract(ctx context.Context, data []byte, fileName string, format model.Format) (string, error) {
	const op = "tika.Extract"
	if format == model.FormatTXT {
		if !utf8.Valid(data) {
			return strings.ToValidUTF8(string(data), ""), nil
		}
		return string(data), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.serverURL+"/tika", bytes.NewReader(data))
	if err != nil {
		return "", errs.E(errs.Internal, op, fmt.Errorf("创建请求失败: %w", err))
	}
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("Content-Type", format.ContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError(op, fmt.Errorf("读取 Tika 响应失败: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError(op, resp.StatusCode, body)
	}
	return string(body), nil
}

func statusError(op string, status int, body []byte) error {
	msg := fmt.Sprintf("Tika 返回错误 [%d]: %s", status, strings.TrimSpace(string(body)))
	switch {
	case status == http.StatusUnsupportedMediaType:
		return errs.New(errs.UnsupportedFormat, op, msg)
	case status == http.StatusTooManyRequests:
		return errs.New(errs.Throttled, op, msg)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errs.New(errs.Timeout, op, msg)
	case status >= 500:
		return errs.New(errs.ServiceError, op, msg)
	}
	// 422 以及其他 4xx：文件内容无法解析
	return errs.New(errs.CorruptInput, op, msg)
}

func transportError(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return errs.E(errs.Cancelled, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return errs.E(errs.Timeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.E(errs.Timeout, op, err)
	}
	return errs.E(errs.ServiceError, op, fmt.Errorf("调用 Tika 失败: %w", err))
}
