package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/config"
	"docqa-go/pkg/errs"
)

func TestGenerate(t *testing.T) {
	var seen map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &seen)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-test",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"The term is 12 months."}}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{APIKey: "k", BaseURL: srv.URL + "/", Model: "gpt-test"})
	out, err := c.Generate(context.Background(), "How long is the term?", 128)
	require.NoError(t, err)
	assert.Equal(t, "The term is 12 months.", out)
	assert.Equal(t, "gpt-test", seen["model"])
	assert.Equal(t, float64(128), seen["max_tokens"])
}

func TestGenerateThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{APIKey: "k", BaseURL: srv.URL + "/", Model: "m"})
	_, err := c.Generate(context.Background(), "q", 0)
	assert.Equal(t, errs.Throttled, errs.KindOf(err))
}

func TestClassifyContextErrors(t *testing.T) {
	assert.Equal(t, errs.Timeout, errs.KindOf(ClassifyError("op", context.DeadlineExceeded)))
	assert.Equal(t, errs.Cancelled, errs.KindOf(ClassifyError("op", context.Canceled)))
	assert.Equal(t, errs.ServiceError, errs.KindOf(ClassifyError("op", errors.New("connection reset"))))
	assert.NoError(t, ClassifyError("op", nil))
}

func TestNewLimiter(t *testing.T) {
	assert.True(t, NewLimiter(0).Allow())
	l := NewLimiter(0.5)
	assert.Equal(t, 1, l.Burst())
}
