package embedding

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/config"
	"docqa-go/pkg/errs"
)

func newServer(t *testing.T, status int, body string, seen *map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			b, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(b, seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedOrdersByIndex(t *testing.T) {
	var seen map[string]interface{}
	srv := newServer(t, http.StatusOK, `{"object":"list","model":"m","usage":{"prompt_tokens":2,"total_tokens":2},"data":[
		{"object":"embedding","index":1,"embedding":[0,1]},
		{"object":"embedding","index":0,"embedding":[1,0]}
	]}`, &seen)

	c := NewClient(config.EmbeddingConfig{APIKey: "k", BaseURL: srv.URL + "/", Model: "text-embedding-3-small"}, 2)
	vectors, err := c.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)
	assert.Equal(t, "text-embedding-3-small", seen["model"])
	assert.Equal(t, float64(2), seen["dimensions"])
}

func TestEmbedClassifiesErrors(t *testing.T) {
	cases := []struct {
		status int
		want   errs.Kind
	}{
		{http.StatusTooManyRequests, errs.Throttled},
		{http.StatusBadGateway, errs.ServiceError},
		{http.StatusUnauthorized, errs.InvalidConfiguration},
	}
	for _, tc := range cases {
		srv := newServer(t, tc.status, `{"error":{"message":"nope","type":"x"}}`, nil)
		c := NewClient(config.EmbeddingConfig{APIKey: "k", BaseURL: srv.URL + "/", Model: "m"}, 2)
		_, err := c.Embed(context.Background(), []string{"x"})
		assert.Equal(t, tc.want, errs.KindOf(err), "status %d", tc.status)
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[1]}]}`, nil)
	c := NewClient(config.EmbeddingConfig{APIKey: "k", BaseURL: srv.URL + "/", Model: "m"}, 1)
	_, err := c.Embed(context.Background(), []string{"a", "b"})
	assert.Equal(t, errs.ServiceError, errs.KindOf(err))
}
