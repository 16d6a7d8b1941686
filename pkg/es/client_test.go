package es

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/model"
	"docqa-go/pkg/errs"
)

type recordedRequest struct {
	method string
	path   string
	body   string
}

func newTestStore(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body string)) (*Store, *[]recordedRequest) {
	t.Helper()
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		reqs = append(reqs, recordedRequest{method: r.Method, path: r.URL.Path, body: string(b)})
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r, string(b))
	}))
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return NewStore(client, "chunks"), &reqs
}

func TestQueryConvertsScoresAndFilters(t *testing.T) {
	store, reqs := newTestStore(t, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = io.WriteString(w, `{"hits":{"hits":[
			{"_score":0.95,"_source":{"chunk_id":"d_0","document_id":"d","chunk_index":0,"text_content":"alpha","start_offset":0,"end_offset":5}},
			{"_score":0.5,"_source":{"chunk_id":"d_1","document_id":"d","chunk_index":1,"text_content":"beta","start_offset":4,"end_offset":9}}
		]}}`)
	})

	got, err := store.Query(context.Background(), []float32{0.1, 0.2}, 2, model.Filter{"document_id": "d"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d_0", got[0].Entry.ID)
	assert.InDelta(t, 0.9, got[0].Score, 1e-9)
	assert.InDelta(t, 0.0, got[1].Score, 1e-9)
	assert.Equal(t, 4, got[1].Entry.Start)

	require.Len(t, *reqs, 1)
	req := (*reqs)[0]
	assert.Equal(t, "/chunks/_search", req.path)
	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(req.body), &sent))
	knn := sent["knn"].(map[string]interface{})
	assert.Equal(t, float64(2), knn["k"])
	assert.Contains(t, req.body, `"document_id":"d"`)
}

func TestUpsertSendsBulkAndReportsItemErrors(t *testing.T) {
	store, reqs := newTestStore(t, func(w http.ResponseWriter, r *http.Request, body string) {
		if strings.Contains(body, `"_id":"d_1"`) {
			_, _ = io.WriteString(w, `{"errors":true,"items":[{"index":{"_id":"d_0","status":201}},{"index":{"_id":"d_1","status":429,"error":{"type":"es_rejected_execution_exception","reason":"queue full"}}}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"errors":false,"items":[{"index":{"_id":"d_0","status":201}}]}`)
	})

	entry := model.IndexEntry{ID: "d_0", DocumentID: "d", Text: "alpha", Vector: []float32{1, 0}}
	require.NoError(t, store.Upsert(context.Background(), []model.IndexEntry{entry}))
	first := (*reqs)[0]
	assert.Equal(t, "/_bulk", first.path)
	lines := strings.Split(strings.TrimSpace(first.body), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"_index":"chunks"`)
	assert.Contains(t, lines[1], `"text_content":"alpha"`)

	second := entry
	second.ID = "d_1"
	err := store.Upsert(context.Background(), []model.IndexEntry{entry, second})
	assert.Equal(t, errs.Throttled, errs.KindOf(err))
}

func TestDeleteByDocumentAndServerErrors(t *testing.T) {
	status := http.StatusOK
	store, reqs := newTestStore(t, func(w http.ResponseWriter, r *http.Request, body string) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"deleted":3}`)
	})

	require.NoError(t, store.DeleteByDocument(context.Background(), "d"))
	assert.Equal(t, "/chunks/_delete_by_query", (*reqs)[0].path)
	assert.Contains(t, (*reqs)[0].body, `"document_id":"d"`)

	status = http.StatusServiceUnavailable
	err := store.DeleteByDocument(context.Background(), "d")
	assert.True(t, errs.IsTransient(err))
}

func TestDeleteByDocumentReportsVersionConflicts(t *testing.T) {
	store, _ := newTestStore(t, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = io.WriteString(w, `{"deleted":2,"version_conflicts":1,"failures":[]}`)
	})

	err := store.DeleteByDocument(context.Background(), "d")
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
	assert.Contains(t, err.Error(), "1 conflicts")
}

func TestCount(t *testing.T) {
	status := http.StatusOK
	store, reqs := newTestStore(t, func(w http.ResponseWriter, r *http.Request, body string) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"count":42}`)
	})

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Equal(t, "/chunks/_count", (*reqs)[0].path)

	status = http.StatusNotFound
	n, err = store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
