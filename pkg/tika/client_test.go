package tika

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/errs"
)

func TestExtractPDFThroughTika(t *testing.T) {
	var gotType, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		gotMethod = r.Method
		_, _ = io.WriteString(w, "Extracted contract text")
	}))
	defer srv.Close()

	c := NewClient(config.TikaConfig{ServerURL: srv.URL + "/"})
	text, err := c.Extract(context.Background(), []byte("%PDF-1.7"), "a.pdf", model.FormatPDF)
	require.NoError(t, err)
	assert.Equal(t, "Extracted contract text", text)
	assert.Equal(t, "application/pdf", gotType)
	assert.Equal(t, http.MethodPut, gotMethod)
}

func TestExtractTextLocally(t *testing.T) {
	c := NewClient(config.TikaConfig{ServerURL: "http://127.0.0.1:1"})
	text, err := c.Extract(context.Background(), []byte("plain \xffbody"), "a.txt", model.FormatTXT)
	require.NoError(t, err)
	assert.Equal(t, "plain body", text)
}

func TestExtractStatusMapping(t *testing.T) {
	cases := map[int]errs.Kind{
		http.StatusUnsupportedMediaType: errs.UnsupportedFormat,
		http.StatusUnprocessableEntity:  errs.CorruptInput,
		http.StatusTooManyRequests:      errs.Throttled,
		http.StatusInternalServerError:  errs.ServiceError,
		http.StatusGatewayTimeout:       errs.Timeout,
	}
	for status, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		c := NewClient(config.TikaConfig{ServerURL: srv.URL})
		_, err := c.Extract(context.Background(), []byte("x"), "a.docx", model.FormatDOCX)
		assert.Equal(t, want, errs.KindOf(err), "status %d", status)
		srv.Close()
	}
}

func TestExtractUnreachable(t *testing.T) {
	c := NewClient(config.TikaConfig{ServerURL: "http://127.0.0.1:1"})
	_, err := c.Extract(context.Background(), []byte("x"), "a.html", model.FormatHTML)
	assert.True(t, errs.IsTransient(err))
}
