package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/pkg/errs"
)

func TestMemoryStorePutGetDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	data := []byte("raw bytes")
	require.NoError(t, s.Put(ctx, "raw/doc/a.txt", data, "text/plain"))
	data[0] = 'X'

	got, err := s.Get(ctx, "raw/doc/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "raw bytes", string(got))

	require.NoError(t, s.Delete(ctx, "raw/doc/a.txt"))
	_, err = s.Get(ctx, "raw/doc/a.txt")
	assert.True(t, errs.Is(err, errs.NotFound))

	assert.NoError(t, s.Delete(ctx, "missing"))
}
