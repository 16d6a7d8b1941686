package rag

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"docqa-go/internal/model"
	"docqa-go/pkg/errs"
	"docqa-go/pkg/retry"
)

const testDim = 4

func testPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

// textVector 为文本生成确定的、各分量为正的向量。
func textVector(text string) []float32 {
	v := make([]float32, testDim)
	for i, r := range []rune(text) {
		v[i%testDim] += float32(r%17) + 1
	}
	if len(text) == 0 {
		v[0] = 1
	}
	return v
}

type fakeEmbeddingModel struct {
	mu      sync.Mutex
	calls   [][]string
	vectors map[string][]float32
	// fail 返回非 nil 时本次调用失败
	fail func(call int, texts []string) error
}

func (f *fakeEmbeddingModel) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	call := len(f.calls)
	f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(call, texts); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
			continue
		}
		out[i] = textVector(t)
	}
	return out, nil
}

func (f *fakeEmbeddingModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// memStore 是带余弦相似度的内存向量库。
type memStore struct {
	mu      sync.Mutex
	entries map[string]model.IndexEntry
	// upsertLimit 大于 0 时只写入前 upsertLimit 条然后返回 upsertErr
	upsertLimit int
	upsertErr   error
	// deleteFailures 次删除只删掉一条匹配条目然后返回 ServiceError
	deleteFailures int
	deleteCalls    int
}

func newMemStore() *memStore {
	return &memStore{entries: map[string]model.IndexEntry{}}
}

func (s *memStore) Upsert(ctx context.Context, entries []model.IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range entries {
		if s.upsertErr != nil && i >= s.upsertLimit {
			return s.upsertErr
		}
		s.entries[e.ID] = e
	}
	return nil
}

func (s *memStore) Query(ctx context.Context, vector []float32, topK int, filter model.Filter) ([]model.ScoredEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ScoredEntry
	for _, e := range s.entries {
		if !matches(e, filter) {
			continue
		}
		out = append(out, model.ScoredEntry{Entry: e, Score: cosine(vector, e.Vector)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *memStore) DeleteByDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	for id, e := range s.entries {
		if e.DocumentID != documentID {
			continue
		}
		delete(s.entries, id)
		if s.deleteFailures > 0 {
			s.deleteFailures--
			return errs.New(errs.ServiceError, "memStore.DeleteByDocument", "version conflict")
		}
	}
	return nil
}

func (s *memStore) idsFor(documentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, e := range s.entries {
		if e.DocumentID == documentID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func matches(e model.IndexEntry, filter model.Filter) bool {
	for k, v := range filter {
		if e.Metadata[k] != v {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	failKey string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}}
}

func (b *memBlobs) Put(ctx context.Context, key string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failKey != "" && strings.HasPrefix(key, b.failKey) {
		return errs.New(errs.ServiceError, "memBlobs.Put", "storage unavailable")
	}
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (b *memBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "memBlobs.Get", "object %s not found", key)
	}
	return data, nil
}

func (b *memBlobs) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

type fakeExtractor struct {
	text  string
	err   error
	calls int
}

func (f *fakeExtractor) Extract(ctx context.Context, data []byte, fileName string, format model.Format) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.text != "" {
		return f.text, nil
	}
	return string(data), nil
}

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	reply   string
	errs    []error
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if len(g.errs) > 0 {
		err := g.errs[0]
		if len(g.errs) > 1 {
			g.errs = g.errs[1:]
		}
		if err != nil {
			return "", err
		}
	}
	return g.reply, nil
}
