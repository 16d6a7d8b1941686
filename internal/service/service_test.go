package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/internal/pipeline"
	"docqa-go/internal/rag"
	"docqa-go/internal/repository"
	"docqa-go/pkg/errs"
	"docqa-go/pkg/llm"
	"docqa-go/pkg/retry"
	"docqa-go/pkg/storage"
	"docqa-go/pkg/tasks"
	"docqa-go/pkg/vectorstore"
)

var keywords = []string{"refund", "shipping", "warranty"}

type keywordModel struct{}

func (keywordModel) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		lower := strings.ToLower(t)
		v := make([]float32, len(keywords))
		for j, kw := range keywords {
			v[j] = float32(strings.Count(lower, kw)) + 0.01
		}
		out[i] = v
	}
	return out, nil
}

type passthroughExtractor struct{}

func (passthroughExtractor) Extract(ctx context.Context, data []byte, fileName string, format model.Format) (string, error) {
	return string(data), nil
}

// fakeLLM 在流式模式下按空格切分回复逐段写出。
type fakeLLM struct {
	mu        sync.Mutex
	reply     string
	calls     int
	streamErr error
}

var _ llm.Client = (*fakeLLM)(nil)

func (f *fakeLLM) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.reply, nil
}

func (f *fakeLLM) StreamGenerate(ctx context.Context, prompt string, maxTokens int, writer llm.MessageWriter) error {
	f.mu.Lock()
	f.calls++
	streamErr := f.streamErr
	f.mu.Unlock()
	if streamErr != nil {
		return streamErr
	}
	for _, part := range strings.SplitAfter(f.reply, " ") {
		if part == "" {
			continue
		}
		if err := writer.WriteMessage(websocket.TextMessage, []byte(part)); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingWriter struct {
	messages []map[string]interface{}
}

func (w *recordingWriter) WriteMessage(messageType int, data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	w.messages = append(w.messages, m)
	return nil
}

type fakeProducer struct {
	err  error
	sent []tasks.PipelineTask
}

func (p *fakeProducer) ProducePipelineTask(ctx context.Context, task tasks.PipelineTask) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, task)
	return nil
}

type fixture struct {
	repo    repository.DocumentRepository
	blobs   *storage.MemoryStore
	llm     *fakeLLM
	manager *pipeline.Manager
	plans   *pipeline.Plans
	docs    DocumentService
	jobs    JobService
	qa      QAService
}

func newFixture(t *testing.T, producer TaskProducer) *fixture {
	t.Helper()
	ragCfg := config.RAGConfig{
		ChunkSize:           1000,
		ChunkOverlap:        200,
		EmbeddingDimension:  len(keywords),
		SimilarityThreshold: 0.7,
		TopK:                3,
		MaxContextLength:    4000,
		MaxFileSize:         1024,
		SupportedFormats:    []string{"pdf", "docx", "txt", "html"},
	}
	policy := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	store, err := vectorstore.NewChromemStore("", "service_test")
	require.NoError(t, err)
	chunker, err := rag.NewChunker(ragCfg.ChunkSize, ragCfg.ChunkOverlap)
	require.NoError(t, err)
	embedder, err := rag.NewEmbedder(keywordModel{}, rag.EmbedderOptions{BatchSize: 4, Concurrency: 2, Dimension: ragCfg.EmbeddingDimension, Retry: policy})
	require.NoError(t, err)
	index := rag.NewVectorIndex(store, ragCfg.EmbeddingDimension, 0)

	f := &fixture{
		repo:  repository.NewMemoryDocumentRepository(),
		blobs: storage.NewMemoryStore(),
		llm:   &fakeLLM{reply: "Refunds are accepted within 30 days [1]."},
	}
	indexer := rag.NewIndexer(passthroughExtractor{}, chunker, embedder, index, f.blobs, nil, rag.IndexerOptions{SupportedFormats: ragCfg.SupportedFormats})
	retriever := rag.NewRetriever(embedder, index)
	synth := rag.NewSynthesizer(f.llm, rag.SynthesizerOptions{MaxTokens: 200, Retry: policy})

	f.plans = pipeline.NewPlans(pipeline.PlanDeps{
		Blobs: f.blobs, Indexer: indexer, Retriever: retriever, Synthesizer: synth,
		Tracker: f.repo, RAG: ragCfg,
	})
	f.manager = pipeline.NewManager(pipeline.NewMemoryJobStore(), policy)
	f.manager.OnFinish(f.plans.TrackFailures)
	t.Cleanup(func() { _ = f.manager.Close(context.Background()) })

	f.jobs = NewJobService(f.manager, f.plans, producer)
	f.docs = NewDocumentService(f.repo, indexer, index, f.blobs, f.jobs, ragCfg)
	f.qa = NewQAService(retriever, synth, ragCfg)
	return f
}

func (f *fixture) waitForJob(t *testing.T, id string) *model.PipelineJob {
	t.Helper()
	var job *model.PipelineJob
	require.Eventually(t, func() bool {
		j, err := f.jobs.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

const refundText = "Refund requests are accepted within 30 days of purchase."

func TestUploadSyncIndexesDocument(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.docs.Upload(ctx, UploadRequest{FileName: "refund.txt", Data: []byte(refundText), Sync: true, Metadata: map[string]string{"team": "legal"}})
	require.NoError(t, err)
	require.NotNil(t, res.Summary)
	assert.Equal(t, 1, res.Summary.ChunkCount)
	assert.Equal(t, model.DocumentIndexed, res.Document.Status)
	assert.Equal(t, map[string]string{"team": "legal"}, DecodeMetadata(res.Document.Metadata))

	docID := model.DocumentID("refund.txt", []byte(refundText))
	assert.Equal(t, docID, res.Document.DocumentID)
}

func TestStatsCountsDocumentsAndIndexEntries(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.docs.Upload(ctx, UploadRequest{FileName: "refund.txt", Data: []byte(refundText), Sync: true})
	require.NoError(t, err)

	stats, err := f.docs.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalDocuments)
	assert.EqualValues(t, 1, stats.ByStatus[model.DocumentIndexed])
	assert.EqualValues(t, 1, stats.IndexedChunks)
	require.NotNil(t, stats.IndexedEntries)
	assert.Equal(t, 1, *stats.IndexedEntries)
}

func TestSubmitSearchValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.jobs.SubmitSearch(ctx, model.JobInput{Question: "  "})
	assert.Equal(t, errs.InvalidConfiguration, errs.KindOf(err))
	_, err = f.jobs.SubmitSearch(ctx, model.JobInput{Question: "refund?", Suggestions: 11})
	assert.Equal(t, errs.InvalidConfiguration, errs.KindOf(err))

	job, err := f.jobs.SubmitSearch(ctx, model.JobInput{Question: "How do refunds work?"})
	require.NoError(t, err)
	assert.Equal(t, model.JobKnowledgeSearch, job.Kind)
	job = f.waitForJob(t, job.ID)
	assert.Equal(t, model.JobSucceeded, job.Status)
	assert.Equal(t, "[]", job.Result[pipeline.ResultMatches])
}

func TestUploadRejectsInvalidFiles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.docs.Upload(ctx, UploadRequest{FileName: "slides.pptx", Data: []byte("x")})
	assert.Equal(t, errs.UnsupportedFormat, errs.KindOf(err))

	_, err = f.docs.Upload(ctx, UploadRequest{FileName: "big.txt", Data: make([]byte, 2048)})
	assert.Equal(t, errs.FileTooLarge, errs.KindOf(err))

	_, err = f.docs.Upload(ctx, UploadRequest{FileName: "empty.txt"})
	assert.Equal(t, errs.CorruptInput, errs.KindOf(err))

	_, total, err := f.docs.List(ctx, "", 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestUploadAsyncRunsPipeline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.docs.Upload(ctx, UploadRequest{DocumentID: "policy", FileName: "refund.txt", Data: []byte(refundText)})
	require.NoError(t, err)
	require.NotNil(t, res.Job)
	assert.Equal(t, model.DocumentPending, res.Document.Status)

	job := f.waitForJob(t, res.Job.ID)
	assert.Equal(t, model.JobSucceeded, job.Status)

	record, err := f.docs.Get(ctx, "policy")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentIndexed, record.Status)
	assert.Equal(t, 1, record.ChunkCount)
}

func TestSubmitStoredComputesDocumentID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.blobs.Put(ctx, "inbox/refund.txt", []byte(refundText), "text/plain"))

	job, err := f.docs.SubmitStored(ctx, model.JobInput{BlobKey: "inbox/refund.txt"})
	require.NoError(t, err)
	docID := model.DocumentID("refund.txt", []byte(refundText))
	assert.Equal(t, docID, job.Input.DocumentID)
	assert.Equal(t, "refund.txt", job.Input.FileName)

	job = f.waitForJob(t, job.ID)
	assert.Equal(t, model.JobSucceeded, job.Status)

	_, err = f.docs.SubmitBatch(ctx, nil)
	assert.Equal(t, errs.InvalidConfiguration, errs.KindOf(err))
}

func TestSubmitStoredMissingBlob(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.docs.SubmitStored(context.Background(), model.JobInput{BlobKey: "inbox/missing.txt"})
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestAskAndSearch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.docs.Upload(ctx, UploadRequest{DocumentID: "policy", FileName: "refund.txt", Data: []byte(refundText), Sync: true})
	require.NoError(t, err)
	_, err = f.docs.Upload(ctx, UploadRequest{DocumentID: "shipping", FileName: "shipping.txt", Data: []byte("Shipping takes five business days."), Sync: true})
	require.NoError(t, err)

	hits, err := f.qa.Search(ctx, AskRequest{Question: "refund window"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "policy_0", hits[0].ChunkID)
	assert.Equal(t, "refund.txt", hits[0].FileName)

	resp, err := f.qa.Ask(ctx, AskRequest{Question: "How do refunds work?"})
	require.NoError(t, err)
	assert.Equal(t, f.llm.reply, resp.Text)
	assert.Equal(t, []string{"policy_0"}, resp.CitedChunkIDs)
	assert.False(t, resp.NoContext)
	assert.Len(t, resp.Sources, 1)

	resp, err = f.qa.Ask(ctx, AskRequest{Question: "How do refunds work?", DocumentID: "shipping"})
	require.NoError(t, err)
	assert.True(t, resp.NoContext)
	assert.Empty(t, resp.CitedChunkIDs)
}

func TestStreamAnswer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.docs.Upload(ctx, UploadRequest{DocumentID: "policy", FileName: "refund.txt", Data: []byte(refundText), Sync: true})
	require.NoError(t, err)

	w := &recordingWriter{}
	require.NoError(t, f.qa.StreamAnswer(ctx, "refund rules?", w, nil))
	require.Greater(t, len(w.messages), 2)

	var streamed strings.Builder
	for _, m := range w.messages[:len(w.messages)-1] {
		streamed.WriteString(m["chunk"].(string))
	}
	assert.Equal(t, f.llm.reply, streamed.String())

	last := w.messages[len(w.messages)-1]
	assert.Equal(t, "completion", last["type"])
	assert.Equal(t, []interface{}{"policy_0"}, last["citedChunkIds"])
	assert.Equal(t, false, last["noContext"])
}

func TestStreamAnswerStopsForwarding(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.docs.Upload(ctx, UploadRequest{DocumentID: "policy", FileName: "refund.txt", Data: []byte(refundText), Sync: true})
	require.NoError(t, err)

	w := &recordingWriter{}
	require.NoError(t, f.qa.StreamAnswer(ctx, "refund rules?", w, func() bool { return true }))
	require.Len(t, w.messages, 1)
	assert.Equal(t, "completion", w.messages[0]["type"])
}

func TestStreamAnswerRetriesAndReportsGenerationFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.docs.Upload(ctx, UploadRequest{DocumentID: "policy", FileName: "refund.txt", Data: []byte(refundText), Sync: true})
	require.NoError(t, err)
	f.llm.streamErr = errs.New(errs.Throttled, "test", "rate limited")

	w := &recordingWriter{}
	err = f.qa.StreamAnswer(ctx, "refund rules?", w, nil)
	require.Error(t, err)
	assert.Equal(t, errs.GenerationFailed, errs.KindOf(err))
	assert.Equal(t, 2, f.llm.callCount())
	assert.Empty(t, w.messages)
}

func TestStreamAnswerWithoutContextSkipsModel(t *testing.T) {
	f := newFixture(t, nil)
	w := &recordingWriter{}
	require.NoError(t, f.qa.StreamAnswer(context.Background(), "warranty terms?", w, nil))
	assert.Zero(t, f.llm.callCount())
	require.Len(t, w.messages, 2)
	assert.Equal(t, true, w.messages[1]["noContext"])
}

func TestDeleteRemovesIndexAndBlobs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.docs.Upload(ctx, UploadRequest{DocumentID: "policy", FileName: "refund.txt", Data: []byte(refundText), Sync: true})
	require.NoError(t, err)

	require.NoError(t, f.docs.Delete(ctx, "policy"))

	_, err = f.docs.Get(ctx, "policy")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
	_, err = f.blobs.Get(ctx, res.Summary.TextKey)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
	hits, err := f.qa.Search(ctx, AskRequest{Question: "refund"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	err = f.docs.Delete(ctx, "policy")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestSubmitThroughProducer(t *testing.T) {
	producer := &fakeProducer{}
	f := newFixture(t, producer)
	ctx := context.Background()

	job, err := f.jobs.SubmitQuestion(ctx, model.JobInput{Question: "refund?"})
	require.NoError(t, err)
	require.Len(t, producer.sent, 1)
	assert.Equal(t, job.ID, producer.sent[0].JobID)
	assert.Equal(t, model.JobPending, job.Status)

	require.NoError(t, f.jobs.Process(ctx, producer.sent[0]))
	job, err = f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSucceeded, job.Status)
	assert.Equal(t, "true", job.Result[pipeline.ResultNoContext])

	// 重复投递不会改变终态任务
	assert.NoError(t, f.jobs.Process(ctx, producer.sent[0]))
	assert.NoError(t, f.jobs.Process(ctx, tasks.PipelineTask{JobID: "missing", Kind: string(model.JobQuestionAnswering)}))
}

func TestSubmitFallsBackWhenProducerFails(t *testing.T) {
	producer := &fakeProducer{err: errs.New(errs.ServiceError, "kafka", "broker down")}
	f := newFixture(t, producer)

	job, err := f.jobs.SubmitQuestion(context.Background(), model.JobInput{Question: "refund?"})
	require.NoError(t, err)
	job = f.waitForJob(t, job.ID)
	assert.Equal(t, model.JobSucceeded, job.Status)

	_, err = f.jobs.SubmitQuestion(context.Background(), model.JobInput{Question: "  "})
	assert.Equal(t, errs.InvalidConfiguration, errs.KindOf(err))
}

func TestDownloadURLNeedsPresigningStore(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.docs.DownloadURL(context.Background(), "policy")
	assert.Equal(t, errs.InvalidConfiguration, errs.KindOf(err))
}
