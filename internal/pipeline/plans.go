package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/internal/rag"
	"docqa-go/pkg/errs"
	"docqa-go/pkg/log"
)

// 阶段名称
const (
	StageFetchDocument     = "fetch_document"
	StageIndexDocument     = "index_document"
	StageSummarizeDocument = "summarize_document"
	StageRetrieve          = "retrieve"
	StageSynthesize        = "synthesize"
	StageSuggestQuestions  = "suggest_questions"
)

// DefaultSuggestions 是知识检索任务默认生成的相关问题数量。
const DefaultSuggestions = 3

// 任务结果中的键
const (
	ResultDocumentID     = "document_id"
	ResultChunkCount     = "chunk_count"
	ResultTokensEstimate = "tokens_estimate"
	ResultRawKey         = "raw_key"
	ResultTextKey        = "text_key"
	ResultSummary        = "summary"
	ResultRetrieved      = "retrieved"
	ResultAnswer         = "answer"
	ResultCitedChunkIDs  = "cited_chunk_ids"
	ResultNoContext      = "no_context"
	ResultTruncated      = "truncated"
	ResultContextLength  = "context_length"
	ResultMatches        = "matches"
	ResultSuggestions    = "suggestions"
)

// UploadKey 返回待处理的上传文件在对象存储中的路径。
func UploadKey(documentID, fileName string) string {
	return fmt.Sprintf("uploads/%s/%s", documentID, path.Base(fileName))
}

// DocumentTracker 记录文档的索引状态，由文档仓库实现。
type DocumentTracker interface {
	MarkIndexing(ctx context.Context, documentID string) error
	MarkIndexed(ctx context.Context, documentID string, summary model.IndexSummary) error
	MarkFailed(ctx context.Context, documentID, reason string) error
	SaveSummary(ctx context.Context, documentID, summary string) error
}

// PlanDeps 是构建阶段计划所需的依赖。Tracker 可以为空。
type PlanDeps struct {
	Blobs       rag.BlobStore
	Indexer     *rag.Indexer
	Retriever   *rag.Retriever
	Synthesizer *rag.Synthesizer
	Tracker     DocumentTracker
	RAG         config.RAGConfig
	Summarize   bool
}

// Plans 根据任务类型给出有序的阶段列表。
type Plans struct {
	deps PlanDeps
}

func NewPlans(deps PlanDeps) *Plans {
	return &Plans{deps: deps}
}

// Stages 返回任务类型对应的阶段。
func (p *Plans) Stages(kind model.JobKind) ([]Stage, error) {
	switch kind {
	case model.JobDocumentProcessing:
		return p.DocumentProcessing(), nil
	case model.JobQuestionAnswering:
		return p.QuestionAnswering(), nil
	case model.JobKnowledgeSearch:
		return p.KnowledgeSearch(), nil
	}
	return nil, errs.Newf(errs.InvalidConfiguration, "pipeline.Stages", "unknown job kind %q", kind)
}

// DocumentProcessing: fetch_document → index_document → summarize_document(可选)。
func (p *Plans) DocumentProcessing() []Stage {
	stages := []Stage{
		{Name: StageFetchDocument, Run: p.fetchDocument},
		{Name: StageIndexDocument, Run: p.indexDocument},
	}
	if p.deps.Summarize && p.deps.Synthesizer != nil {
		stages = append(stages, Stage{Name: StageSummarizeDocument, Run: p.summarizeDocument})
	}
	return stages
}

// QuestionAnswering: retrieve → synthesize。
func (p *Plans) QuestionAnswering() []Stage {
	return []Stage{
		{Name: StageRetrieve, Run: p.retrieve},
		{Name: StageSynthesize, Run: p.synthesize},
	}
}

// KnowledgeSearch: retrieve → suggest_questions。检索结果以 JSON 写入 matches，相关问题按行写入 suggestions。
func (p *Plans) KnowledgeSearch() []Stage {
	return []Stage{
		{Name: StageRetrieve, Run: p.search},
		{Name: StageSuggestQuestions, Run: p.suggestQuestions},
	}
}

// TrackFailures 在文档处理任务失败且索引阶段未完成时把文档标记为 failed，注册到 Manager.OnFinish。
func (p *Plans) TrackFailures(job *model.PipelineJob) {
	if p.deps.Tracker == nil || job.Kind != model.JobDocumentProcessing || job.Status != model.JobFailed {
		return
	}
	for _, st := range job.Stages {
		if st.Name == StageIndexDocument && st.Status == model.StageSucceeded {
			return
		}
	}
	docID := job.Result[ResultDocumentID]
	if docID == "" {
		docID = job.Input.DocumentID
	}
	if docID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := p.deps.Tracker.MarkFailed(ctx, docID, job.Error); err != nil {
		log.Warnf("[Pipeline] 更新文档失败状态出错, DocumentID: %s, Error: %v", docID, err)
	}
}

func (p *Plans) fetchDocument(ctx context.Context, sc *StageContext) error {
	const op = "pipeline.fetchDocument"
	if sc.Input.BlobKey == "" {
		return errs.New(errs.InvalidConfiguration, op, "blob key is required")
	}
	data, err := p.deps.Blobs.Get(ctx, sc.Input.BlobKey)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errs.Newf(errs.CorruptInput, op, "object %s is empty", sc.Input.BlobKey)
	}
	if sc.Input.DocumentID == "" {
		sc.Input.DocumentID = model.DocumentID(sc.Input.FileName, data)
	}
	if sc.Input.Format == "" {
		sc.Input.Format = model.FormatFromFileName(sc.Input.FileName)
	}
	sc.raw = data
	sc.Result[ResultDocumentID] = sc.Input.DocumentID
	log.Infof("[Pipeline] 文件下载成功, JobID: %s, Key: %s, Size: %d", sc.JobID, sc.Input.BlobKey, len(data))
	return nil
}

func (p *Plans) indexDocument(ctx context.Context, sc *StageContext) error {
	p.track(func(t DocumentTracker) error { return t.MarkIndexing(ctx, sc.Input.DocumentID) })

	summary, err := p.deps.Indexer.IndexDocument(ctx, rag.IndexRequest{
		DocumentID: sc.Input.DocumentID,
		FileName:   sc.Input.FileName,
		Data:       sc.raw,
		Format:     sc.Input.Format,
		Metadata:   sc.Input.Metadata,
	})
	if err != nil {
		return err
	}
	sc.indexed = summary
	p.track(func(t DocumentTracker) error { return t.MarkIndexed(ctx, summary.DocumentID, summary) })

	sc.Result[ResultDocumentID] = summary.DocumentID
	sc.Result[ResultChunkCount] = strconv.Itoa(summary.ChunkCount)
	sc.Result[ResultTokensEstimate] = strconv.Itoa(summary.TotalTokensEstimate)
	sc.Result[ResultRawKey] = summary.RawKey
	sc.Result[ResultTextKey] = summary.TextKey
	return nil
}

func (p *Plans) summarizeDocument(ctx context.Context, sc *StageContext) error {
	if sc.indexed.TextKey == "" {
		log.Warnf("[Pipeline] 文档没有归档文本，跳过摘要, JobID: %s", sc.JobID)
		return nil
	}
	text, err := p.deps.Blobs.Get(ctx, sc.indexed.TextKey)
	if err != nil {
		return err
	}
	summary, err := p.deps.Synthesizer.Summarize(ctx, string(text), p.deps.RAG.MaxContextLength)
	if err != nil {
		return err
	}
	p.track(func(t DocumentTracker) error { return t.SaveSummary(ctx, sc.indexed.DocumentID, summary) })
	sc.Result[ResultSummary] = summary
	return nil
}

func (p *Plans) retrieve(ctx context.Context, sc *StageContext) error {
	topK := sc.Input.TopK
	if topK == 0 {
		topK = p.deps.RAG.TopK
	}
	threshold := p.deps.RAG.SimilarityThreshold
	if sc.Input.Threshold != nil {
		threshold = *sc.Input.Threshold
	}
	var filter model.Filter
	if len(sc.Input.Metadata) > 0 || sc.Input.DocumentID != "" {
		filter = model.Filter{}
		for k, v := range sc.Input.Metadata {
			filter[k] = v
		}
		if sc.Input.DocumentID != "" {
			filter["document_id"] = sc.Input.DocumentID
		}
	}

	result, err := p.deps.Retriever.Retrieve(ctx, sc.Input.Question, topK, threshold, filter)
	if err != nil {
		return err
	}
	sc.retrieval = result
	sc.Result[ResultRetrieved] = strconv.Itoa(len(result))
	return nil
}

func (p *Plans) search(ctx context.Context, sc *StageContext) error {
	if err := p.retrieve(ctx, sc); err != nil {
		return err
	}
	matches, err := json.Marshal(model.SearchResponseFrom(sc.retrieval))
	if err != nil {
		return errs.E(errs.Internal, "pipeline.search", err)
	}
	sc.Result[ResultMatches] = string(matches)
	return nil
}

func (p *Plans) suggestQuestions(ctx context.Context, sc *StageContext) error {
	n := sc.Input.Suggestions
	if n <= 0 {
		n = DefaultSuggestions
	}
	suggestions, err := p.deps.Synthesizer.SuggestQuestions(ctx, sc.Input.Question, sc.retrieval, n, p.deps.RAG.MaxContextLength)
	if err != nil {
		return err
	}
	sc.Result[ResultSuggestions] = strings.Join(suggestions, "\n")
	log.Infof("[Pipeline] 相关问题生成完成, JobID: %s, 数量: %d", sc.JobID, len(suggestions))
	return nil
}

func (p *Plans) synthesize(ctx context.Context, sc *StageContext) error {
	answer, err := p.deps.Synthesizer.Synthesize(ctx, sc.Input.Question, sc.retrieval, p.deps.RAG.MaxContextLength)
	if err != nil {
		return err
	}
	sc.Result[ResultAnswer] = answer.Text
	sc.Result[ResultCitedChunkIDs] = strings.Join(answer.CitedChunkIDs, ",")
	sc.Result[ResultNoContext] = strconv.FormatBool(answer.NoContext)
	sc.Result[ResultTruncated] = strconv.FormatBool(answer.Truncated)
	sc.Result[ResultContextLength] = strconv.Itoa(answer.ContextLength)
	return nil
}

// track 更新文档状态，失败只记录日志，不影响阶段结果。
func (p *Plans) track(fn func(t DocumentTracker) error) {
	if p.deps.Tracker == nil {
		return
	}
	if err := fn(p.deps.Tracker); err != nil {
		log.Warnf("[Pipeline] 更新文档状态失败: %v", err)
	}
}
