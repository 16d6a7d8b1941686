package rag

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"docqa-go/internal/model"
	"docqa-go/pkg/errs"
	"docqa-go/pkg/llm"
	"docqa-go/pkg/log"
	"docqa-go/pkg/retry"
)

const (
	defaultRules = "You are a helpful assistant that answers questions about business and legal documents. " +
		"Use only the information inside the reference block. Cite passages with their [n] markers. " +
		"If the references do not contain enough information, say so clearly."
	defaultRefStart     = "<<REF>>"
	defaultRefEnd       = "<<END>>"
	defaultNoResultText = "I could not find any relevant information in the indexed documents to answer this question."

	contextSeparator = "\n\n"
	summaryWords     = 500
)

// 生成相关问题时只参考前几个检索结果
const suggestionSources = 3

// PromptOptions 控制提示词的组成，空字段使用默认值。
type PromptOptions struct {
	Rules        string
	RefStart     string
	RefEnd       string
	NoResultText string
}

// SynthesizerOptions 配置答案生成。
type SynthesizerOptions struct {
	Prompt      PromptOptions
	MaxTokens   int
	CallTimeout time.Duration
	Retry       retry.Policy
}

// Synthesizer 在上下文预算内组装检索结果，并调用生成模型给出带引用的回答。
type Synthesizer struct {
	llm  GenerationModel
	opts SynthesizerOptions
}

func NewSynthesizer(llm GenerationModel, opts SynthesizerOptions) *Synthesizer {
	if opts.Prompt.Rules == "" {
		opts.Prompt.Rules = defaultRules
	}
	if opts.Prompt.RefStart == "" {
		opts.Prompt.RefStart = defaultRefStart
	}
	if opts.Prompt.RefEnd == "" {
		opts.Prompt.RefEnd = defaultRefEnd
	}
	if opts.Prompt.NoResultText == "" {
		opts.Prompt.NoResultText = defaultNoResultText
	}
	return &Synthesizer{llm: llm, opts: opts}
}

// ContextWindow 是组装好的上下文以及被纳入的分块。
type ContextWindow struct {
	Text      string
	Included  model.RetrievalResult
	Truncated bool
}

// BuildContext 按分数降序拼接分块，总长度（码点）不超过 maxLength。
// 第一个放不下的分块及其后的全部分块被整块排除，不做截断。
func BuildContext(result model.RetrievalResult, maxLength int) ContextWindow {
	var (
		b      strings.Builder
		length int
		win    ContextWindow
	)
	for i, r := range result {
		block := fmt.Sprintf("[%d] %s", i+1, r.Entry.Text)
		need := utf8.RuneCountInString(block)
		if i > 0 {
			need += utf8.RuneCountInString(contextSeparator)
		}
		if length+need > maxLength {
			win.Truncated = true
			break
		}
		if i > 0 {
			b.WriteString(contextSeparator)
		}
		b.WriteString(block)
		length += need
		win.Included = append(win.Included, r)
	}
	win.Text = b.String()
	return win
}

// BuildPrompt 生成确定性的提示词：规则、引用块、问题。
func (s *Synthesizer) BuildPrompt(query, contextText string) string {
	var p strings.Builder
	p.WriteString(s.opts.Prompt.Rules)
	p.WriteString("\n\n")
	p.WriteString(s.opts.Prompt.RefStart)
	p.WriteString("\n")
	p.WriteString(contextText)
	p.WriteString("\n")
	p.WriteString(s.opts.Prompt.RefEnd)
	p.WriteString("\n\nQuestion: ")
	p.WriteString(query)
	p.WriteString("\n\nPlease answer the question based on the provided context. ")
	p.WriteString("If the context doesn't contain sufficient information, please indicate that clearly.")
	return p.String()
}

// Synthesize 生成回答。没有可用上下文时直接返回固定的无结果回答，不调用模型。
func (s *Synthesizer) Synthesize(ctx context.Context, query string, result model.RetrievalResult, maxContextLength int) (model.Answer, error) {
	const op = "rag.Synthesizer.Synthesize"
	if maxContextLength <= 0 {
		return model.Answer{}, errs.Newf(errs.InvalidConfiguration, op, "max context length must be positive, got %d", maxContextLength)
	}

	win := BuildContext(result, maxContextLength)
	if len(win.Included) == 0 {
		log.Infof("[Synthesizer] 无可用上下文, 检索结果数: %d, 返回无结果回答", len(result))
		return s.NoContextAnswer(win), nil
	}

	text, err := s.generate(ctx, op, s.BuildPrompt(query, win.Text))
	if err != nil {
		return model.Answer{}, err
	}
	answer := s.AnswerFrom(win, text)
	log.Infof("[Synthesizer] 回答生成完成, 引用分块: %d, 上下文长度: %d, 截断: %v", len(win.Included), answer.ContextLength, win.Truncated)
	return answer, nil
}

// NoContextAnswer 返回上下文为空时的固定回答。
func (s *Synthesizer) NoContextAnswer(win ContextWindow) model.Answer {
	return model.Answer{
		Text:          s.opts.Prompt.NoResultText,
		CitedChunkIDs: []string{},
		Citations:     []model.Citation{},
		Truncated:     win.Truncated,
		NoContext:     true,
	}
}

// AnswerFrom 用模型输出与上下文窗口组装回答，引用即窗口中的全部分块。
func (s *Synthesizer) AnswerFrom(win ContextWindow, text string) model.Answer {
	answer := model.Answer{
		Text:          strings.TrimSpace(text),
		CitedChunkIDs: make([]string, 0, len(win.Included)),
		Citations:     make([]model.Citation, 0, len(win.Included)),
		Truncated:     win.Truncated,
		ContextLength: utf8.RuneCountInString(win.Text),
	}
	for _, r := range win.Included {
		answer.CitedChunkIDs = append(answer.CitedChunkIDs, r.Entry.ID)
		answer.Citations = append(answer.Citations, model.Citation{
			ChunkID:    r.Entry.ID,
			DocumentID: r.Entry.DocumentID,
			ChunkIndex: r.Entry.ChunkIndex,
			Start:      r.Entry.Start,
			End:        r.Entry.End,
			Score:      r.Score,
		})
	}
	return answer
}

// Stream 按上下文窗口生成回答并逐块写入 writer。模型不支持流式输出时整段写出一次。
// 第一个分块写出之前的瞬时失败按重试策略重试；已有输出后失败不再重试。
func (s *Synthesizer) Stream(ctx context.Context, query string, win ContextWindow, writer llm.MessageWriter) error {
	const op = "rag.Synthesizer.Stream"
	prompt := s.BuildPrompt(query, win.Text)
	sw := &startedWriter{w: writer}

	policy := s.opts.Retry
	retryable := policy.Retryable
	if retryable == nil {
		retryable = errs.IsTransient
	}
	policy.Retryable = func(err error) bool {
		return !sw.started && retryable(err)
	}
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warnf("[Synthesizer] 流式生成失败，%s 后重试, attempt: %d, error: %v", wait, attempt, err)
	}
	_, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		return callWithTimeout(ctx, s.opts.CallTimeout, op, func(callCtx context.Context) error {
			if streamer, ok := s.llm.(StreamingModel); ok {
				return streamer.StreamGenerate(callCtx, prompt, s.opts.MaxTokens, sw)
			}
			out, err := s.llm.Generate(callCtx, prompt, s.opts.MaxTokens)
			if err != nil {
				return err
			}
			return sw.WriteMessage(websocket.TextMessage, []byte(out))
		})
	})
	if err != nil {
		if errs.KindOf(err) == errs.Cancelled {
			return err
		}
		return errs.E(errs.GenerationFailed, op, err)
	}
	return nil
}

// startedWriter 记录是否已经有分块写出。
type startedWriter struct {
	w       llm.MessageWriter
	started bool
}

func (w *startedWriter) WriteMessage(messageType int, data []byte) error {
	w.started = true
	return w.w.WriteMessage(messageType, data)
}

// Summarize 为文档文本生成摘要，输入超过 maxInput 个码点时只使用前缀。
func (s *Synthesizer) Summarize(ctx context.Context, text string, maxInput int) (string, error) {
	const op = "rag.Synthesizer.Summarize"
	if maxInput > 0 && utf8.RuneCountInString(text) > maxInput {
		text = string([]rune(text)[:maxInput])
	}
	prompt := fmt.Sprintf("Please provide a concise summary of the following document in no more than %d words:\n\n%s\n\nSummary:", summaryWords, text)
	out, err := s.generate(ctx, op, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// SuggestQuestions 根据问题与检索结果生成至多 n 个相关问题。没有检索结果时不调用模型。
func (s *Synthesizer) SuggestQuestions(ctx context.Context, question string, result model.RetrievalResult, n, maxContextLength int) ([]string, error) {
	const op = "rag.Synthesizer.SuggestQuestions"
	if n <= 0 {
		return nil, errs.Newf(errs.InvalidConfiguration, op, "suggestion count must be positive, got %d", n)
	}
	if len(result) > suggestionSources {
		result = result[:suggestionSources]
	}
	win := BuildContext(result, maxContextLength)
	if len(win.Included) == 0 {
		return []string{}, nil
	}
	prompt := fmt.Sprintf("Based on the following context and the question %q, suggest %d related questions that someone might ask. "+
		"Write one question per line.\n\nContext:\n%s\n\nRelated questions:", question, n, win.Text)
	out, err := s.generate(ctx, op, prompt)
	if err != nil {
		return nil, err
	}
	return parseQuestions(out, n), nil
}

// parseQuestions 逐行提取问题，去掉编号与列表符号，只保留包含问号的行。
func parseQuestions(text string, n int) []string {
	out := make([]string, 0, n)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "0123456789.)-*• "))
		if line == "" || !strings.ContainsAny(line, "?？") {
			continue
		}
		out = append(out, line)
		if len(out) == n {
			break
		}
	}
	return out
}

func (s *Synthesizer) generate(ctx context.Context, op, prompt string) (string, error) {
	var text string
	policy := s.opts.Retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warnf("[Synthesizer] 生成失败，%s 后重试, attempt: %d, error: %v", wait, attempt, err)
	}
	_, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		return callWithTimeout(ctx, s.opts.CallTimeout, op, func(callCtx context.Context) error {
			out, err := s.llm.Generate(callCtx, prompt, s.opts.MaxTokens)
			if err != nil {
				return err
			}
			text = out
			return nil
		})
	})
	if err != nil {
		if errs.KindOf(err) == errs.Cancelled {
			return "", err
		}
		return "", errs.E(errs.GenerationFailed, op, err)
	}
	return text, nil
}
