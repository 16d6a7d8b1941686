// Package es 提供了基于 Elasticsearch dense_vector 的分块向量存储。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/errs"
	"docqa-go/pkg/log"
)

// NewClient 根据配置创建 Elasticsearch 客户端。
func NewClient(esCfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	return elasticsearch.NewClient(cfg)
}

// Store 把分块写入单个索引，向量字段使用 cosine 相似度。
type Store struct {
	client *elasticsearch.Client
	index  string
}

func NewStore(client *elasticsearch.Client, index string) *Store {
	return &Store{client: client, index: index}
}

// EnsureIndex 检查索引是否存在，不存在则按给定维度创建。
func (s *Store) EnsureIndex(ctx context.Context, dims int) error {
	res, err := s.client.Indices.Exists([]string{s.index}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", s.index)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"chunk_id": { "type": "keyword" },
				"document_id": { "type": "keyword" },
				"chunk_index": { "type": "integer" },
				"text_content": { "type": "text" },
				"start_offset": { "type": "integer" },
				"end_offset": { "type": "integer" },
				"metadata": { "type": "flattened" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				}
			}
		}
	}`, dims)

	res, err = s.client.Indices.Create(
		s.index,
		s.client.Indices.Create.WithContext(ctx),
		s.client.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", s.index, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", s.index, res.String())
		return fmt.Errorf("创建索引 %s 失败: %s", s.index, res.Status())
	}
	log.Infof("索引 '%s' 创建成功, 向量维度: %d", s.index, dims)
	return nil
}

// Upsert 通过 bulk 接口写入分块，文档 ID 即分块 ID，重复写入覆盖。
func (s *Store) Upsert(ctx context.Context, entries []model.IndexEntry) error {
	const op = "es.Upsert"
	if len(entries) == 0 {
		return nil
	}
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, e := range entries {
		meta := map[string]map[string]string{"index": {"_index": s.index, "_id": e.ID}}
		if err := enc.Encode(meta); err != nil {
			return errs.E(errs.Internal, op, err)
		}
		doc := model.EsChunk{
			ChunkID:     e.ID,
			DocumentID:  e.DocumentID,
			ChunkIndex:  e.ChunkIndex,
			TextContent: e.Text,
			Start:       e.Start,
			End:         e.End,
			Vector:      e.Vector,
			Metadata:    e.Metadata,
		}
		if err := enc.Encode(doc); err != nil {
			return errs.E(errs.Internal, op, err)
		}
	}

	res, err := s.client.Bulk(
		bytes.NewReader(body.Bytes()),
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithRefresh("true"),
	)
	if err != nil {
		return errs.E(errs.ServiceError, op, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return statusError(op, res)
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return errs.E(errs.ServiceError, op, fmt.Errorf("failed to decode bulk response: %w", err))
	}
	if bulkResp.Errors {
		for _, item := range bulkResp.Items {
			for _, r := range item {
				if r.Status >= 300 {
					kind := errs.ServiceError
					if r.Status == http.StatusTooManyRequests {
						kind = errs.Throttled
					}
					return errs.Newf(kind, op, "chunk %s rejected: %s: %s", r.ID, r.Error.Type, r.Error.Reason)
				}
			}
		}
		return errs.New(errs.ServiceError, op, "bulk request reported errors")
	}
	return nil
}

// Query 使用 knn 检索，并把 ES 的 cosine 分数 (1+cos)/2 还原为余弦相似度。
func (s *Store) Query(ctx context.Context, vector []float32, topK int, filter model.Filter) ([]model.ScoredEntry, error) {
	const op = "es.Query"
	numCandidates := topK * 10
	if numCandidates < 100 {
		numCandidates = 100
	}
	knn := map[string]interface{}{
		"field":          "vector",
		"query_vector":   vector,
		"k":              topK,
		"num_candidates": numCandidates,
	}
	if terms := filterTerms(filter); len(terms) > 0 {
		knn["filter"] = map[string]interface{}{"bool": map[string]interface{}{"filter": terms}}
	}
	esQuery := map[string]interface{}{
		"knn":     knn,
		"size":    topK,
		"_source": map[string]interface{}{"excludes": []string{"vector"}},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, errs.E(errs.Internal, op, err)
	}
	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, errs.E(errs.ServiceError, op, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, statusError(op, res)
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.EsChunk `json:"_source"`
				Score  float64       `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, errs.E(errs.ServiceError, op, fmt.Errorf("failed to decode es response: %w", err))
	}

	out := make([]model.ScoredEntry, 0, len(esResponse.Hits.Hits))
	for _, hit := range esResponse.Hits.Hits {
		src := hit.Source
		out = append(out, model.ScoredEntry{
			Entry: model.IndexEntry{
				ID:         src.ChunkID,
				DocumentID: src.DocumentID,
				ChunkIndex: src.ChunkIndex,
				Text:       src.TextContent,
				Start:      src.Start,
				End:        src.End,
				Metadata:   src.Metadata,
			},
			Score: 2*hit.Score - 1,
		})
	}
	return out, nil
}

// DeleteByDocument 删除文档的全部分块。
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) error {
	const op = "es.DeleteByDocument"
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"document_id": documentID},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return errs.E(errs.Internal, op, err)
	}
	res, err := s.client.DeleteByQuery(
		[]string{s.index},
		&buf,
		s.client.DeleteByQuery.WithContext(ctx),
		s.client.DeleteByQuery.WithRefresh(true),
		s.client.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return errs.E(errs.ServiceError, op, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return statusError(op, res)
	}

	// conflicts=proceed 时冲突的文档会被跳过，需要由调用方重试
	var parsed struct {
		Deleted          int               `json:"deleted"`
		VersionConflicts int               `json:"version_conflicts"`
		Failures         []json.RawMessage `json:"failures"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return errs.E(errs.ServiceError, op, err)
	}
	if parsed.VersionConflicts > 0 || len(parsed.Failures) > 0 {
		return errs.Newf(errs.ServiceError, op, "document %s partially deleted: %d deleted, %d conflicts, %d failures",
			documentID, parsed.Deleted, parsed.VersionConflicts, len(parsed.Failures))
	}
	return nil
}

// Count 返回索引中的分块数量，索引不存在时为 0。
func (s *Store) Count(ctx context.Context) (int, error) {
	const op = "es.Count"
	res, err := s.client.Count(s.client.Count.WithContext(ctx), s.client.Count.WithIndex(s.index))
	if err != nil {
		return 0, errs.E(errs.ServiceError, op, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		return 0, statusError(op, res)
	}
	var parsed struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, errs.E(errs.ServiceError, op, err)
	}
	return parsed.Count, nil
}

// filterTerms 把等值过滤转换为 term 查询，document_id 是顶层字段，其余在 metadata 下。
func filterTerms(filter model.Filter) []map[string]interface{} {
	terms := make([]map[string]interface{}, 0, len(filter))
	for k, v := range filter {
		field := "metadata." + k
		if k == "document_id" {
			field = "document_id"
		}
		terms = append(terms, map[string]interface{}{"term": map[string]interface{}{field: v}})
	}
	return terms
}

func statusError(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(res.Body)
	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return errs.Newf(errs.Throttled, op, "elasticsearch returned %s", res.Status())
	case res.StatusCode >= 500:
		return errs.Newf(errs.ServiceError, op, "elasticsearch returned %s: %s", res.Status(), string(body))
	}
	log.Errorf("[ES] 请求被拒绝, op: %s, status: %s, body: %s", op, res.Status(), string(body))
	return errs.Newf(errs.Internal, op, "elasticsearch returned %s: %s", res.Status(), string(body))
}
