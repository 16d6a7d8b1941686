package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"docqa-go/internal/model"
	"docqa-go/pkg/errs"
)

// PgvectorStore 把分块保存在带 pgvector 列的 PostgreSQL 表中。
type PgvectorStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPgvectorStore 建立连接，并确保扩展、表和索引存在。
func NewPgvectorStore(ctx context.Context, dsn, table string, dimension int) (*PgvectorStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s := &PgvectorStore{pool: pool, table: pgx.Identifier{table}.Sanitize()}
	if err := s.migrate(ctx, table, dimension); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgvectorStore) migrate(ctx context.Context, table string, dimension int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding vector(%d) NOT NULL
		)`, s.table, dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (document_id)`, pgx.Identifier{table + "_document_id_idx"}.Sanitize(), s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`, pgx.Identifier{table + "_embedding_idx"}.Sanitize(), s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", table, err)
		}
	}
	return nil
}

// Close 释放连接池。
func (s *PgvectorStore) Close() {
	s.pool.Close()
}

// Count 返回表中的分块数量。
func (s *PgvectorStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, errs.E(errs.ServiceError, "pgvector.Count", err)
	}
	return n, nil
}

func (s *PgvectorStore) Upsert(ctx context.Context, entries []model.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, document_id, chunk_index, content, start_offset, end_offset, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			chunk_index = EXCLUDED.chunk_index,
			content = EXCLUDED.content,
			start_offset = EXCLUDED.start_offset,
			end_offset = EXCLUDED.end_offset,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`, s.table)

	batch := &pgx.Batch{}
	for _, e := range entries {
		md, err := json.Marshal(entryMetadata(e))
		if err != nil {
			return errs.E(errs.Internal, "pgvector.Upsert", err)
		}
		batch.Queue(query, e.ID, e.DocumentID, e.ChunkIndex, e.Text, e.Start, e.End, string(md), pgvector.NewVector(e.Vector))
	}

	// 同一批次在一个事务内写入，失败时不会留下部分条目
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return errs.E(errs.ServiceError, "pgvector.Upsert", err)
	}
	return nil
}

func (s *PgvectorStore) Query(ctx context.Context, vector []float32, topK int, filter model.Filter) ([]model.ScoredEntry, error) {
	filterJSON, err := filterDocument(filter)
	if err != nil {
		return nil, errs.E(errs.Internal, "pgvector.Query", err)
	}
	query := fmt.Sprintf(`SELECT id, content, metadata, 1 - (embedding <=> $1) AS score
		FROM %s
		WHERE metadata @> $2::jsonb
		ORDER BY embedding <=> $1
		LIMIT $3`, s.table)

	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(vector), filterJSON, topK)
	if err != nil {
		return nil, errs.E(errs.ServiceError, "pgvector.Query", err)
	}
	defer rows.Close()

	var out []model.ScoredEntry
	for rows.Next() {
		var (
			id, content string
			rawMD       []byte
			score       float64
		)
		if err := rows.Scan(&id, &content, &rawMD, &score); err != nil {
			return nil, errs.E(errs.ServiceError, "pgvector.Query", err)
		}
		md := map[string]string{}
		if err := json.Unmarshal(rawMD, &md); err != nil {
			return nil, errs.E(errs.Internal, "pgvector.Query", err)
		}
		out = append(out, model.ScoredEntry{Entry: entryFromMetadata(id, content, md), Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(errs.ServiceError, "pgvector.Query", err)
	}
	return out, nil
}

func (s *PgvectorStore) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, s.table), documentID); err != nil {
		return errs.E(errs.ServiceError, "pgvector.DeleteByDocument", err)
	}
	return nil
}

// filterDocument 把等值过滤编码为 JSONB 包含查询使用的文档。
func filterDocument(filter model.Filter) (string, error) {
	if len(filter) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(filter))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
