package search

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"freightline/internal/domain"
)

const DefaultKnowledgeTable = "knowledge_documents"

// PGVectorKnowledge ranks documents stored in Postgres by cosine distance to
// the query embedding.
type PGVectorKnowledge struct {
	name     string
	pool     *pgxpool.Pool
	embedder Embedder
	table    string
	limit    int
}

func NewPGVectorKnowledge(name string, pool *pgxpool.Pool, embedder Embedder, table string, limit int) *PGVectorKnowledge {
	if table == "" {
		table = DefaultKnowledgeTable
	}
	if limit <= 0 {
		limit = 5
	}
	return &PGVectorKnowledge{name: name, pool: pool, embedder: embedder, table: table, limit: limit}
}

func (s *PGVectorKnowledge) Name() string { return s.name }

func (s *PGVectorKnowledge) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// EnsureSchema creates the extension and table for dims-dimensional vectors.
func (s *PGVectorKnowledge) EnsureSchema(ctx context.Context, dims int) error {
	stmt := fmt.Sprintf(`CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	source_type TEXT NOT NULL DEFAULT '',
	region TEXT,
	embedding VECTOR(%d) NOT NULL
)`, s.ident(), dims)
	_, err := s.pool.Exec(ctx, stmt)
	return err
}

// Upsert embeds and stores a document.
func (s *PGVectorKnowledge) Upsert(ctx context.Context, doc KnowledgeDoc) error {
	vec, err := s.embedder.Embedding(ctx, doc.Text)
	if err != nil {
		return fmt.Errorf("embed %s: %w", doc.ID, err)
	}
	var region any
	if doc.Region != "" {
		region = doc.Region
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, content, source_type, region, embedding) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, source_type = EXCLUDED.source_type, region = EXCLUDED.region, embedding = EXCLUDED.embedding`, s.ident()),
		doc.ID, doc.Text, doc.SourceType, region, pgvector.NewVector(vec))
	return err
}

func (s *PGVectorKnowledge) SearchKnowledge(ctx context.Context, query, region string) ([]domain.KnowledgeRecord, error) {
	vec, err := s.embedder.Embedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT id, content, source_type, 1 - (embedding <=> $1) AS score
FROM %s
WHERE $2::text = '' OR region IS NULL OR upper(region) = upper($2::text)
ORDER BY embedding <=> $1, id
LIMIT $3`, s.ident()), pgvector.NewVector(vec), region, s.limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KnowledgeRecord
	for rows.Next() {
		var (
			id, content, sourceType string
			score                   float64
		)
		if err := rows.Scan(&id, &content, &sourceType, &score); err != nil {
			return nil, err
		}
		res = append(res, domain.KnowledgeRecord{
			Content:        content,
			RelevanceScore: score,
			SourceType:     sourceType,
			Source:         s.name,
			Region:         region,
			Metadata:       map[string]string{"id": id},
		})
	}
	return res, rows.Err()
}
