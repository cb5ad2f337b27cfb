// Package database implements the ChunkStore contract on top of Postgres
// via pgx, mirroring the teacher's connection/migration style.
package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/Klarline/academe/internal/apperr"
	"github.com/Klarline/academe/internal/config"
	"github.com/Klarline/academe/internal/models"
)

// ChunkStore is the persistence contract for documents, chunks,
// propositions, triples, and feedback. DocSetVersion is a per-user
// monotonic counter bumped on every mutation to a user's document set,
// used to invalidate stale lexical indexes and cache entries.
type ChunkStore interface {
	PutDocument(ctx context.Context, doc models.Document) error
	GetDocument(ctx context.Context, id string) (models.Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus) error
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context, userID string) ([]models.Document, error)

	PutChunks(ctx context.Context, chunks []models.Chunk) error
	GetChunk(ctx context.Context, id string) (models.Chunk, error)
	GetAdjacent(ctx context.Context, chunkID string, window int) ([]models.Chunk, error)
	GetParent(ctx context.Context, chunkID string) (models.Chunk, error)
	ListChunksByUser(ctx context.Context, userID string) ([]models.Chunk, error)
	ListChunksByDocument(ctx context.Context, docID string) ([]models.Chunk, error)

	PutPropositions(ctx context.Context, props []models.Proposition) error
	PutTriples(ctx context.Context, triples []models.Triple) error
	TriplesFor(ctx context.Context, userID string, entities []string) ([]models.Triple, error)

	PutFeedback(ctx context.Context, fb models.Feedback) error

	DocSetVersion(ctx context.Context, userID string) (int64, error)
	BumpDocSetVersion(ctx context.Context, userID string) (int64, error)
}

// PostgresStore implements ChunkStore over a pgxpool.Pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

// NewPostgresStore connects using cfg, falling back to the same
// environment-variable defaults the rest of the core uses.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig, log *logrus.Logger) (*PostgresStore, error) {
	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, cfg.SSLMode)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		log.WithError(err).Warn("database ping failed on startup")
	}

	return &PostgresStore{pool: pool, log: log.WithField("component", "database")}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

// Migrate runs the fixed migration list against the pool. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	s.log.Info("migrations applied")
	return nil
}

var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,

	`CREATE TABLE IF NOT EXISTS documents (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		user_id VARCHAR(255) NOT NULL,
		title VARCHAR(500) NOT NULL,
		source_type VARCHAR(50) NOT NULL DEFAULT 'general',
		page_count INTEGER DEFAULT 0,
		status VARCHAR(50) NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS chunks (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		user_id VARCHAR(255) NOT NULL,
		ordinal INTEGER NOT NULL,
		text TEXT NOT NULL,
		page INTEGER DEFAULT 0,
		section_title VARCHAR(500) DEFAULT '',
		parent_id UUID REFERENCES chunks(id) ON DELETE SET NULL
	)`,

	`CREATE TABLE IF NOT EXISTS propositions (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		chunk_id UUID NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
		text TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS triples (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		user_id VARCHAR(255) NOT NULL,
		doc_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		chunk_id UUID NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
		subject VARCHAR(500) NOT NULL,
		predicate VARCHAR(500) NOT NULL,
		object VARCHAR(500) NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS feedback (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		user_id VARCHAR(255) NOT NULL,
		query_id VARCHAR(255) NOT NULL,
		thumbs VARCHAR(10) NOT NULL,
		comment TEXT DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS doc_set_versions (
		user_id VARCHAR(255) PRIMARY KEY,
		version BIGINT NOT NULL DEFAULT 0
	)`,

	`CREATE INDEX IF NOT EXISTS idx_documents_user_id ON documents(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks(document_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_user_id ON chunks(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_parent_id ON chunks(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_propositions_chunk_id ON propositions(chunk_id)`,
	`CREATE INDEX IF NOT EXISTS idx_triples_user_id ON triples(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_triples_subject ON triples(subject)`,
	`CREATE INDEX IF NOT EXISTS idx_triples_object ON triples(object)`,
	`CREATE INDEX IF NOT EXISTS idx_feedback_user_id ON feedback(user_id)`,
}

func (s *PostgresStore) PutDocument(ctx context.Context, doc models.Document) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, user_id, title, source_type, page_count, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET title = $3, source_type = $4, page_count = $5, status = $6`,
		doc.ID, doc.UserID, doc.Title, doc.SourceType, doc.PageCount, doc.Status, doc.CreatedAt)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, fmt.Errorf("put document: %w", err))
	}
	if _, err := s.BumpDocSetVersion(ctx, doc.UserID); err != nil {
		s.log.WithError(err).Warn("doc set version bump failed")
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (models.Document, error) {
	var d models.Document
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, source_type, page_count, status, created_at
		FROM documents WHERE id = $1`, id).
		Scan(&d.ID, &d.UserID, &d.Title, &d.SourceType, &d.PageCount, &d.Status, &d.CreatedAt)
	if err == pgx.ErrNoRows {
		return models.Document{}, apperr.New(apperr.NotFound, "document not found", err)
	}
	if err != nil {
		return models.Document{}, apperr.Wrap(apperr.DependencyUnavailable, err)
	}
	return d, nil
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE documents SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	var userID string
	if err := s.pool.QueryRow(ctx, `SELECT user_id FROM documents WHERE id = $1`, id).Scan(&userID); err != nil {
		if err == pgx.ErrNoRows {
			return apperr.New(apperr.NotFound, "document not found", err)
		}
		return apperr.Wrap(apperr.DependencyUnavailable, err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err)
	}
	if _, err := s.BumpDocSetVersion(ctx, userID); err != nil {
		s.log.WithError(err).Warn("doc set version bump failed")
	}
	return nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, userID string) ([]models.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, title, source_type, page_count, status, created_at
		FROM documents WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.UserID, &d.Title, &d.SourceType, &d.PageCount, &d.Status, &d.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *PostgresStore) PutChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range chunks {
		var parentID any
		if c.ParentID != "" {
			parentID = c.ParentID
		}
		batch.Queue(`
			INSERT INTO chunks (id, document_id, user_id, ordinal, text, page, section_title, parent_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET text = $5`,
			c.ID, c.DocumentID, c.UserID, c.Ordinal, c.Text, c.Page, c.SectionTitle, parentID)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range chunks {
		if _, err := br.Exec(); err != nil {
			return apperr.Wrap(apperr.DependencyUnavailable, fmt.Errorf("put chunks: %w", err))
		}
	}
	return nil
}

func (s *PostgresStore) GetChunk(ctx context.Context, id string) (models.Chunk, error) {
	var c models.Chunk
	var parentID *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, document_id, user_id, ordinal, text, page, section_title, parent_id
		FROM chunks WHERE id = $1`, id).
		Scan(&c.ID, &c.DocumentID, &c.UserID, &c.Ordinal, &c.Text, &c.Page, &c.SectionTitle, &parentID)
	if err == pgx.ErrNoRows {
		return models.Chunk{}, apperr.New(apperr.NotFound, "chunk not found", err)
	}
	if err != nil {
		return models.Chunk{}, apperr.Wrap(apperr.DependencyUnavailable, err)
	}
	if parentID != nil {
		c.ParentID = *parentID
	}
	return c, nil
}

// GetAdjacent returns up to window chunks on each side of chunkID within the
// same document, ordered by ordinal, for sliding-window context expansion.
func (s *PostgresStore) GetAdjacent(ctx context.Context, chunkID string, window int) ([]models.Chunk, error) {
	center, err := s.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, user_id, ordinal, text, page, section_title, parent_id
		FROM chunks
		WHERE document_id = $1 AND ordinal BETWEEN $2 AND $3
		ORDER BY ordinal ASC`,
		center.DocumentID, center.Ordinal-window, center.Ordinal+window)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err)
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var c models.Chunk
		var parentID *string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.UserID, &c.Ordinal, &c.Text, &c.Page, &c.SectionTitle, &parentID); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err)
		}
		if parentID != nil {
			c.ParentID = *parentID
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *PostgresStore) GetParent(ctx context.Context, chunkID string) (models.Chunk, error) {
	c, err := s.GetChunk(ctx, chunkID)
	if err != nil {
		return models.Chunk{}, err
	}
	if c.ParentID == "" {
		return models.Chunk{}, apperr.New(apperr.NotFound, "chunk has no parent", nil)
	}
	return s.GetChunk(ctx, c.ParentID)
}

func (s *PostgresStore) ListChunksByUser(ctx context.Context, userID string) ([]models.Chunk, error) {
	return s.queryChunks(ctx, `
		SELECT id, document_id, user_id, ordinal, text, page, section_title, parent_id
		FROM chunks WHERE user_id = $1 AND parent_id IS NULL ORDER BY document_id, ordinal`, userID)
}

func (s *PostgresStore) ListChunksByDocument(ctx context.Context, docID string) ([]models.Chunk, error) {
	return s.queryChunks(ctx, `
		SELECT id, document_id, user_id, ordinal, text, page, section_title, parent_id
		FROM chunks WHERE document_id = $1 ORDER BY ordinal`, docID)
}

func (s *PostgresStore) queryChunks(ctx context.Context, query string, args ...any) ([]models.Chunk, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err)
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var c models.Chunk
		var parentID *string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.UserID, &c.Ordinal, &c.Text, &c.Page, &c.SectionTitle, &parentID); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err)
		}
		if parentID != nil {
			c.ParentID = *parentID
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *PostgresStore) PutPropositions(ctx context.Context, props []models.Proposition) error {
	if len(props) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range props {
		batch.Queue(`INSERT INTO propositions (id, chunk_id, text) VALUES ($1, $2, $3)`, p.ID, p.ChunkID, p.Text)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range props {
		if _, err := br.Exec(); err != nil {
			return apperr.Wrap(apperr.DependencyUnavailable, err)
		}
	}
	return nil
}

func (s *PostgresStore) PutTriples(ctx context.Context, triples []models.Triple) error {
	if len(triples) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range triples {
		batch.Queue(`
			INSERT INTO triples (id, user_id, doc_id, chunk_id, subject, predicate, object)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			t.ID, t.UserID, t.DocID, t.ChunkID, t.Subject, t.Predicate, t.Object)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range triples {
		if _, err := br.Exec(); err != nil {
			return apperr.Wrap(apperr.DependencyUnavailable, err)
		}
	}
	return nil
}

// TriplesFor returns triples whose subject or object matches one of entities
// (case-insensitive), the seed set for KG BFS augmentation.
func (s *PostgresStore) TriplesFor(ctx context.Context, userID string, entities []string) ([]models.Triple, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(entities))
	for i, e := range entities {
		lowered[i] = strings.ToLower(e)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, doc_id, chunk_id, subject, predicate, object
		FROM triples
		WHERE user_id = $1 AND (lower(subject) = ANY($2) OR lower(object) = ANY($2))`,
		userID, lowered)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err)
	}
	defer rows.Close()

	var out []models.Triple
	for rows.Next() {
		var t models.Triple
		if err := rows.Scan(&t.ID, &t.UserID, &t.DocID, &t.ChunkID, &t.Subject, &t.Predicate, &t.Object); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *PostgresStore) PutFeedback(ctx context.Context, fb models.Feedback) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feedback (id, user_id, query_id, thumbs, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		fb.ID, fb.UserID, fb.QueryID, fb.Thumbs, fb.Comment, fb.CreatedAt)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) DocSetVersion(ctx context.Context, userID string) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `SELECT version FROM doc_set_versions WHERE user_id = $1`, userID).Scan(&v)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.DependencyUnavailable, err)
	}
	return v, nil
}

func (s *PostgresStore) BumpDocSetVersion(ctx context.Context, userID string) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO doc_set_versions (user_id, version) VALUES ($1, 1)
		ON CONFLICT (user_id) DO UPDATE SET version = doc_set_versions.version + 1
		RETURNING version`, userID).Scan(&v)
	if err != nil {
		return 0, apperr.Wrap(apperr.DependencyUnavailable, err)
	}
	return v, nil
}
