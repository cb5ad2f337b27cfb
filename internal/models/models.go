// Package models holds the data model shared by the ingestion and retrieval
// core: documents, chunks, propositions, knowledge-graph triples, feedback,
// sources, and cache entries.
package models

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// SourceType classifies a Document for chunking-profile selection.
type SourceType string

const (
	SourceTextbook SourceType = "textbook"
	SourcePaper    SourceType = "paper"
	SourceNotes    SourceType = "notes"
	SourceCode     SourceType = "code"
	SourceGeneral  SourceType = "general"
)

// DocumentStatus tracks the Ingestor state machine (pending -> processing ->
// {ready, failed}).
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
)

// Document is owned by a user; deletion cascades to chunks, propositions,
// triples, and cache entries referencing it.
type Document struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Title     string         `json:"title"`
	SourceType SourceType    `json:"source_type"`
	PageCount int            `json:"page_count"`
	Status    DocumentStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// Chunk is the unit of retrieval. Ordinal is dense per document (0..n-1).
// ParentID is set when the chunk is a retrieval child of a larger parent.
type Chunk struct {
	ID            string `json:"id"`
	DocumentID    string `json:"document_id"`
	UserID        string `json:"user_id"`
	Ordinal       int    `json:"ordinal"`
	Text          string `json:"text"`
	Page          int    `json:"page"`
	SectionTitle  string `json:"section_title"`
	ParentID      string `json:"parent_id,omitempty"`
}

// Proposition is an atomic, pronoun-resolved factual statement derived from
// a chunk.
type Proposition struct {
	ID      string `json:"id"`
	ChunkID string `json:"chunk_id"`
	Text    string `json:"text"`
}

// Triple is an extracted (subject, predicate, object) fact, normalised to
// lowercase at extraction time.
type Triple struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	DocID     string `json:"doc_id"`
	ChunkID   string `json:"chunk_id"`
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

// Feedback records a thumbs up/down signal on a past answer.
type Feedback struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	QueryID   string    `json:"query_id"`
	Thumbs    string    `json:"thumbs"` // "up" or "down"
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Source is a citation tuple attached to an answer.
type Source struct {
	DocTitle string `json:"doc_title"`
	Page     int    `json:"page,omitempty"`
	ChunkID  string `json:"chunk_id"`
}

// EnrichText prepends the document/section context to text before it is
// handed to an embedder, the same enrichment applied to both chunk text at
// ingestion and query text at retrieval (with title/section left empty).
func EnrichText(title, sectionTitle, text string) string {
	return fmt.Sprintf("Document: %s | Section: %s\n\n%s", title, sectionTitle, text)
}

// MaxQueryBytes is the size a query is truncated to before it is embedded.
const MaxQueryBytes = 8 * 1024

// TruncateUTF8 cuts s to at most maxBytes bytes, backing up over any
// multi-byte rune that straddles the cut so the result is always valid
// UTF-8.
func TruncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	b := s[:maxBytes]
	for len(b) > 0 {
		r, size := utf8.DecodeLastRuneInString(b)
		if r != utf8.RuneError || size != 1 {
			break
		}
		b = b[:len(b)-1]
	}
	return b
}

// ResponseCacheEntry is a semantic cache entry keyed by query embedding.
type ResponseCacheEntry struct {
	QueryEmbedding []float32 `json:"query_embedding"`
	QueryText      string    `json:"query_text"`
	AnswerText     string    `json:"answer_text"`
	Sources        []Source  `json:"sources"`
	CreatedAt      time.Time `json:"created_at"`
	UserID         string    `json:"user_id"`
	DocSetVersion  int64     `json:"doc_set_version"`
}
