package rag

import (
	"context"

	"github.com/Klarline/academe/internal/database"
	"github.com/Klarline/academe/internal/lexical"
	"github.com/Klarline/academe/internal/models"
	"github.com/Klarline/academe/internal/vectordb"
)

// LexicalAdapter bridges internal/lexical.Manager to the Retriever's
// LexicalSearcher interface and internal/lexical.ChunkSource to a
// ChunkStore, so the two packages stay decoupled from each other.
type LexicalAdapter struct {
	Manager *lexical.Manager
	Store   database.ChunkStore
}

func (a *LexicalAdapter) Search(ctx context.Context, userID, query string, topK int) ([]LexicalHit, error) {
	hits, err := a.Manager.Search(ctx, chunkSourceAdapter{a.Store}, userID, query, topK)
	if err != nil {
		return nil, err
	}
	out := make([]LexicalHit, len(hits))
	for i, h := range hits {
		out[i] = LexicalHit{ChunkID: h.ChunkID, Score: h.Score}
	}
	return out, nil
}

type chunkSourceAdapter struct {
	store database.ChunkStore
}

func (a chunkSourceAdapter) ListChunksByUser(ctx context.Context, userID string) ([]lexical.ChunkRecord, error) {
	chunks, err := a.store.ListChunksByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]lexical.ChunkRecord, len(chunks))
	for i, c := range chunks {
		out[i] = lexical.ChunkRecord{ID: c.ID, Text: c.Text}
	}
	return out, nil
}

func (a chunkSourceAdapter) DocSetVersion(ctx context.Context, userID string) (int64, error) {
	return a.store.DocSetVersion(ctx, userID)
}

// VectorAdapter bridges internal/vectordb.VectorIndex to the Retriever's
// VectorSearcher interface.
type VectorAdapter struct {
	Index vectordb.VectorIndex
}

func (a *VectorAdapter) Search(ctx context.Context, userID string, vector []float32, topK int) ([]VectorHit, error) {
	matches, err := a.Index.Search(ctx, userID, vector, topK)
	if err != nil {
		return nil, err
	}
	out := make([]VectorHit, len(matches))
	for i, m := range matches {
		out[i] = VectorHit{ChunkID: m.ChunkID, Score: m.Score}
	}
	return out, nil
}

// StoreLookup bridges database.ChunkStore to the Retriever's ChunkLookup.
type StoreLookup struct {
	Store database.ChunkStore
}

func (s *StoreLookup) GetChunk(ctx context.Context, id string) (models.Chunk, error) {
	return s.Store.GetChunk(ctx, id)
}

func (s *StoreLookup) GetParent(ctx context.Context, id string) (models.Chunk, error) {
	return s.Store.GetParent(ctx, id)
}

func (s *StoreLookup) GetAdjacent(ctx context.Context, id string, window int) ([]models.Chunk, error) {
	return s.Store.GetAdjacent(ctx, id, window)
}

func (s *StoreLookup) GetDocument(ctx context.Context, id string) (models.Document, error) {
	return s.Store.GetDocument(ctx, id)
}
