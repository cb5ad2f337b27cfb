package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klarline/academe/internal/apperr"
	"github.com/Klarline/academe/internal/llm"
	"github.com/Klarline/academe/internal/models"
)

// Hand-written mocks directly implementing the Retriever's interfaces,
// mirroring the teacher's MockDenseRetriever/MockSparseRetriever pattern.

type mockLexicalSearcher struct {
	hits []LexicalHit
	err  error
}

func (m *mockLexicalSearcher) Search(ctx context.Context, userID, query string, topK int) ([]LexicalHit, error) {
	return m.hits, m.err
}

type mockVectorSearcher struct {
	hits []VectorHit
	err  error
}

func (m *mockVectorSearcher) Search(ctx context.Context, userID string, vector []float32, topK int) ([]VectorHit, error) {
	return m.hits, m.err
}

type mockChunkLookup struct {
	chunks map[string]models.Chunk
	docs   map[string]models.Document
}

func (m *mockChunkLookup) GetChunk(ctx context.Context, id string) (models.Chunk, error) {
	c, ok := m.chunks[id]
	if !ok {
		return models.Chunk{}, apperr.New(apperr.NotFound, "not found", nil)
	}
	return c, nil
}

func (m *mockChunkLookup) GetParent(ctx context.Context, id string) (models.Chunk, error) {
	c, ok := m.chunks[id]
	if !ok || c.ParentID == "" {
		return models.Chunk{}, apperr.New(apperr.NotFound, "no parent", nil)
	}
	return m.GetChunk(ctx, c.ParentID)
}

func (m *mockChunkLookup) GetAdjacent(ctx context.Context, id string, window int) ([]models.Chunk, error) {
	c, ok := m.chunks[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "not found", nil)
	}
	var out []models.Chunk
	for _, other := range m.chunks {
		if other.DocumentID == c.DocumentID && abs(other.Ordinal-c.Ordinal) <= window {
			out = append(out, other)
		}
	}
	return out, nil
}

func (m *mockChunkLookup) GetDocument(ctx context.Context, id string) (models.Document, error) {
	d, ok := m.docs[id]
	if !ok {
		return models.Document{}, apperr.New(apperr.NotFound, "not found", nil)
	}
	return d, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func TestClassifyQuery(t *testing.T) {
	assert.Equal(t, QueryDefinition, ClassifyQuery("What is entropy?"))
	assert.Equal(t, QueryComparison, ClassifyQuery("difference between TCP and UDP"))
	assert.Equal(t, QueryCode, ClassifyQuery("implement quicksort algorithm"))
	assert.Equal(t, QueryProcedural, ClassifyQuery("how to normalize a database schema"))
	assert.Equal(t, QueryGeneral, ClassifyQuery("tell me about the French Revolution"))
}

func TestRetriever_FusesLexicalAndVectorResults(t *testing.T) {
	ctx := context.Background()
	lex := &mockLexicalSearcher{hits: []LexicalHit{{ChunkID: "c1", Score: 5.0}, {ChunkID: "c2", Score: 1.0}}}
	vec := &mockVectorSearcher{hits: []VectorHit{{ChunkID: "c2", Score: 0.9}, {ChunkID: "c1", Score: 0.2}}}
	lookup := &mockChunkLookup{
		chunks: map[string]models.Chunk{
			"c1": {ID: "c1", DocumentID: "d1", Ordinal: 0, Text: "definition of entropy"},
			"c2": {ID: "c2", DocumentID: "d1", Ordinal: 1, Text: "entropy measures disorder"},
		},
		docs: map[string]models.Document{"d1": {ID: "d1", Title: "Thermodynamics"}},
	}

	r := NewRetriever(lex, vec, llm.NewFakeEmbedder(8), llm.NewFakeReranker(), lookup, DefaultConfig(), nil)
	candidates, strategy, err := r.Retrieve(ctx, "u1", "what is entropy")
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.Equal(t, StrategyHybrid, strategy)
}

func TestRetriever_RetrievePopulatesExpandedTextFromParent(t *testing.T) {
	ctx := context.Background()
	lex := &mockLexicalSearcher{hits: []LexicalHit{{ChunkID: "child", Score: 1.0}}}
	vec := &mockVectorSearcher{hits: nil}
	lookup := &mockChunkLookup{
		chunks: map[string]models.Chunk{
			"parent": {ID: "parent", DocumentID: "d1", Ordinal: 0, Text: "full parent context"},
			"child":  {ID: "child", DocumentID: "d1", Ordinal: 1, ParentID: "parent", Text: "child slice", SectionTitle: "Intro"},
		},
		docs: map[string]models.Document{"d1": {ID: "d1", Title: "Doc"}},
	}

	r := NewRetriever(lex, vec, llm.NewFakeEmbedder(8), llm.NewFakeReranker(), lookup, DefaultConfig(), nil)
	candidates, _, err := r.Retrieve(ctx, "u1", "anything")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "full parent context", candidates[0].ExpandedText, "Expand must be wired into Retrieve, not just unit-tested standalone")
	assert.Equal(t, "Intro", candidates[0].Section)
}

func TestRetriever_DegradesWhenLexicalFails(t *testing.T) {
	ctx := context.Background()
	lex := &mockLexicalSearcher{err: apperr.New(apperr.DependencyUnavailable, "lexical down", nil)}
	vec := &mockVectorSearcher{hits: []VectorHit{{ChunkID: "c1", Score: 0.8}}}
	lookup := &mockChunkLookup{
		chunks: map[string]models.Chunk{"c1": {ID: "c1", DocumentID: "d1", Text: "fallback chunk"}},
		docs:   map[string]models.Document{"d1": {ID: "d1", Title: "Doc"}},
	}

	r := NewRetriever(lex, vec, llm.NewFakeEmbedder(8), llm.NewFakeReranker(), lookup, DefaultConfig(), nil)
	candidates, strategy, err := r.Retrieve(ctx, "u1", "anything")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "c1", candidates[0].Chunk.ID)
	assert.Equal(t, StrategyVectorOnly, strategy)
}

func TestRetriever_PropagatesRetrievalUnavailableWhenBothSidesFail(t *testing.T) {
	ctx := context.Background()
	lex := &mockLexicalSearcher{err: apperr.New(apperr.DependencyUnavailable, "lexical down", nil)}
	vec := &mockVectorSearcher{err: apperr.New(apperr.DependencyUnavailable, "vector down", nil)}
	lookup := &mockChunkLookup{chunks: map[string]models.Chunk{}, docs: map[string]models.Document{}}

	r := NewRetriever(lex, vec, llm.NewFakeEmbedder(8), llm.NewFakeReranker(), lookup, DefaultConfig(), nil)
	_, _, err := r.Retrieve(ctx, "u1", "anything")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.RetrievalUnavailable))
}

func TestRetriever_DegradesWhenRerankerFails(t *testing.T) {
	ctx := context.Background()
	lex := &mockLexicalSearcher{hits: []LexicalHit{{ChunkID: "c1", Score: 1.0}}}
	vec := &mockVectorSearcher{hits: nil}
	lookup := &mockChunkLookup{
		chunks: map[string]models.Chunk{"c1": {ID: "c1", DocumentID: "d1", Text: "content"}},
		docs:   map[string]models.Document{"d1": {ID: "d1"}},
	}

	r := NewRetriever(lex, vec, llm.NewFakeEmbedder(8), failingReranker{}, lookup, DefaultConfig(), nil)
	candidates, _, err := r.Retrieve(ctx, "u1", "query")
	require.NoError(t, err)
	require.Len(t, candidates, 1, "fused order should survive a reranker failure")
}

type failingReranker struct{}

func (failingReranker) Rerank(ctx context.Context, query string, passages []string) ([]llm.RerankResult, error) {
	return nil, apperr.New(apperr.DependencyUnavailable, "reranker down", nil)
}

func TestRetriever_ExpandPrefersParentOverAdjacency(t *testing.T) {
	ctx := context.Background()
	lookup := &mockChunkLookup{
		chunks: map[string]models.Chunk{
			"parent": {ID: "parent", DocumentID: "d1", Ordinal: 0, Text: "parent text"},
			"child":  {ID: "child", DocumentID: "d1", Ordinal: 1, ParentID: "parent", Text: "child text"},
		},
		docs: map[string]models.Document{"d1": {ID: "d1"}},
	}
	r := NewRetriever(&mockLexicalSearcher{}, &mockVectorSearcher{}, llm.NewFakeEmbedder(8), llm.NewFakeReranker(), lookup, DefaultConfig(), nil)

	expanded, err := r.Expand(ctx, Candidate{Chunk: lookup.chunks["child"]})
	require.NoError(t, err)
	require.Len(t, expanded, 1)
	assert.Equal(t, "parent", expanded[0].ID)
}
