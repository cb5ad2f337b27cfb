package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klarline/academe/internal/apperr"
	"github.com/Klarline/academe/internal/models"
)

func TestMemoryStore_PutAndGetDocument(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	doc := models.Document{
		ID:         "doc-1",
		UserID:     "user-1",
		Title:      "Intro to Algorithms",
		SourceType: models.SourceTextbook,
		Status:     models.StatusPending,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, store.PutDocument(ctx, doc))

	got, err := store.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, doc.Title, got.Title)

	v, err := store.DocSetVersion(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestMemoryStore_GetDocument_NotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.GetDocument(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestMemoryStore_DeleteDocument_CascadesChunks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.PutDocument(ctx, models.Document{ID: "doc-1", UserID: "u1"}))
	require.NoError(t, store.PutChunks(ctx, []models.Chunk{
		{ID: "c1", DocumentID: "doc-1", UserID: "u1", Ordinal: 0, Text: "a"},
		{ID: "c2", DocumentID: "doc-1", UserID: "u1", Ordinal: 1, Text: "b"},
	}))

	require.NoError(t, store.DeleteDocument(ctx, "doc-1"))

	_, err := store.GetChunk(ctx, "c1")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	chunks, err := store.ListChunksByDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestMemoryStore_GetAdjacent_RespectsWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.PutDocument(ctx, models.Document{ID: "doc-1", UserID: "u1"}))

	var chunks []models.Chunk
	for i := 0; i < 10; i++ {
		chunks = append(chunks, models.Chunk{
			ID: idFor(i), DocumentID: "doc-1", UserID: "u1", Ordinal: i, Text: "chunk",
		})
	}
	require.NoError(t, store.PutChunks(ctx, chunks))

	adjacent, err := store.GetAdjacent(ctx, idFor(5), 2)
	require.NoError(t, err)
	assert.Len(t, adjacent, 5) // ordinals 3,4,5,6,7
	assert.Equal(t, 3, adjacent[0].Ordinal)
	assert.Equal(t, 7, adjacent[len(adjacent)-1].Ordinal)
}

func TestMemoryStore_TriplesFor_MatchesSubjectOrObject(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.PutTriples(ctx, []models.Triple{
		{ID: "t1", UserID: "u1", Subject: "newton", Predicate: "discovered", Object: "gravity"},
		{ID: "t2", UserID: "u1", Subject: "einstein", Predicate: "discovered", Object: "relativity"},
	}))

	triples, err := store.TriplesFor(ctx, "u1", []string{"gravity"})
	require.NoError(t, err)
	require.Len(t, triples, 1)
	assert.Equal(t, "newton", triples[0].Subject)
}

func TestMemoryStore_BumpDocSetVersion_IsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	v1, err := store.BumpDocSetVersion(ctx, "u1")
	require.NoError(t, err)
	v2, err := store.BumpDocSetVersion(ctx, "u1")
	require.NoError(t, err)

	assert.Greater(t, v2, v1)
}

func idFor(i int) string {
	return "chunk-" + string(rune('a'+i))
}
