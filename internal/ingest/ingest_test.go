package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klarline/academe/internal/config"
	"github.com/Klarline/academe/internal/database"
	"github.com/Klarline/academe/internal/llm"
	"github.com/Klarline/academe/internal/models"
	"github.com/Klarline/academe/internal/vectordb"
)

type failingEmbedder struct {
	failAfter int
	calls     int
}

func (f *failingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls <= f.failAfter {
		return nil, assert.AnError
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *failingEmbedder) Dimension() int { return 3 }

func testCfg() config.IngestConfig {
	return config.IngestConfig{EmbedMaxRetries: 2, EmbedBaseBackoff: 0, EmbedMaxBackoff: 0, EmbedBatchByteCap: 1 << 20}
}

func TestIngestor_IngestPersistsChunksAndVectors(t *testing.T) {
	store := database.NewMemoryStore()
	vecIdx := vectordb.NewMemoryIndex()
	embedder := &llm.FakeEmbedder{Dim: 3}
	client := &llm.FakeClient{}

	ig := NewIngestor(store, vecIdx, client, embedder, nil, testCfg(), nil)
	doc := NewDocument("user-1", "Intro to Testing")

	text := "Paragraph one about testing.\n\nParagraph two about more testing concepts.\n\nParagraph three wraps up."
	result, err := ig.Ingest(context.Background(), doc, text)
	require.NoError(t, err)
	assert.Greater(t, result.ChunksWritten, 0)

	got, err := store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, got.Status)

	chunks, err := store.ListChunksByDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)

	version, err := store.DocSetVersion(context.Background(), "user-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, version, int64(1))
}

func TestIngestor_RollsBackOnEmbeddingFailure(t *testing.T) {
	store := database.NewMemoryStore()
	vecIdx := vectordb.NewMemoryIndex()
	embedder := &failingEmbedder{failAfter: 99}
	client := &llm.FakeClient{}

	ig := NewIngestor(store, vecIdx, client, embedder, nil, testCfg(), nil)
	doc := NewDocument("user-2", "Doomed Document")

	_, err := ig.Ingest(context.Background(), doc, "Some paragraph text that will fail to embed.")
	require.Error(t, err)

	got, err := store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)

	chunks, err := store.ListChunksByDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks, "chunks from a failed ingestion must be rolled back")
}

func TestIngestor_RejectsEmptyDocument(t *testing.T) {
	store := database.NewMemoryStore()
	vecIdx := vectordb.NewMemoryIndex()
	embedder := &llm.FakeEmbedder{Dim: 3}
	client := &llm.FakeClient{}

	ig := NewIngestor(store, vecIdx, client, embedder, nil, testCfg(), nil)
	doc := NewDocument("user-3", "Empty")

	_, err := ig.Ingest(context.Background(), doc, "")
	require.Error(t, err)

	got, err := store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestIngestor_ClassifiesSourceTypeWhenUnset(t *testing.T) {
	store := database.NewMemoryStore()
	vecIdx := vectordb.NewMemoryIndex()
	embedder := &llm.FakeEmbedder{Dim: 3}
	client := &llm.FakeClient{}

	ig := NewIngestor(store, vecIdx, client, embedder, nil, testCfg(), nil)
	doc := NewDocument("user-4", "Code Listing")

	codeText := "```go\nfunc main() {\n\tprintln(\"hi\")\n}\n```\n\n```go\nfunc other() {}\n```\n" +
		"func helper() {}\nfunc another() {}\n" + stringsRepeat("// line\n", 25)

	_, err := ig.Ingest(context.Background(), doc, codeText)
	require.NoError(t, err)

	got, err := store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SourceCode, got.SourceType)
}

func stringsRepeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
