package lexical

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a hand-written ChunkSource test double, in the teacher's
// mock-struct-implementing-the-interface-directly style.
type fakeSource struct {
	mu      sync.Mutex
	chunks  map[string][]ChunkRecord
	version map[string]int64
	listCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{chunks: make(map[string][]ChunkRecord), version: make(map[string]int64)}
}

func (f *fakeSource) ListChunksByUser(ctx context.Context, userID string) ([]ChunkRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.chunks[userID], nil
}

func (f *fakeSource) DocSetVersion(ctx context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version[userID], nil
}

func (f *fakeSource) setChunks(userID string, version int64, records []ChunkRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks[userID] = records
	f.version[userID] = version
}

func TestManager_SearchRanksRelevantChunkFirst(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	source.setChunks("u1", 1, []ChunkRecord{
		{ID: "c1", Text: "gradient descent minimizes a convex loss function"},
		{ID: "c2", Text: "the mitochondria is the powerhouse of the cell"},
	})

	mgr, err := NewManager(8, nil)
	require.NoError(t, err)

	hits, err := mgr.Search(ctx, source, "u1", "gradient descent loss", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "c1", hits[0].ChunkID)
}

func TestManager_RebuildsOnVersionChange(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	source.setChunks("u1", 1, []ChunkRecord{{ID: "c1", Text: "photosynthesis converts light to energy"}})

	mgr, err := NewManager(8, nil)
	require.NoError(t, err)

	_, err = mgr.Search(ctx, source, "u1", "photosynthesis", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, source.listCalls)

	// Second search at same version should not trigger a rebuild.
	_, err = mgr.Search(ctx, source, "u1", "photosynthesis", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, source.listCalls)

	// Bump the version: the index is now stale and must rebuild.
	source.setChunks("u1", 2, []ChunkRecord{
		{ID: "c1", Text: "photosynthesis converts light to energy"},
		{ID: "c2", Text: "cellular respiration releases stored energy"},
	})
	hits, err := mgr.Search(ctx, source, "u1", "cellular respiration", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, source.listCalls)
	require.NotEmpty(t, hits)
	assert.Equal(t, "c2", hits[0].ChunkID)
}

func TestManager_IsolatesPerUserIndexes(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	source.setChunks("u1", 1, []ChunkRecord{{ID: "c1", Text: "quantum entanglement"}})
	source.setChunks("u2", 1, []ChunkRecord{{ID: "c2", Text: "supply and demand curves"}})

	mgr, err := NewManager(8, nil)
	require.NoError(t, err)

	hitsU1, err := mgr.Search(ctx, source, "u1", "entanglement", 5)
	require.NoError(t, err)
	require.Len(t, hitsU1, 1)
	assert.Equal(t, "c1", hitsU1[0].ChunkID)

	hitsU2, err := mgr.Search(ctx, source, "u2", "entanglement", 5)
	require.NoError(t, err)
	assert.Empty(t, hitsU2)
}
