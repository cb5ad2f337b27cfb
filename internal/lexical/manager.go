package lexical

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// ChunkSource supplies the chunks and doc-set version a user's BM25 index
// should be built from. internal/database.ChunkStore does not satisfy it
// directly; internal/rag's LexicalAdapter adapts a ChunkStore to it.
type ChunkSource interface {
	ListChunksByUser(ctx context.Context, userID string) ([]ChunkRecord, error)
	DocSetVersion(ctx context.Context, userID string) (int64, error)
}

// ChunkRecord is the minimal chunk shape the manager needs from a store.
type ChunkRecord struct {
	ID   string
	Text string
}

// Manager owns one BM25 index per user, evicting the least-recently-used
// index once the configured capacity is exceeded and lazily rebuilding an
// index whenever the backing store's doc_set_version has advanced — this
// is invariant I-worthy: a stale index must never be searched.
type Manager struct {
	cache *lru.Cache[string, *index]

	// buildMu serializes rebuilds per user so two concurrent retrievals for
	// the same user don't both pay the rebuild cost.
	buildMu sync.Map // userID -> *sync.Mutex

	log *logrus.Entry
}

func NewManager(capacity int, log *logrus.Logger) (*Manager, error) {
	if capacity <= 0 {
		capacity = 256
	}
	cache, err := lru.New[string, *index](capacity)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	return &Manager{cache: cache, log: log.WithField("component", "lexical")}, nil
}

// Search runs a BM25 query against userID's index, rebuilding it first if
// it is missing or stale relative to source's current doc_set_version.
func (m *Manager) Search(ctx context.Context, source ChunkSource, userID, query string, topK int) ([]Hit, error) {
	idx, err := m.ensureFresh(ctx, source, userID)
	if err != nil {
		return nil, err
	}
	return idx.search(query, topK), nil
}

func (m *Manager) ensureFresh(ctx context.Context, source ChunkSource, userID string) (*index, error) {
	currentVersion, err := source.DocSetVersion(ctx, userID)
	if err != nil {
		return nil, err
	}

	if idx, ok := m.cache.Get(userID); ok {
		idx.mu.RLock()
		fresh := idx.version == currentVersion
		idx.mu.RUnlock()
		if fresh {
			return idx, nil
		}
	}

	lockAny, _ := m.buildMu.LoadOrStore(userID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	// Re-check after acquiring the build lock: another goroutine may have
	// just finished rebuilding while we were waiting.
	if idx, ok := m.cache.Get(userID); ok {
		idx.mu.RLock()
		fresh := idx.version == currentVersion
		idx.mu.RUnlock()
		if fresh {
			return idx, nil
		}
	}

	records, err := source.ListChunksByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	chunks := make([]Chunk, len(records))
	for i, r := range records {
		chunks[i] = Chunk{ID: r.ID, Text: r.Text}
	}

	idx := newIndex()
	idx.rebuild(chunks, currentVersion)
	m.cache.Add(userID, idx)
	m.log.WithFields(logrus.Fields{"user_id": userID, "chunks": len(chunks), "version": currentVersion}).
		Debug("lexical index rebuilt")
	return idx, nil
}

// Invalidate drops userID's cached index so the next Search rebuilds it.
func (m *Manager) Invalidate(userID string) {
	m.cache.Remove(userID)
}
