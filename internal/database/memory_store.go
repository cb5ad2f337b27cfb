package database

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Klarline/academe/internal/apperr"
	"github.com/Klarline/academe/internal/models"
)

// MemoryStore is an in-process ChunkStore used by tests that exercise the
// retrieval and orchestration packages without a live Postgres instance.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]models.Document
	chunks   map[string]models.Chunk
	props    map[string]models.Proposition
	triples  map[string]models.Triple
	feedback []models.Feedback
	versions map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]models.Document),
		chunks:   make(map[string]models.Chunk),
		props:    make(map[string]models.Proposition),
		triples:  make(map[string]models.Triple),
		versions: make(map[string]int64),
	}
}

func (m *MemoryStore) PutDocument(ctx context.Context, doc models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	m.versions[doc.UserID]++
	return nil
}

func (m *MemoryStore) GetDocument(ctx context.Context, id string) (models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok {
		return models.Document{}, apperr.New(apperr.NotFound, "document not found", nil)
	}
	return d, nil
}

func (m *MemoryStore) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return apperr.New(apperr.NotFound, "document not found", nil)
	}
	d.Status = status
	m.docs[id] = d
	return nil
}

func (m *MemoryStore) DeleteDocument(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return apperr.New(apperr.NotFound, "document not found", nil)
	}
	delete(m.docs, id)
	for cid, c := range m.chunks {
		if c.DocumentID == id {
			delete(m.chunks, cid)
		}
	}
	for pid, p := range m.props {
		if _, ok := m.chunks[p.ChunkID]; !ok {
			delete(m.props, pid)
		}
	}
	for tid, t := range m.triples {
		if t.DocID == id {
			delete(m.triples, tid)
		}
	}
	m.versions[d.UserID]++
	return nil
}

func (m *MemoryStore) ListDocuments(ctx context.Context, userID string) ([]models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Document
	for _, d := range m.docs {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) PutChunks(ctx context.Context, chunks []models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	return nil
}

func (m *MemoryStore) GetChunk(ctx context.Context, id string) (models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chunks[id]
	if !ok {
		return models.Chunk{}, apperr.New(apperr.NotFound, "chunk not found", nil)
	}
	return c, nil
}

func (m *MemoryStore) GetAdjacent(ctx context.Context, chunkID string, window int) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	center, ok := m.chunks[chunkID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "chunk not found", nil)
	}
	var out []models.Chunk
	for _, c := range m.chunks {
		if c.DocumentID == center.DocumentID && c.Ordinal >= center.Ordinal-window && c.Ordinal <= center.Ordinal+window {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (m *MemoryStore) GetParent(ctx context.Context, chunkID string) (models.Chunk, error) {
	m.mu.RLock()
	c, ok := m.chunks[chunkID]
	m.mu.RUnlock()
	if !ok {
		return models.Chunk{}, apperr.New(apperr.NotFound, "chunk not found", nil)
	}
	if c.ParentID == "" {
		return models.Chunk{}, apperr.New(apperr.NotFound, "chunk has no parent", nil)
	}
	return m.GetChunk(ctx, c.ParentID)
}

func (m *MemoryStore) ListChunksByUser(ctx context.Context, userID string) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Chunk
	for _, c := range m.chunks {
		if c.UserID == userID && c.ParentID == "" {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].Ordinal < out[j].Ordinal
	})
	return out, nil
}

func (m *MemoryStore) ListChunksByDocument(ctx context.Context, docID string) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Chunk
	for _, c := range m.chunks {
		if c.DocumentID == docID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (m *MemoryStore) PutPropositions(ctx context.Context, props []models.Proposition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range props {
		m.props[p.ID] = p
	}
	return nil
}

func (m *MemoryStore) PutTriples(ctx context.Context, triples []models.Triple) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range triples {
		m.triples[t.ID] = t
	}
	return nil
}

func (m *MemoryStore) TriplesFor(ctx context.Context, userID string, entities []string) ([]models.Triple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		set[strings.ToLower(e)] = struct{}{}
	}
	var out []models.Triple
	for _, t := range m.triples {
		if t.UserID != userID {
			continue
		}
		if _, ok := set[strings.ToLower(t.Subject)]; ok {
			out = append(out, t)
			continue
		}
		if _, ok := set[strings.ToLower(t.Object)]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) PutFeedback(ctx context.Context, fb models.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback = append(m.feedback, fb)
	return nil
}

func (m *MemoryStore) DocSetVersion(ctx context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[userID], nil
}

func (m *MemoryStore) BumpDocSetVersion(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[userID]++
	return m.versions[userID], nil
}
