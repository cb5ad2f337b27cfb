// Package lexical implements per-user BM25 lexical retrieval (C4). Each
// user's index is built lazily from their current chunk set and rebuilt
// whenever the store's doc_set_version advances past what the index was
// built against.
package lexical

import (
	"math"
	"sort"
	"strings"
	"sync"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Hit is a single BM25 match.
type Hit struct {
	ChunkID string
	Score   float64
}

// index is one user's BM25 posting structure over their chunk text.
type index struct {
	mu         sync.RWMutex
	termFreqs  map[string]map[string]int // chunkID -> term -> freq
	docFreqs   map[string]int            // term -> number of chunks containing it
	docLengths map[string]int            // chunkID -> token count
	avgDocLen  float64
	totalDocs  int
	version    int64 // doc_set_version this index was built against
}

func newIndex() *index {
	return &index{
		termFreqs:  make(map[string]map[string]int),
		docFreqs:   make(map[string]int),
		docLengths: make(map[string]int),
	}
}

// Chunk is the minimal shape lexical indexing needs from a chunk.
type Chunk struct {
	ID   string
	Text string
}

// rebuild discards the current postings and re-indexes chunks from scratch.
func (idx *index) rebuild(chunks []Chunk, version int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.termFreqs = make(map[string]map[string]int, len(chunks))
	idx.docFreqs = make(map[string]int)
	idx.docLengths = make(map[string]int, len(chunks))
	idx.totalDocs = 0

	for _, c := range chunks {
		idx.addLocked(c.ID, c.Text)
	}
	idx.version = version
}

func (idx *index) addLocked(id, text string) {
	terms := tokenize(text)
	tf := make(map[string]int, len(terms))
	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		tf[t]++
		if !seen[t] {
			idx.docFreqs[t]++
			seen[t] = true
		}
	}
	idx.termFreqs[id] = tf
	idx.docLengths[id] = len(terms)
	idx.totalDocs++
	idx.recalcAvgDocLenLocked()
}

func (idx *index) recalcAvgDocLenLocked() {
	total := 0
	for _, l := range idx.docLengths {
		total += l
	}
	if idx.totalDocs > 0 {
		idx.avgDocLen = float64(total) / float64(idx.totalDocs)
	}
}

// search returns the topK highest-scoring chunks for query.
func (idx *index) search(query string, topK int) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	queryTerms := tokenize(query)
	scores := make(map[string]float64)

	for _, term := range queryTerms {
		df, ok := idx.docFreqs[term]
		if !ok {
			continue
		}
		idf := idx.idf(df)
		for chunkID, tf := range idx.termFreqs {
			freq, ok := tf[term]
			if !ok {
				continue
			}
			docLen := float64(idx.docLengths[chunkID])
			scores[chunkID] += idf * idx.tfScore(float64(freq), docLen)
		}
	}

	hits := make([]Hit, 0, len(scores))
	for chunkID, score := range scores {
		hits = append(hits, Hit{ChunkID: chunkID, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func (idx *index) idf(df int) float64 {
	n := float64(idx.totalDocs)
	x := (n-float64(df)+0.5)/(float64(df)+0.5) + 1
	if x <= 0 {
		return 0
	}
	return math.Log(x)
}

func (idx *index) tfScore(tf, docLen float64) float64 {
	if idx.avgDocLen == 0 {
		return 0
	}
	return (tf * (bm25K1 + 1)) / (tf + bm25K1*(1-bm25B+bm25B*(docLen/idx.avgDocLen)))
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	fields := strings.Fields(text)
	tokens := make([]string, 0, len(fields))
	for _, w := range fields {
		cleaned := strings.Trim(w, ".,!?;:\"'()[]{}#$%&*+-/<>=@\\^_`|~")
		if cleaned != "" {
			tokens = append(tokens, cleaned)
		}
	}
	return tokens
}
