// Package rag implements the Retriever (C6): hybrid lexical+vector search
// with adaptive fusion weights by query type, cross-encoder reranking with
// graceful degradation, and parent/sliding-window context expansion.
package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Klarline/academe/internal/apperr"
	"github.com/Klarline/academe/internal/llm"
	"github.com/Klarline/academe/internal/models"
)

// QueryType classifies a query for adaptive fusion weighting.
type QueryType string

const (
	QueryDefinition QueryType = "definition"
	QueryComparison QueryType = "comparison"
	QueryCode       QueryType = "code"
	QueryProcedural QueryType = "procedural"
	QueryGeneral    QueryType = "general"
)

// ClassifyQuery picks a QueryType from lexical cues in the query text.
// Grounded on the teacher's heuristic query-expansion dictionary approach
// in internal/rag/advanced.go: cheap keyword matching rather than a model
// call, since this only adjusts fusion weights and isn't safety-critical.
func ClassifyQuery(query string) QueryType {
	q := strings.ToLower(query)
	switch {
	case containsAny(q, "what is", "define", "definition of", "meaning of"):
		return QueryDefinition
	case containsAny(q, "difference between", "compare", "versus", " vs "):
		return QueryComparison
	case containsAny(q, "function", "algorithm", "implement", "code", "pseudocode", "complexity"):
		return QueryCode
	case containsAny(q, "how to", "steps to", "procedure", "process of"):
		return QueryProcedural
	default:
		return QueryGeneral
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// FusionWeights balances the lexical/vector blend for a query type. Alpha
// is the vector weight; lexical weight is 1-Alpha.
type FusionWeights struct {
	Alpha float64
}

// fusionTable holds the per-query-type default weights; code and
// definition queries favor exact lexical terms, comparisons and procedural
// prose lean vector, general queries lean vector too.
var fusionTable = map[QueryType]FusionWeights{
	QueryDefinition: {Alpha: 0.5},
	QueryComparison: {Alpha: 0.8},
	QueryCode:       {Alpha: 0.4},
	QueryProcedural: {Alpha: 0.6},
	QueryGeneral:    {Alpha: 0.7},
}

func WeightsFor(qt QueryType) FusionWeights {
	if w, ok := fusionTable[qt]; ok {
		return w
	}
	return fusionTable[QueryGeneral]
}

// Candidate is a single retrieved chunk with its fused relevance score.
// ExpandedText is populated by Retrieve via Expand: the parent chunk's text
// if the candidate has one, otherwise its sliding-window neighbors joined
// together. Generation should read ExpandedText, not Chunk.Text, so the
// model sees the surrounding context a lone child slice would lose.
type Candidate struct {
	Chunk        models.Chunk
	Score        float32
	MatchType    string // "lexical", "vector", "hybrid"
	DocTitle     string
	DocPage      int
	Section      string
	ExpandedText string
}

// LexicalSearcher is the narrow surface the Retriever needs from
// internal/lexical.Manager.
type LexicalSearcher interface {
	Search(ctx context.Context, userID, query string, topK int) ([]LexicalHit, error)
}

// LexicalHit mirrors internal/lexical.Hit without importing that package
// directly, keeping the Retriever decoupled from the lexical index's
// internal rebuild machinery.
type LexicalHit struct {
	ChunkID string
	Score   float64
}

// VectorSearcher is the narrow surface the Retriever needs from
// internal/vectordb.VectorIndex plus an embedder to vectorize the query.
type VectorSearcher interface {
	Search(ctx context.Context, userID string, vector []float32, topK int) ([]VectorHit, error)
}

type VectorHit struct {
	ChunkID string
	Score   float32
}

// ChunkLookup resolves chunk IDs to full chunk records, and supports the
// parent/sliding-window expansion policies.
type ChunkLookup interface {
	GetChunk(ctx context.Context, id string) (models.Chunk, error)
	GetParent(ctx context.Context, id string) (models.Chunk, error)
	GetAdjacent(ctx context.Context, id string, window int) ([]models.Chunk, error)
	GetDocument(ctx context.Context, id string) (models.Document, error)
}

// Config tunes the Retriever's behaviour.
type Config struct {
	LexicalTopK   int
	VectorTopK    int
	RerankTopK    int
	FinalTopK     int
	ExpandWindow  int
	EnableRerank  bool
}

func DefaultConfig() Config {
	return Config{LexicalTopK: 20, VectorTopK: 20, RerankTopK: 20, FinalTopK: 5, ExpandWindow: 1, EnableRerank: true}
}

// Retriever performs hybrid retrieval for one query at a time.
type Retriever struct {
	lexical  LexicalSearcher
	vector   VectorSearcher
	embedder llm.Embedder
	reranker llm.Reranker
	lookup   ChunkLookup
	cfg      Config
	log      *logrus.Entry
}

func NewRetriever(lexical LexicalSearcher, vector VectorSearcher, embedder llm.Embedder, reranker llm.Reranker, lookup ChunkLookup, cfg Config, log *logrus.Logger) *Retriever {
	if log == nil {
		log = logrus.New()
	}
	return &Retriever{
		lexical: lexical, vector: vector, embedder: embedder, reranker: reranker, lookup: lookup,
		cfg: cfg, log: log.WithField("component", "rag"),
	}
}

// Strategy tags report which retrieval paths actually contributed, per
// §4.6's failure-mode degrade flag.
const (
	StrategyHybrid      = "hybrid"
	StrategyLexicalOnly = "lexical_only"
	StrategyVectorOnly  = "vector_only"
)

// Retrieve runs lexical and vector search concurrently, fuses by the query
// type's adaptive weights, reranks (degrading gracefully on reranker
// failure), and expands the surviving top results into parent/adjacent
// context. The returned strategy tag reports whether one side degraded; if
// both lexical and vector search fail, it returns RetrievalUnavailable.
func (r *Retriever) Retrieve(ctx context.Context, userID, query string) ([]Candidate, string, error) {
	qt := ClassifyQuery(query)
	weights := WeightsFor(qt)

	var lexHits []LexicalHit
	var vecHits []VectorHit
	var lexErr, vecErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := r.lexical.Search(gctx, userID, query, r.cfg.LexicalTopK)
		if err != nil {
			lexErr = err
			r.log.WithError(err).Warn("lexical search failed")
			return nil
		}
		lexHits = hits
		return nil
	})
	g.Go(func() error {
		enriched := models.EnrichText("", "", models.TruncateUTF8(query, models.MaxQueryBytes))
		vec, err := r.embedder.Embed(gctx, []string{enriched})
		if err != nil {
			vecErr = fmt.Errorf("embed query: %w", err)
			r.log.WithError(vecErr).Warn("query embedding failed")
			return nil
		}
		hits, err := r.vector.Search(gctx, userID, vec[0], r.cfg.VectorTopK)
		if err != nil {
			vecErr = err
			r.log.WithError(err).Warn("vector search failed")
			return nil
		}
		vecHits = hits
		return nil
	})
	_ = g.Wait()

	if lexErr != nil && vecErr != nil {
		return nil, "", apperr.New(apperr.RetrievalUnavailable, "both lexical and vector retrieval failed", fmt.Errorf("lexical: %v, vector: %v", lexErr, vecErr))
	}
	strategy := StrategyHybrid
	switch {
	case lexErr != nil:
		strategy = StrategyVectorOnly
	case vecErr != nil:
		strategy = StrategyLexicalOnly
	}
	if len(lexHits) == 0 && len(vecHits) == 0 {
		return nil, strategy, nil
	}

	fused := weightedFusion(lexHits, vecHits, weights.Alpha)
	if r.cfg.RerankTopK > 0 && len(fused) > r.cfg.RerankTopK {
		fused = fused[:r.cfg.RerankTopK]
	}

	candidates, err := r.hydrate(ctx, fused)
	if err != nil {
		return nil, strategy, err
	}

	if r.cfg.EnableRerank && r.reranker != nil && len(candidates) > 0 {
		candidates = r.rerank(ctx, query, candidates)
	}

	if r.cfg.FinalTopK > 0 && len(candidates) > r.cfg.FinalTopK {
		candidates = candidates[:r.cfg.FinalTopK]
	}

	r.expandAll(ctx, candidates)

	return candidates, strategy, nil
}

// expandAll fills in ExpandedText/Section for each final candidate via
// Expand. A lookup failure just leaves ExpandedText as the chunk's own
// text, so a context-expansion problem never fails the whole retrieval.
func (r *Retriever) expandAll(ctx context.Context, candidates []Candidate) {
	for i := range candidates {
		candidates[i].Section = candidates[i].Chunk.SectionTitle
		chunks, err := r.Expand(ctx, candidates[i])
		if err != nil || len(chunks) == 0 {
			candidates[i].ExpandedText = candidates[i].Chunk.Text
			continue
		}
		var sb strings.Builder
		for j, c := range chunks {
			if j > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(c.Text)
		}
		candidates[i].ExpandedText = sb.String()
	}
}

// weightedFusion normalizes lexical and vector scores into [0,1] and blends
// them by alpha (vector weight), the same normalize-then-blend shape as the
// teacher's weightedFusion in hybrid.go. Each fused hit also records which
// side(s) contributed, for per-candidate MatchType.
func weightedFusion(lexHits []LexicalHit, vecHits []VectorHit, alpha float64) []fusedHit {
	scores := make(map[string]float64)
	inLex := make(map[string]bool)
	inVec := make(map[string]bool)

	maxLex := 0.0
	for _, h := range lexHits {
		if h.Score > maxLex {
			maxLex = h.Score
		}
	}
	for _, h := range lexHits {
		norm := 0.0
		if maxLex > 0 {
			norm = h.Score / maxLex
		}
		scores[h.ChunkID] += (1 - alpha) * norm
		inLex[h.ChunkID] = true
	}

	maxVec := float32(0)
	for _, h := range vecHits {
		if h.Score > maxVec {
			maxVec = h.Score
		}
	}
	for _, h := range vecHits {
		norm := 0.0
		if maxVec > 0 {
			norm = float64(h.Score / maxVec)
		}
		scores[h.ChunkID] += alpha * norm
		inVec[h.ChunkID] = true
	}

	out := make([]fusedHit, 0, len(scores))
	for id, score := range scores {
		matchType := "hybrid"
		switch {
		case inLex[id] && !inVec[id]:
			matchType = "lexical"
		case inVec[id] && !inLex[id]:
			matchType = "vector"
		}
		out = append(out, fusedHit{ChunkID: id, Score: score, MatchType: matchType})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

type fusedHit struct {
	ChunkID   string
	Score     float64
	MatchType string
}

func (r *Retriever) hydrate(ctx context.Context, hits []fusedHit) ([]Candidate, error) {
	candidates := make([]Candidate, 0, len(hits))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, h := range hits {
		h := h
		g.Go(func() error {
			chunk, err := r.lookup.GetChunk(gctx, h.ChunkID)
			if err != nil {
				r.log.WithError(err).WithField("chunk_id", h.ChunkID).Warn("dropping unresolvable chunk")
				return nil
			}
			doc, err := r.lookup.GetDocument(gctx, chunk.DocumentID)
			if err != nil {
				doc = models.Document{}
			}
			mu.Lock()
			candidates = append(candidates, Candidate{
				Chunk: chunk, Score: float32(h.Score), MatchType: h.MatchType,
				DocTitle: doc.Title, DocPage: chunk.Page,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	return candidates, nil
}

func (r *Retriever) rerank(ctx context.Context, query string, candidates []Candidate) []Candidate {
	passages := make([]string, len(candidates))
	for i, c := range candidates {
		passages[i] = c.Chunk.Text
	}
	results, err := r.reranker.Rerank(ctx, query, passages)
	if err != nil {
		r.log.WithError(err).Warn("reranker unavailable, keeping fusion order")
		return candidates
	}
	out := make([]Candidate, 0, len(results))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(candidates) {
			continue
		}
		c := candidates[res.Index]
		c.Score = float32(res.Score)
		out = append(out, c)
	}
	return out
}

// Expand returns the context chunks to attach to a final candidate: its
// parent chunk if it has one, otherwise a sliding window of adjacent
// siblings.
func (r *Retriever) Expand(ctx context.Context, c Candidate) ([]models.Chunk, error) {
	if c.Chunk.ParentID != "" {
		parent, err := r.lookup.GetParent(ctx, c.Chunk.ID)
		if err == nil {
			return []models.Chunk{parent}, nil
		}
	}
	return r.lookup.GetAdjacent(ctx, c.Chunk.ID, r.cfg.ExpandWindow)
}
