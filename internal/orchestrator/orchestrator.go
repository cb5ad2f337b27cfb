// Package orchestrator implements the AnswerOrchestrator (C7): the
// top-level handler for one question, chaining cache probe, query
// rewriting, conditional decomposition, multi-query expansion, fan-out
// retrieval, the self-RAG verification loop, and grounded generation.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Klarline/academe/internal/apperr"
	"github.com/Klarline/academe/internal/cache"
	"github.com/Klarline/academe/internal/knowledge"
	"github.com/Klarline/academe/internal/llm"
	"github.com/Klarline/academe/internal/models"
	"github.com/Klarline/academe/internal/rag"
)

// Source is a caller-facing citation.
type Source = models.Source

// Diagnostics reports the internal decisions made while answering one
// question, per spec step 9.
type Diagnostics struct {
	CacheHit          bool
	ReformulatedN     int
	DecomposedN       int
	StrategyTag       string
	SelfRAGIterations int
	LowConfidence     bool
}

// Answer is the orchestrator's response to one question.
type Answer struct {
	AnswerText string
	Sources    []Source
	AgentUsed  string
	FromCache  bool
	Diagnostics Diagnostics
}

// VersionSource resolves a user's current doc_set_version, used to scope
// cache lookups so a doc set change invalidates prior cached answers.
type VersionSource interface {
	DocSetVersion(ctx context.Context, userID string) (int64, error)
}

// Config tunes orchestration behaviour. MaxSelfRAGRounds corresponds to
// config.RetrievalConfig.MaxSelfRAGRounds; MaxSubQueries and MaxRephrasings
// have no counterpart in the loaded Config.
type Config struct {
	MaxSelfRAGRounds int
	MaxSubQueries    int
	MaxRephrasings   int
}

func DefaultConfig() Config {
	return Config{MaxSelfRAGRounds: 2, MaxSubQueries: 4, MaxRephrasings: 3}
}

// Orchestrator wires the Retriever, ResponseCache, KG Augmenter, and LLM
// client together into the end-to-end answer pipeline.
type Orchestrator struct {
	retriever *rag.Retriever
	respCache *cache.ResponseCache
	augmenter *knowledge.Augmenter
	versions  VersionSource
	llmClient llm.Client
	embedder  llm.Embedder
	cfg       Config
	log       *logrus.Entry
}

func NewOrchestrator(retriever *rag.Retriever, respCache *cache.ResponseCache, augmenter *knowledge.Augmenter, versions VersionSource, llmClient llm.Client, embedder llm.Embedder, cfg Config, log *logrus.Logger) *Orchestrator {
	if log == nil {
		log = logrus.New()
	}
	if cfg.MaxSelfRAGRounds <= 0 {
		cfg.MaxSelfRAGRounds = 2
	}
	if cfg.MaxSubQueries <= 0 {
		cfg.MaxSubQueries = 4
	}
	if cfg.MaxRephrasings <= 0 {
		cfg.MaxRephrasings = 3
	}
	return &Orchestrator{
		retriever: retriever, respCache: respCache, augmenter: augmenter, versions: versions,
		llmClient: llmClient, embedder: embedder, cfg: cfg, log: log.WithField("component", "orchestrator"),
	}
}

// Answer runs the full pipeline for one question, honoring ctx's deadline
// (the caller is expected to have bounded it to the answer deadline).
func (o *Orchestrator) Answer(ctx context.Context, userID, queryText, conversationHint string) (Answer, error) {
	diag := Diagnostics{}

	version, err := o.versions.DocSetVersion(ctx, userID)
	if err != nil {
		return Answer{}, apperr.Wrap(apperr.Internal, err)
	}

	queryVec, err := o.embedOne(ctx, queryText)
	if err != nil {
		return Answer{}, apperr.Wrap(apperr.DependencyUnavailable, err)
	}

	if entry, hit := o.respCache.Lookup(ctx, userID, queryVec, version); hit {
		diag.CacheHit = true
		return Answer{AnswerText: entry.AnswerText, Sources: entry.Sources, AgentUsed: "cache", FromCache: true, Diagnostics: diag}, nil
	}

	rewritten := o.rewrite(ctx, queryText, conversationHint)

	queries := []string{rewritten}
	if shouldDecompose(rewritten) {
		subQueries := o.decompose(ctx, rewritten)
		if len(subQueries) > 0 {
			queries = subQueries
			diag.DecomposedN = len(subQueries)
		}
	}

	allQueries := o.expandWithRephrasings(ctx, queries)
	diag.ReformulatedN = len(allQueries) - len(queries)

	candidates, strategy, err := o.retrieveAll(ctx, userID, allQueries)
	if err != nil {
		return Answer{}, err
	}
	diag.StrategyTag = strategy

	for round := 0; round < o.cfg.MaxSelfRAGRounds; round++ {
		sufficient := o.verifySufficiency(ctx, rewritten, candidates)
		diag.SelfRAGIterations = round + 1
		if sufficient {
			break
		}
		if round == o.cfg.MaxSelfRAGRounds-1 {
			diag.LowConfidence = true
			break
		}
		reformulated := o.reformulate(ctx, rewritten, candidates)
		more, strat, err := o.retrieveAll(ctx, userID, []string{reformulated})
		if err != nil {
			diag.LowConfidence = true
			break
		}
		candidates = mergeCandidates(candidates, more)
		diag.StrategyTag = strat
	}

	triples := o.augmentKnowledge(ctx, userID, rewritten, candidates)

	answerText, sources, err := o.generate(ctx, rewritten, candidates, triples)
	if err != nil {
		return Answer{}, apperr.Wrap(apperr.DependencyUnavailable, err)
	}

	entry := models.ResponseCacheEntry{
		QueryEmbedding: queryVec, QueryText: rewritten, AnswerText: answerText,
		Sources: sources, CreatedAt: time.Now(), UserID: userID, DocSetVersion: version,
	}
	if ctx.Err() == nil {
		o.respCache.Store(ctx, entry)
	}

	return Answer{AnswerText: answerText, Sources: sources, AgentUsed: "academe-core", Diagnostics: diag}, nil
}

func (o *Orchestrator) embedOne(ctx context.Context, text string) ([]float32, error) {
	text = models.TruncateUTF8(text, models.MaxQueryBytes)
	vecs, err := o.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}
	return vecs[0], nil
}

// rewrite resolves pronouns against conversationHint and expands
// abbreviations. A rewrite failure is non-fatal: the original query is
// used unchanged.
func (o *Orchestrator) rewrite(ctx context.Context, query, conversationHint string) string {
	if o.llmClient == nil {
		return query
	}
	messages := []llm.ChatMessage{
		{Role: "system", Content: "Rewrite the user's question to be self-contained: resolve pronouns using the conversation context and expand abbreviations. Preserve the original meaning exactly. Reply with only the rewritten question."},
	}
	if conversationHint != "" {
		messages = append(messages, llm.ChatMessage{Role: "user", Content: "Conversation so far: " + conversationHint})
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: query})

	resp, err := o.llmClient.Complete(ctx, llm.CompletionRequest{Messages: messages, MaxTokens: 120, Temperature: 0})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		return query
	}
	return strings.TrimSpace(resp.Text)
}

var multiClausePattern = regexp.MustCompile(`\?`)

// shouldDecompose implements step 3's trigger rule: multiple ?-clauses,
// coordination spanning heads, or length-plus-non-definition.
func shouldDecompose(query string) bool {
	if len(multiClausePattern.FindAllString(query, -1)) > 1 {
		return true
	}
	lower := strings.ToLower(query)
	if containsCoordination(lower) {
		return true
	}
	if len(query) > 200 && rag.ClassifyQuery(query) != rag.QueryDefinition {
		return true
	}
	return false
}

func containsCoordination(lower string) bool {
	for _, kw := range []string{" and ", " vs ", " vs. ", " compared to ", " versus "} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// decompose splits a compound query into 2-4 atomic sub-queries via LLM.
// On any failure the caller proceeds with the single original query.
func (o *Orchestrator) decompose(ctx context.Context, query string) []string {
	if o.llmClient == nil {
		return nil
	}
	resp, err := o.llmClient.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.ChatMessage{
			{Role: "system", Content: "Split the question into 2 to 4 independent, atomic sub-questions, one per line, that together cover everything asked. If it is already atomic, reply with just the original question."},
			{Role: "user", Content: query},
		},
		MaxTokens: 200, Temperature: 0,
	})
	if err != nil {
		return nil
	}
	var subs []string
	for _, line := range strings.Split(resp.Text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" {
			continue
		}
		subs = append(subs, line)
	}
	if len(subs) < 2 {
		return nil
	}
	if len(subs) > o.cfg.MaxSubQueries {
		subs = subs[:o.cfg.MaxSubQueries]
	}
	return subs
}

// expandWithRephrasings adds up to MaxRephrasings alternative phrasings per
// query (step 4). A rephrasing failure simply yields no extra phrasings for
// that query.
func (o *Orchestrator) expandWithRephrasings(ctx context.Context, queries []string) []string {
	if o.llmClient == nil {
		return queries
	}
	out := make([]string, 0, len(queries)*2)
	for _, q := range queries {
		out = append(out, q)
		resp, err := o.llmClient.Complete(ctx, llm.CompletionRequest{
			Messages: []llm.ChatMessage{
				{Role: "system", Content: fmt.Sprintf("Give up to %d alternative phrasings of this question that preserve its meaning, one per line.", o.cfg.MaxRephrasings)},
				{Role: "user", Content: q},
			},
			MaxTokens: 150, Temperature: 0.3,
		})
		if err != nil {
			continue
		}
		count := 0
		for _, line := range strings.Split(resp.Text, "\n") {
			line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
			if line == "" || count >= o.cfg.MaxRephrasings {
				continue
			}
			out = append(out, line)
			count++
		}
	}
	return out
}

// retrieveAll runs the Retriever for every query and unions results,
// keeping the max score per chunk (step 5 / §4.6's multi-query merge
// rule). strategy reports "hybrid" unless any query's retrieval degraded
// to "lexical_only" or "vector_only", in which case the first degraded tag
// encountered (in query order) is surfaced.
func (o *Orchestrator) retrieveAll(ctx context.Context, userID string, queries []string) ([]rag.Candidate, string, error) {
	results := make([][]rag.Candidate, len(queries))
	strategies := make([]string, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			cands, strat, err := o.retriever.Retrieve(gctx, userID, q)
			if err != nil {
				return err
			}
			results[i] = cands
			strategies[i] = strat
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if apperr.Is(err, apperr.RetrievalUnavailable) {
			return nil, "unavailable", err
		}
		return nil, "unavailable", apperr.Wrap(apperr.RetrievalUnavailable, err)
	}

	merged := results[0]
	for _, r := range results[1:] {
		merged = mergeCandidates(merged, r)
	}

	strategy := rag.StrategyHybrid
	for _, s := range strategies {
		if s != rag.StrategyHybrid && s != "" {
			strategy = s
			break
		}
	}
	return merged, strategy, nil
}

func mergeCandidates(a, b []rag.Candidate) []rag.Candidate {
	best := make(map[string]rag.Candidate, len(a)+len(b))
	order := make([]string, 0, len(a)+len(b))
	for _, c := range a {
		best[c.Chunk.ID] = c
		order = append(order, c.Chunk.ID)
	}
	for _, c := range b {
		existing, ok := best[c.Chunk.ID]
		if !ok {
			order = append(order, c.Chunk.ID)
			best[c.Chunk.ID] = c
			continue
		}
		if c.Score > existing.Score {
			best[c.Chunk.ID] = c
		}
	}
	out := make([]rag.Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out
}

// verifySufficiency asks the LLM whether the retrieved context can answer
// query (step 6). Any LLM failure is treated as sufficient, since the
// self-RAG loop is a quality enhancement, not a correctness gate.
func (o *Orchestrator) verifySufficiency(ctx context.Context, query string, candidates []rag.Candidate) bool {
	if o.llmClient == nil || len(candidates) == 0 {
		return len(candidates) > 0
	}
	summary := summarizeContext(candidates)
	resp, err := o.llmClient.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.ChatMessage{
			{Role: "system", Content: "Given the question and a summary of retrieved context, reply with exactly one word: sufficient or insufficient."},
			{Role: "user", Content: fmt.Sprintf("Question: %s\n\nContext summary:\n%s", query, summary)},
		},
		MaxTokens: 8, Temperature: 0,
	})
	if err != nil {
		return true
	}
	return !strings.Contains(strings.ToLower(resp.Text), "insufficient")
}

func (o *Orchestrator) reformulate(ctx context.Context, query string, candidates []rag.Candidate) string {
	if o.llmClient == nil {
		return query
	}
	summary := summarizeContext(candidates)
	resp, err := o.llmClient.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.ChatMessage{
			{Role: "system", Content: "The retrieved context was insufficient to answer the question. Reformulate the question to target what's missing. Reply with only the reformulated question."},
			{Role: "user", Content: fmt.Sprintf("Question: %s\n\nWhat was found:\n%s", query, summary)},
		},
		MaxTokens: 100, Temperature: 0.2,
	})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		return query
	}
	return strings.TrimSpace(resp.Text)
}

func summarizeContext(candidates []rag.Candidate) string {
	var b strings.Builder
	limit := len(candidates)
	if limit > 5 {
		limit = 5
	}
	for _, c := range candidates[:limit] {
		b.WriteString("- ")
		if len(c.Chunk.Text) > 200 {
			b.WriteString(c.Chunk.Text[:200])
		} else {
			b.WriteString(c.Chunk.Text)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// augmentKnowledge extracts candidate entities from the query via a
// lightweight capitalized-phrase heuristic, then expands via the BFS triple
// augmenter. A nil augmenter or extraction failure simply
// yields no triples.
func (o *Orchestrator) augmentKnowledge(ctx context.Context, userID, query string, candidates []rag.Candidate) []models.Triple {
	if o.augmenter == nil {
		return nil
	}
	seeds := extractEntities(query)
	if len(seeds) == 0 {
		return nil
	}
	triples, err := o.augmenter.Augment(ctx, userID, seeds)
	if err != nil {
		o.log.WithError(err).Warn("knowledge graph augmentation failed, continuing without it")
		return nil
	}
	return triples
}

var capitalizedPhrase = regexp.MustCompile(`\b([A-Z][a-zA-Z0-9]*(?:\s+[A-Z][a-zA-Z0-9]*)*)\b`)

// extractEntities is the same kind of cheap heuristic the teacher uses for
// query-side enrichment: it favors precision-by-capitalization over a
// full NER model, since KG augmentation is best-effort context, not a
// correctness-bearing step.
func extractEntities(query string) []string {
	matches := capitalizedPhrase.FindAllString(query, -1)
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		if len(m) < 3 {
			continue
		}
		key := strings.ToLower(m)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

// generate produces the final grounded answer with numbered footnote-style
// citations (step 7).
func (o *Orchestrator) generate(ctx context.Context, query string, candidates []rag.Candidate, triples []models.Triple) (string, []Source, error) {
	if len(candidates) == 0 {
		return "I could not find anything in your documents to answer that.", nil, nil
	}

	sources := make([]Source, len(candidates))
	var contextBuilder strings.Builder
	for i, c := range candidates {
		sources[i] = Source{DocTitle: c.DocTitle, Page: c.DocPage, ChunkID: c.Chunk.ID}
		text := c.ExpandedText
		if text == "" {
			text = c.Chunk.Text
		}
		fmt.Fprintf(&contextBuilder, "[%d] (%s) %s\n\n", i+1, c.DocTitle, text)
	}
	for _, t := range triples {
		fmt.Fprintf(&contextBuilder, "fact: %s %s %s\n", t.Subject, t.Predicate, t.Object)
	}

	if o.llmClient == nil {
		return fmt.Sprintf("Based on the provided context: %s", query), sources, nil
	}

	resp, err := o.llmClient.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.ChatMessage{
			{Role: "system", Content: "Answer the question using only the numbered context passages and facts below. Cite sources inline with [n] footnote markers matching the passage numbers. If the context doesn't cover something, say so."},
			{Role: "user", Content: fmt.Sprintf("Question: %s\n\nContext:\n%s", query, contextBuilder.String())},
		},
		MaxTokens: 600, Temperature: 0.1,
	})
	if err != nil {
		return "", nil, fmt.Errorf("generation call failed: %w", err)
	}
	return resp.Text, sources, nil
}
