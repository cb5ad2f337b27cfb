package llm

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// FakeClient is a deterministic stand-in for a generation provider, used in
// tests so the retrieval core's behaviour does not depend on a live LLM.
// It echoes the last user message prefixed with a canned answer template,
// which is enough for orchestrator-level assertions about citation wiring
// and self-RAG looping without needing real reasoning.
type FakeClient struct {
	mu        sync.Mutex
	Responses map[string]string // optional exact-match overrides keyed by last user message
	Calls     int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{Responses: make(map[string]string)}
}

func (f *FakeClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return CompletionResponse{}, err
	}
	f.mu.Lock()
	f.Calls++
	f.mu.Unlock()

	last := lastUserMessage(req.Messages)
	if override, ok := f.Responses[last]; ok {
		return CompletionResponse{Text: override, PromptTokens: len(last) / 4, OutputTokens: len(override) / 4}, nil
	}
	text := fmt.Sprintf("Based on the provided context: %s", strings.TrimSpace(last))
	return CompletionResponse{Text: text, PromptTokens: len(last) / 4, OutputTokens: len(text) / 4}, nil
}

func lastUserMessage(msgs []ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

// FakeEmbedder produces deterministic pseudo-embeddings by hashing the input
// text into a fixed-size float vector, so that identical text always yields
// an identical (and identically-similar-to-itself) embedding across calls
// without needing a real model.
type FakeEmbedder struct {
	Dim int
}

func NewFakeEmbedder(dim int) *FakeEmbedder {
	if dim <= 0 {
		dim = 16
	}
	return &FakeEmbedder{Dim: dim}
}

func (f *FakeEmbedder) Dimension() int { return f.Dim }

func (f *FakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashEmbed(t, f.Dim)
	}
	return out, nil
}

func hashEmbed(text string, dim int) []float32 {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	vec := make([]float32, dim)
	var norm float64
	for i := 0; i < dim; i++ {
		b := sum[i%len(sum)]
		v := float64(b)/127.5 - 1.0
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// FakeReranker scores passages by lexical overlap with the query, the same
// fallback heuristic a degraded production reranker would use, which makes
// it a reasonable deterministic stand-in for tests.
type FakeReranker struct{}

func NewFakeReranker() *FakeReranker { return &FakeReranker{} }

func (f *FakeReranker) Rerank(ctx context.Context, query string, passages []string) ([]RerankResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	qTerms := tokenSet(query)
	results := make([]RerankResult, len(passages))
	for i, p := range passages {
		results[i] = RerankResult{Index: i, Score: overlapScore(qTerms, tokenSet(p))}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}

func overlapScore(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	hits := 0
	for w := range a {
		if _, ok := b[w]; ok {
			hits++
		}
	}
	return float64(hits) / math.Sqrt(float64(len(a)*len(b)))
}
