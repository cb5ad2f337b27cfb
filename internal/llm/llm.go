// Package llm defines the external model-client contracts used by the
// ingestion and retrieval core: text generation, embedding, and cross-encoder
// reranking. Concrete adapters live behind these interfaces so the core
// never depends on a specific provider.
package llm

import "context"

// ChatMessage is a single turn in a generation request.
type ChatMessage struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// CompletionRequest drives a single generation call.
type CompletionRequest struct {
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// CompletionResponse is the generated text plus basic usage accounting.
type CompletionResponse struct {
	Text         string
	PromptTokens int
	OutputTokens int
}

// Client generates text from a prompt. Implementations must respect
// ctx cancellation/deadline on every call.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// Embedder turns text into fixed-dimension float32 vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// RerankResult pairs a reranked candidate's original index with its score.
type RerankResult struct {
	Index int
	Score float64
}

// Reranker cross-encodes a query against a batch of candidate passages and
// returns per-candidate relevance scores. Implementations that have no
// reachable reranker endpoint configured must return an error satisfying
// apperr.DependencyUnavailable so callers can degrade gracefully rather than
// fail the whole request.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []string) ([]RerankResult, error)
}
