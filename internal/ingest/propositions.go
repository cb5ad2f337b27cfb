package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Klarline/academe/internal/llm"
	"github.com/Klarline/academe/internal/models"
)

// ExtractPropositions decomposes a chunk's text into atomic, pronoun-free
// factual statements. It prefers an LLM call for proper pronoun resolution
// and falls back to plain sentence splitting (grounded on the teacher's
// splitIntoSentences in internal/rag/advanced.go) when the LLM is
// unavailable, so ingestion never stalls on a degraded dependency.
func ExtractPropositions(ctx context.Context, client llm.Client, chunk models.Chunk) ([]models.Proposition, error) {
	if client != nil {
		props, err := extractWithLLM(ctx, client, chunk)
		if err == nil {
			return props, nil
		}
	}
	return extractBySentence(chunk), nil
}

func extractWithLLM(ctx context.Context, client llm.Client, chunk models.Chunk) ([]models.Proposition, error) {
	resp, err := client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.ChatMessage{
			{Role: "system", Content: "Decompose the given passage into a list of atomic, self-contained factual statements. Resolve all pronouns to their referents. Output one statement per line."},
			{Role: "user", Content: chunk.Text},
		},
		MaxTokens:   512,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("proposition extraction call failed: %w", err)
	}

	var props []models.Proposition
	for _, line := range strings.Split(resp.Text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if len(line) < 25 {
			continue
		}
		props = append(props, models.Proposition{ID: uuid.New().String(), ChunkID: chunk.ID, Text: line})
	}
	if len(props) == 0 {
		return nil, fmt.Errorf("llm returned no usable propositions")
	}
	return props, nil
}

func extractBySentence(chunk models.Chunk) []models.Proposition {
	sentences := splitBySentence(chunk.Text, len(chunk.Text)+1)
	props := make([]models.Proposition, 0, len(sentences))
	for _, s := range sentences {
		if len(s) < 25 {
			continue
		}
		props = append(props, models.Proposition{ID: uuid.New().String(), ChunkID: chunk.ID, Text: s})
	}
	return props
}
