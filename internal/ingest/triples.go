package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Klarline/academe/internal/llm"
	"github.com/Klarline/academe/internal/models"
)

// ExtractTriples pulls (subject, predicate, object) facts out of a
// proposition via an LLM call, normalizing to lowercase and dropping
// degenerate/schema-only triples, then deduping. Returns an empty slice
// (never an error) when the LLM call fails, so knowledge-graph extraction
// failures never block ingestion — KG augmentation is an enhancement, not
// a prerequisite for answering.
func ExtractTriples(ctx context.Context, client llm.Client, userID, docID string, prop models.Proposition) []models.Triple {
	if client == nil {
		return nil
	}
	resp, err := client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.ChatMessage{
			{Role: "system", Content: "Extract factual (subject, predicate, object) triples from the statement. One triple per line as 'subject | predicate | object'. Skip statements with no extractable fact."},
			{Role: "user", Content: prop.Text},
		},
		MaxTokens:   256,
		Temperature: 0,
	})
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var triples []models.Triple
	for _, line := range strings.Split(resp.Text, "\n") {
		parts := strings.Split(line, "|")
		if len(parts) != 3 {
			continue
		}
		subj := normalizeTerm(parts[0])
		pred := normalizeTerm(parts[1])
		obj := normalizeTerm(parts[2])
		if subj == "" || pred == "" || obj == "" || subj == obj {
			continue
		}
		key := fmt.Sprintf("%s|%s|%s", subj, pred, obj)
		if seen[key] {
			continue
		}
		seen[key] = true
		triples = append(triples, models.Triple{
			ID: uuid.New().String(), UserID: userID, DocID: docID, ChunkID: prop.ChunkID,
			Subject: subj, Predicate: pred, Object: obj,
		})
	}
	return triples
}

func normalizeTerm(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, ".,!?;:\"'")
	return s
}
