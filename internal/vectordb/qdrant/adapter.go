package qdrant

import (
	"context"

	"github.com/Klarline/academe/internal/vectordb"
)

// Adapter bridges Client's collection-wide Point API to the core's
// per-user VectorIndex contract: every point carries a user_id payload
// field, and every search is scoped to that user via a Qdrant payload
// filter, keeping one shared collection instead of one per user. Delete
// removes points by chunk ID alone; it does not apply the user filter.
type Adapter struct {
	client *Client
}

func NewAdapter(client *Client) *Adapter {
	return &Adapter{client: client}
}

func (a *Adapter) Upsert(ctx context.Context, userID, chunkID string, vector []float32) error {
	return a.client.Upsert(ctx, []Point{{
		ID:      chunkID,
		Vector:  vector,
		Payload: map[string]interface{}{"user_id": userID},
	}})
}

func (a *Adapter) Search(ctx context.Context, userID string, vector []float32, topK int) ([]vectordb.Match, error) {
	if topK <= 0 {
		topK = 20
	}
	scored, err := a.client.Search(ctx, vector, &SearchOptions{
		Limit:       topK,
		WithPayload: true,
		Filter: map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": "user_id", "match": map[string]interface{}{"value": userID}},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	matches := make([]vectordb.Match, len(scored))
	for i, sp := range scored {
		matches[i] = vectordb.Match{ChunkID: sp.ID, Score: (1 + sp.Score) / 2}
	}
	return matches, nil
}

func (a *Adapter) Delete(ctx context.Context, userID string, chunkIDs []string) error {
	return a.client.Delete(ctx, chunkIDs)
}

var _ vectordb.VectorIndex = (*Adapter)(nil)
