package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klarline/academe/internal/models"
)

// fakeTripleSource is a hand-written TripleSource test double.
type fakeTripleSource struct {
	byEntity map[string][]models.Triple
	calls    int
}

func (f *fakeTripleSource) TriplesFor(ctx context.Context, userID string, entities []string) ([]models.Triple, error) {
	f.calls++
	seen := make(map[string]bool)
	var out []models.Triple
	for _, e := range entities {
		for _, t := range f.byEntity[normalize(e)] {
			key := t.Subject + "|" + t.Predicate + "|" + t.Object
			if !seen[key] {
				seen[key] = true
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func TestAugmenter_ExpandsTwoHops(t *testing.T) {
	ctx := context.Background()
	src := &fakeTripleSource{byEntity: map[string][]models.Triple{
		"newton": {{Subject: "newton", Predicate: "discovered", Object: "gravity"}},
		"gravity": {
			{Subject: "newton", Predicate: "discovered", Object: "gravity"},
			{Subject: "gravity", Predicate: "causes", Object: "orbital motion"},
		},
	}}

	aug := NewAugmenter(src, Config{MaxHops: 2, MaxTriples: 32}, nil)
	triples, err := aug.Augment(ctx, "u1", []string{"newton"})
	require.NoError(t, err)

	var objects []string
	for _, t := range triples {
		objects = append(objects, t.Object)
	}
	assert.Contains(t, objects, "gravity")
	assert.Contains(t, objects, "orbital motion")
}

func TestAugmenter_RespectsMaxTriplesCap(t *testing.T) {
	ctx := context.Background()
	byEntity := map[string][]models.Triple{"seed": {}}
	for i := 0; i < 50; i++ {
		byEntity["seed"] = append(byEntity["seed"], models.Triple{
			Subject: "seed", Predicate: "relates_to", Object: idx(i),
		})
	}
	src := &fakeTripleSource{byEntity: byEntity}

	aug := NewAugmenter(src, Config{MaxHops: 2, MaxTriples: 10}, nil)
	triples, err := aug.Augment(ctx, "u1", []string{"seed"})
	require.NoError(t, err)
	assert.Len(t, triples, 10)
}

func TestAugmenter_NoSeedsReturnsNothing(t *testing.T) {
	aug := NewAugmenter(&fakeTripleSource{}, DefaultConfig(), nil)
	triples, err := aug.Augment(context.Background(), "u1", nil)
	require.NoError(t, err)
	assert.Empty(t, triples)
}

func idx(i int) string {
	return "object-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}
