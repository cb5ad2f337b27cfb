// Package knowledge augments a retrieved chunk set with knowledge-graph
// triples reachable from the entities mentioned in the query or in the top
// retrieved chunks, via a depth-bounded breadth-first traversal.
package knowledge

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/Klarline/academe/internal/models"
)

// TripleSource looks up triples seeded by a set of entity strings, scoped
// to a user. internal/database.ChunkStore.TriplesFor satisfies this.
type TripleSource interface {
	TriplesFor(ctx context.Context, userID string, entities []string) ([]models.Triple, error)
}

// Config bounds the BFS augmentation.
type Config struct {
	MaxHops    int
	MaxTriples int
}

func DefaultConfig() Config {
	return Config{MaxHops: 2, MaxTriples: 32}
}

// Augmenter runs bounded BFS over the triple graph.
type Augmenter struct {
	source TripleSource
	cfg    Config
	log    *logrus.Entry
}

func NewAugmenter(source TripleSource, cfg Config, log *logrus.Logger) *Augmenter {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 2
	}
	if cfg.MaxTriples <= 0 {
		cfg.MaxTriples = 32
	}
	if log == nil {
		log = logrus.New()
	}
	return &Augmenter{source: source, cfg: cfg, log: log.WithField("component", "knowledge")}
}

// Augment expands seedEntities outward up to cfg.MaxHops hops, returning at
// most cfg.MaxTriples triples ordered by discovery (breadth-first, so
// closer facts are favored when the cap truncates the result).
func (a *Augmenter) Augment(ctx context.Context, userID string, seedEntities []string) ([]models.Triple, error) {
	if len(seedEntities) == 0 {
		return nil, nil
	}

	visited := make(map[string]bool)
	for _, e := range seedEntities {
		visited[normalize(e)] = true
	}

	frontier := seedEntities
	var collected []models.Triple
	seenTriples := make(map[string]bool)

	for hop := 0; hop < a.cfg.MaxHops && len(frontier) > 0 && len(collected) < a.cfg.MaxTriples; hop++ {
		triples, err := a.source.TriplesFor(ctx, userID, frontier)
		if err != nil {
			return nil, err
		}

		var nextFrontier []string
		for _, t := range triples {
			key := t.Subject + "|" + t.Predicate + "|" + t.Object
			if seenTriples[key] {
				continue
			}
			seenTriples[key] = true
			collected = append(collected, t)
			if len(collected) >= a.cfg.MaxTriples {
				break
			}

			if n := normalize(t.Subject); !visited[n] {
				visited[n] = true
				nextFrontier = append(nextFrontier, t.Subject)
			}
			if n := normalize(t.Object); !visited[n] {
				visited[n] = true
				nextFrontier = append(nextFrontier, t.Object)
			}
		}
		frontier = nextFrontier
	}

	if len(collected) > a.cfg.MaxTriples {
		collected = collected[:a.cfg.MaxTriples]
	}

	a.log.WithFields(logrus.Fields{
		"user_id": userID, "seeds": len(seedEntities), "triples": len(collected),
	}).Debug("knowledge graph augmentation complete")

	return collected, nil
}

func normalize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
