package ingest

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Klarline/academe/internal/apperr"
	"github.com/Klarline/academe/internal/llm"
)

// EmbedBatcher batches chunk text into embedding calls bounded by a byte
// budget per call, throttled by a token-bucket limiter so a large document
// can't monopolize the embedding provider's rate limit, and retrying
// transient failures with exponential backoff.
type EmbedBatcher struct {
	embedder    llm.Embedder
	byteCap     int
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	limiter     *rate.Limiter
	log         *logrus.Entry
}

// NewEmbedBatcher builds a batcher. callsPerSecond <= 0 disables throttling
// (the limiter is unlimited), matching a local fake-embedder dev setup.
func NewEmbedBatcher(embedder llm.Embedder, byteCap, maxRetries int, baseBackoff, maxBackoff time.Duration, callsPerSecond float64, log *logrus.Logger) *EmbedBatcher {
	if byteCap <= 0 {
		byteCap = 200 * 1024
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if log == nil {
		log = logrus.New()
	}
	limit := rate.Inf
	burst := 1
	if callsPerSecond > 0 {
		limit = rate.Limit(callsPerSecond)
		burst = int(callsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &EmbedBatcher{
		embedder: embedder, byteCap: byteCap, maxRetries: maxRetries,
		baseBackoff: baseBackoff, maxBackoff: maxBackoff,
		limiter: rate.NewLimiter(limit, burst),
		log:     log.WithField("component", "ingest.embed"),
	}
}

// EmbedAll embeds texts in byte-capped batches, preserving input order in
// the returned vectors.
func (b *EmbedBatcher) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); {
		end := start
		size := 0
		for end < len(texts) && (size == 0 || size+len(texts[end]) <= b.byteCap) {
			size += len(texts[end])
			end++
		}
		batch := texts[start:end]

		vecs, err := b.embedWithRetry(ctx, batch)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, vecs...)
		start = end
	}
	return vectors, nil
}

func (b *EmbedBatcher) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, apperr.New(apperr.DependencyTimeout, "embedding rate limiter wait cancelled", err)
	}
	backoff := b.baseBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		vecs, err := b.embedder.Embed(ctx, batch)
		if err == nil {
			return vecs, nil
		}
		lastErr = err

		if attempt == b.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, apperr.New(apperr.DependencyTimeout, "embedding call timed out", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if b.maxBackoff > 0 && backoff > b.maxBackoff {
			backoff = b.maxBackoff
		}
		b.log.WithFields(logrus.Fields{"attempt": attempt + 1, "batch_size": len(batch)}).Warn("embedding call failed, retrying")
	}
	return nil, apperr.New(apperr.DependencyUnavailable, "embedding provider unavailable after retries", lastErr)
}
