// Package concurrency provides the bounded-queue and backpressure-signaling
// primitives for the ingestion pipeline and the retrieval path.
package concurrency

import (
	"context"
	"sync"

	"github.com/Klarline/academe/internal/apperr"
)

// Semaphore is a counting semaphore with a non-blocking TryAcquire, used to
// turn a bounded resource into an admit/reject decision rather than a queue.
type Semaphore struct {
	ch      chan struct{}
	mu      sync.Mutex
	max     int
	current int
}

func NewSemaphore(max int) *Semaphore {
	return &Semaphore{ch: make(chan struct{}, max), max: max}
}

func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		s.mu.Lock()
		s.current++
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Semaphore) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		s.mu.Lock()
		s.current++
		s.mu.Unlock()
		return true
	default:
		return false
	}
}

func (s *Semaphore) Release() {
	select {
	case <-s.ch:
		s.mu.Lock()
		if s.current > 0 {
			s.current--
		}
		s.mu.Unlock()
	default:
	}
}

func (s *Semaphore) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max - s.current
}

// IngestQueue bounds how many documents may be enqueued for background
// ingestion at once, plus tracks which document IDs are currently in
// flight so the worker pool can enforce "at most one active ingestion per
// document". Enqueue returns apperr.Overloaded ("Busy") when the queue is
// saturated rather than blocking the upload caller.
type IngestQueue struct {
	sem *Semaphore
	mu  sync.Mutex
	inFlight map[string]struct{}
}

func NewIngestQueue(capacity int) *IngestQueue {
	return &IngestQueue{sem: NewSemaphore(capacity), inFlight: make(map[string]struct{})}
}

// Enqueue admits documentID into the bounded queue. It returns an
// apperr.Overloaded error if the queue is full, or if the document already
// has an active ingestion in flight.
func (q *IngestQueue) Enqueue(documentID string) (release func(), err error) {
	q.mu.Lock()
	if _, busy := q.inFlight[documentID]; busy {
		q.mu.Unlock()
		return nil, apperr.New(apperr.Overloaded, "document already has an ingestion in progress", nil)
	}
	q.mu.Unlock()

	if !q.sem.TryAcquire() {
		return nil, apperr.New(apperr.Overloaded, "ingestion queue is full, retry shortly", nil)
	}

	q.mu.Lock()
	q.inFlight[documentID] = struct{}{}
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.inFlight, documentID)
		q.mu.Unlock()
		q.sem.Release()
	}, nil
}

func (q *IngestQueue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// RetrievalGate caps concurrent in-flight retrieval/answer requests against
// the LLM backend. Unlike IngestQueue it never queues: a saturated gate
// returns apperr.Overloaded immediately so the caller can surface a retry
// hint, per the no-queueing backpressure rule for the retrieval path.
type RetrievalGate struct {
	sem *Semaphore
}

func NewRetrievalGate(maxConcurrent int) *RetrievalGate {
	return &RetrievalGate{sem: NewSemaphore(maxConcurrent)}
}

func (g *RetrievalGate) Admit() (release func(), err error) {
	if !g.sem.TryAcquire() {
		return nil, apperr.New(apperr.Overloaded, "retrieval capacity saturated, retry shortly", nil)
	}
	return g.sem.Release, nil
}
