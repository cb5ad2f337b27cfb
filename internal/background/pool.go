// Package background runs document ingestion on a bounded worker pool,
// enforcing at-most-one-active-ingestion-per-document and reaping jobs
// that overrun their processing deadline.
package background

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Klarline/academe/internal/apperr"
	"github.com/Klarline/academe/internal/concurrency"
	"github.com/Klarline/academe/internal/database"
	"github.com/Klarline/academe/internal/ingest"
	"github.com/Klarline/academe/internal/models"
)

// Job is one unit of ingestion work submitted to the pool.
type Job struct {
	Document models.Document
	Text     string
}

// Ingestor is the narrow surface the pool needs from internal/ingest.
type Ingestor interface {
	Ingest(ctx context.Context, doc models.Document, text string) (ingest.Result, error)
}

type jobState struct {
	startedAt time.Time
	cancel    context.CancelFunc
}

// Pool is an adaptive-in-spirit, fixed-size-in-practice worker pool: the
// teacher's AdaptiveWorkerPool scales workers by resource pressure, but an
// ingestion pipeline bottlenecked on external LLM/embedding calls gains
// nothing from local CPU-based scaling, so this keeps a fixed worker count
// bounded by config and focuses the adaptation on backpressure via
// concurrency.IngestQueue instead.
type Pool struct {
	workers     int
	queue       chan Job
	ingestQueue *concurrency.IngestQueue
	ingestor    Ingestor
	store       database.ChunkStore
	reapTimeout time.Duration
	log         *logrus.Entry

	mu       sync.Mutex
	inflight map[string]*jobState
	releases map[string]func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(workers int, queueCapacity int, ingestor Ingestor, store database.ChunkStore, reapTimeout time.Duration, log *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if log == nil {
		log = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:     workers,
		queue:       make(chan Job, queueCapacity),
		ingestQueue: concurrency.NewIngestQueue(queueCapacity),
		ingestor:    ingestor,
		store:       store,
		reapTimeout: reapTimeout,
		log:         log.WithField("component", "background.pool"),
		inflight:    make(map[string]*jobState),
		releases:    make(map[string]func()),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start spawns the fixed worker goroutines and the reaper loop.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	p.wg.Add(1)
	go p.reapLoop()
}

// Stop cancels all in-flight work and waits for workers to exit.
func (p *Pool) Stop(gracePeriod time.Duration) {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(gracePeriod):
		p.log.Warn("worker pool stop timed out")
	}
}

// Submit enqueues a document for background ingestion. It returns
// apperr.Overloaded (surfaced to the upload API as Busy) if the queue is
// full or the document already has an ingestion in flight.
func (p *Pool) Submit(job Job) error {
	release, err := p.ingestQueue.Enqueue(job.Document.ID)
	if err != nil {
		return err
	}

	// Enqueue's release must outlive the channel send, since it is only
	// called once a worker actually finishes the job.
	p.mu.Lock()
	p.releases[job.Document.ID] = release
	p.mu.Unlock()

	select {
	case p.queue <- job:
		return nil
	default:
		p.mu.Lock()
		delete(p.releases, job.Document.ID)
		p.mu.Unlock()
		release()
		return apperr.New(apperr.Overloaded, "ingestion queue is full, retry shortly", nil)
	}
}

func (p *Pool) workerLoop(id int) {
	defer p.wg.Done()
	log := p.log.WithField("worker_id", id)

	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.runJob(log, job)
		}
	}
}

func (p *Pool) runJob(log *logrus.Entry, job Job) {
	jobCtx, cancel := context.WithTimeout(p.ctx, p.reapTimeout)
	defer cancel()

	p.mu.Lock()
	p.inflight[job.Document.ID] = &jobState{startedAt: time.Now(), cancel: cancel}
	release := p.releases[job.Document.ID]
	delete(p.releases, job.Document.ID)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inflight, job.Document.ID)
		p.mu.Unlock()
		if release != nil {
			release()
		}
	}()

	log = log.WithField("document_id", job.Document.ID)
	log.Info("starting ingestion")

	if _, err := p.ingestor.Ingest(jobCtx, job.Document, job.Text); err != nil {
		log.WithError(err).Warn("ingestion job failed")
		// The Ingestor rolls its own document row back to Failed on
		// ordinary pipeline errors, but a job cancelled by its own reap
		// deadline may return before that rollback runs; force the
		// status here too so a document can never be left in
		// processing once its worker has given up on it.
		if err := p.store.UpdateDocumentStatus(context.Background(), job.Document.ID, models.StatusFailed); err != nil {
			log.WithError(err).Warn("failed to mark document failed after ingestion error")
		}
		return
	}
	log.Info("ingestion job completed")
}

// reapLoop is a backstop for jobs whose worker goroutine stopped making
// progress without returning (e.g. a blocked external call the job's own
// timeout context failed to unblock promptly): it force-cancels jobs whose
// wall-clock runtime has exceeded the reap timeout and marks the
// underlying document Failed directly, mirroring the teacher's
// stuckDetectionLoop/checkForStuckTasks pattern.
func (p *Pool) reapLoop() {
	defer p.wg.Done()
	interval := p.reapTimeout / 4
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.reapStuckJobs()
		}
	}
}

func (p *Pool) reapStuckJobs() {
	now := time.Now()
	var stuck []string

	p.mu.Lock()
	for docID, st := range p.inflight {
		if now.Sub(st.startedAt) > p.reapTimeout {
			stuck = append(stuck, docID)
			st.cancel()
		}
	}
	p.mu.Unlock()

	for _, docID := range stuck {
		p.log.WithField("document_id", docID).Warn("reaping stuck ingestion job")
		if err := p.store.UpdateDocumentStatus(p.ctx, docID, models.StatusFailed); err != nil {
			p.log.WithError(err).WithField("document_id", docID).Error("failed to mark reaped document as failed")
		}
	}
}

// ActiveCount returns the number of ingestion jobs currently in flight.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}
