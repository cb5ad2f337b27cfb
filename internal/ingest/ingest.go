package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Klarline/academe/internal/apperr"
	"github.com/Klarline/academe/internal/config"
	"github.com/Klarline/academe/internal/database"
	"github.com/Klarline/academe/internal/lexical"
	"github.com/Klarline/academe/internal/llm"
	"github.com/Klarline/academe/internal/models"
	"github.com/Klarline/academe/internal/vectordb"
)

// Result summarizes one completed ingestion run, surfaced back to the
// background worker that invoked it for logging/metrics.
type Result struct {
	DocumentID     string
	ChunksWritten  int
	PropsWritten   int
	TriplesWritten int
}

// Ingestor drives a document through the classify -> chunk -> extract ->
// embed -> persist pipeline and owns the document status state machine
// (pending -> processing -> {ready, failed}).
type Ingestor struct {
	store    database.ChunkStore
	vectors  vectordb.VectorIndex
	llmClient llm.Client
	embedder *EmbedBatcher
	lexMgr   *lexical.Manager
	log      *logrus.Entry
}

func NewIngestor(store database.ChunkStore, vectors vectordb.VectorIndex, llmClient llm.Client, embedder llm.Embedder, lexMgr *lexical.Manager, cfg config.IngestConfig, log *logrus.Logger) *Ingestor {
	if log == nil {
		log = logrus.New()
	}
	return &Ingestor{
		store: store, vectors: vectors, llmClient: llmClient, lexMgr: lexMgr,
		embedder: NewEmbedBatcher(embedder, cfg.EmbedBatchByteCap, cfg.EmbedMaxRetries, cfg.EmbedBaseBackoff, cfg.EmbedMaxBackoff, cfg.EmbedCallsPerSecond, log),
		log:      log.WithField("component", "ingest"),
	}
}

// Ingest runs the full pipeline for a document whose raw text has already
// been extracted from its source file. On any failure past the initial
// PutDocument write, the document is rolled back to StatusFailed rather
// than left stuck in StatusProcessing, and chunks/propositions/triples
// already written for it are deleted so a retry starts clean.
func (ig *Ingestor) Ingest(ctx context.Context, doc models.Document, text string) (Result, error) {
	log := ig.log.WithFields(logrus.Fields{"document_id": doc.ID, "user_id": doc.UserID})

	doc.Status = models.StatusPending
	if doc.SourceType == "" {
		doc.SourceType = ClassifySource(text, doc.Title)
	}
	if err := ig.store.PutDocument(ctx, doc); err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, err)
	}

	if err := ig.store.UpdateDocumentStatus(ctx, doc.ID, models.StatusProcessing); err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, err)
	}

	result, err := ig.process(ctx, doc, text)
	if err != nil {
		log.WithError(err).Warn("ingestion failed, rolling back")
		if delErr := ig.store.DeleteDocument(ctx, doc.ID); delErr != nil {
			log.WithError(delErr).Error("rollback delete failed, document left inconsistent")
		}
		failedDoc := doc
		failedDoc.Status = models.StatusFailed
		_ = ig.store.PutDocument(ctx, failedDoc)
		return Result{}, err
	}

	if err := ig.store.UpdateDocumentStatus(ctx, doc.ID, models.StatusReady); err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, err)
	}
	if _, err := ig.store.BumpDocSetVersion(ctx, doc.UserID); err != nil {
		log.WithError(err).Warn("failed to bump doc set version")
	}
	if ig.lexMgr != nil {
		ig.lexMgr.Invalidate(doc.UserID)
	}

	log.WithFields(logrus.Fields{
		"chunks": result.ChunksWritten, "propositions": result.PropsWritten, "triples": result.TriplesWritten,
	}).Info("ingestion complete")
	return result, nil
}

func (ig *Ingestor) process(ctx context.Context, doc models.Document, text string) (Result, error) {
	profile := ProfileFor(doc.SourceType)
	children, parents := Split(doc, text, profile)
	if len(children) == 0 {
		return Result{}, apperr.New(apperr.InputInvalid, "document produced no chunks", nil)
	}

	allChunks := append(parents, children...)
	if err := ig.store.PutChunks(ctx, allChunks); err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, err)
	}

	var allProps []models.Proposition
	for _, c := range children {
		props, _ := ExtractPropositions(ctx, ig.llmClient, c)
		allProps = append(allProps, props...)
	}
	if len(allProps) > 0 {
		if err := ig.store.PutPropositions(ctx, allProps); err != nil {
			return Result{}, apperr.Wrap(apperr.Internal, err)
		}
	}

	var allTriples []models.Triple
	for _, p := range allProps {
		allTriples = append(allTriples, ExtractTriples(ctx, ig.llmClient, doc.UserID, doc.ID, p)...)
	}
	if len(allTriples) > 0 {
		if err := ig.store.PutTriples(ctx, allTriples); err != nil {
			ig.log.WithError(err).Warn("failed to persist extracted triples, continuing without KG augmentation for this document")
			allTriples = nil
		}
	}

	texts := make([]string, len(children))
	for i, c := range children {
		texts[i] = models.EnrichText(doc.Title, c.SectionTitle, c.Text)
	}
	vectors, err := ig.embedder.EmbedAll(ctx, texts)
	if err != nil {
		return Result{}, err
	}
	if len(vectors) != len(children) {
		return Result{}, apperr.New(apperr.Internal, "embedding count mismatch", nil)
	}
	for i, c := range children {
		if err := ig.vectors.Upsert(ctx, doc.UserID, c.ID, vectors[i]); err != nil {
			return Result{}, apperr.Wrap(apperr.DependencyUnavailable, err)
		}
	}

	return Result{
		DocumentID: doc.ID, ChunksWritten: len(allChunks),
		PropsWritten: len(allProps), TriplesWritten: len(allTriples),
	}, nil
}

// NewDocument builds a fresh Document ready for Ingest.
func NewDocument(userID, title string) models.Document {
	return models.Document{
		ID: uuid.New().String(), UserID: userID, Title: title,
		Status: models.StatusPending, CreatedAt: time.Now(),
	}
}
