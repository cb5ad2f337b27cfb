// Command academe wires the retrieval core's packages into a runnable
// service: document ingestion over a bounded worker pool and question
// answering over the hybrid retrieval + self-RAG orchestrator, fronted by
// a thin chi HTTP surface. None of the wiring here is part of the tested
// core — every dependency is a direct construction of the packages under
// internal/.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Klarline/academe/internal/background"
	"github.com/Klarline/academe/internal/cache"
	"github.com/Klarline/academe/internal/concurrency"
	"github.com/Klarline/academe/internal/config"
	"github.com/Klarline/academe/internal/database"
	"github.com/Klarline/academe/internal/ingest"
	"github.com/Klarline/academe/internal/knowledge"
	"github.com/Klarline/academe/internal/lexical"
	"github.com/Klarline/academe/internal/llm"
	"github.com/Klarline/academe/internal/orchestrator"
	"github.com/Klarline/academe/internal/rag"
	"github.com/Klarline/academe/internal/server"
	"github.com/Klarline/academe/internal/vectordb"
	"github.com/Klarline/academe/internal/vectordb/qdrant"
)

func main() {
	configPath := flag.String("config", "", "optional YAML file overriding the environment-derived configuration")
	devMode := flag.Bool("dev", false, "run against in-process memory stores instead of Postgres/Qdrant/Redis")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadWithOverrides(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, vectorIndex, closeStore := buildStores(ctx, cfg, *devMode, log)
	defer closeStore()

	lexMgr, err := lexical.NewManager(256, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build lexical index manager")
	}

	embedder := llm.NewFakeEmbedder(384)
	llmClient := llm.NewFakeClient()
	reranker := llm.NewFakeReranker()

	retriever := rag.NewRetriever(
		&rag.LexicalAdapter{Manager: lexMgr, Store: store},
		&rag.VectorAdapter{Index: vectorIndex},
		embedder, reranker, &rag.StoreLookup{Store: store},
		rag.Config{
			LexicalTopK: cfg.Retrieval.LexicalTopK, VectorTopK: cfg.Retrieval.VectorTopK,
			RerankTopK: cfg.Retrieval.RerankTopK, FinalTopK: cfg.Retrieval.DefaultTopK,
			ExpandWindow: 1, EnableRerank: true,
		},
		log,
	)

	var redisClient *cache.RedisClient
	if cfg.Redis.Enabled {
		redisClient = cache.NewRedisClient(cfg.Redis)
	}
	respCache := cache.NewResponseCache(cfg.Cache.MaxEntriesPerUser, cfg.Cache.TTL, cfg.Retrieval.CacheSimThreshold, redisClient, log)

	augmenter := knowledge.NewAugmenter(store, knowledge.Config{MaxHops: cfg.Retrieval.KGMaxHops, MaxTriples: cfg.Retrieval.KGMaxTriples}, log)

	orch := orchestrator.NewOrchestrator(retriever, respCache, augmenter, store, llmClient, embedder, orchestrator.Config{
		MaxSelfRAGRounds: cfg.Retrieval.MaxSelfRAGRounds,
	}, log)

	ingestor := ingest.NewIngestor(store, vectorIndex, llmClient, embedder, lexMgr, cfg.Ingest, log)
	pool := background.NewPool(cfg.Ingest.MaxConcurrentDocs, cfg.Ingest.QueueCapacity, ingestor, store, cfg.Ingest.ReapTimeout, log)
	pool.Start()
	defer pool.Stop(30 * time.Second)

	answerGate := concurrency.NewRetrievalGate(cfg.Retrieval.MaxConcurrentAnswers)
	srv := server.NewServer(pool, orch, store, answerGate, cfg.Server, cfg.Deadlines, log)
	if err := srv.Start(ctx); err != nil {
		log.WithError(err).Fatal("HTTP server exited with an error")
	}
	log.Info("shutdown complete")
}

// buildStores wires the ChunkStore and VectorIndex either against
// Postgres/Qdrant or, in dev mode, against in-process equivalents. The
// returned close func releases any held connections.
func buildStores(ctx context.Context, cfg *config.Config, devMode bool, log *logrus.Logger) (database.ChunkStore, vectordb.VectorIndex, func()) {
	if devMode {
		log.Info("dev mode: using in-memory ChunkStore and VectorIndex")
		return database.NewMemoryStore(), vectordb.NewMemoryIndex(), func() {}
	}

	pgStore, err := database.NewPostgresStore(ctx, cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to Postgres")
	}
	if err := pgStore.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("failed to run database migrations")
	}

	qdrantClient, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.Qdrant.Host, Port: cfg.Qdrant.Port, APIKey: cfg.Qdrant.APIKey,
		Collection: "academe_chunks", VectorSize: 384, Timeout: cfg.Qdrant.Timeout,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build Qdrant client")
	}
	if err := qdrantClient.Connect(ctx); err != nil {
		log.WithError(err).Fatal("failed to connect to Qdrant")
	}
	if err := qdrantClient.EnsureCollection(ctx); err != nil {
		log.WithError(err).Fatal("failed to ensure Qdrant collection")
	}

	return pgStore, qdrant.NewAdapter(qdrantClient), func() {
		pgStore.Close()
		_ = qdrantClient.Close()
	}
}
