package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	"github.com/Klarline/academe/internal/vectordb"
)

func buildTestServer(t *testing.T) (*Server, *database.MemoryStore) {
	return buildTestServerWithGateCapacity(t, 10)
}

func buildTestServerWithGateCapacity(t *testing.T, gateCapacity int) (*Server, *database.MemoryStore) {
	store := database.NewMemoryStore()
	vecIdx := vectordb.NewMemoryIndex()
	embedder := llm.NewFakeEmbedder(8)
	client := llm.NewFakeClient()

	lexMgr, err := lexical.NewManager(10, nil)
	require.NoError(t, err)

	ingestor := ingest.NewIngestor(store, vecIdx, client, embedder, lexMgr, config.IngestConfig{
		EmbedMaxRetries: 1, EmbedBatchByteCap: 1 << 20,
	}, nil)
	pool := background.NewPool(1, 4, ingestor, store, time.Minute, nil)
	pool.Start()
	t.Cleanup(func() { pool.Stop(time.Second) })

	retriever := rag.NewRetriever(
		&rag.LexicalAdapter{Manager: lexMgr, Store: store},
		&rag.VectorAdapter{Index: vecIdx},
		embedder, llm.NewFakeReranker(), &rag.StoreLookup{Store: store}, rag.DefaultConfig(), nil,
	)
	respCache := cache.NewResponseCache(10, 0, 0.95, nil, nil)
	augmenter := knowledge.NewAugmenter(store, knowledge.DefaultConfig(), nil)
	orch := orchestrator.NewOrchestrator(retriever, respCache, augmenter, store, client, embedder, orchestrator.DefaultConfig(), nil)

	gate := concurrency.NewRetrievalGate(gateCapacity)
	srv := NewServer(pool, orch, store, gate, config.ServerConfig{CORSOrigins: []string{"*"}}, config.DeadlineConfig{Answer: 5 * time.Second}, nil)
	return srv, store
}

func TestHandleHealth(t *testing.T) {
	srv, _ := buildTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleSubmitDocumentAndStatus(t *testing.T) {
	srv, store := buildTestServer(t)

	body, _ := json.Marshal(map[string]string{"user_id": "user-1", "title": "Notes", "text": "Stacks and queues are linear data structures."})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	docID := resp["id"]
	require.NotEmpty(t, docID)
	assert.Equal(t, "queued", resp["status"])

	require.Eventually(t, func() bool {
		doc, err := store.GetDocument(context.Background(), docID)
		return err == nil && doc.Status != "pending" && doc.Status != "processing"
	}, 2*time.Second, 10*time.Millisecond)

	statusReq := httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+docID, nil)
	statusRR := httptest.NewRecorder()
	srv.router().ServeHTTP(statusRR, statusReq)
	assert.Equal(t, http.StatusOK, statusRR.Code)
}

func TestHandleSubmitDocumentRejectsMissingFields(t *testing.T) {
	srv, _ := buildTestServer(t)

	body, _ := json.Marshal(map[string]string{"title": "Notes"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleDocumentStatusNotFound(t *testing.T) {
	srv, _ := buildTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/does-not-exist", nil)
	rr := httptest.NewRecorder()
	srv.router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleAnswerReturnsGracefulResultWithNoDocuments(t *testing.T) {
	srv, _ := buildTestServer(t)

	body, _ := json.Marshal(map[string]string{"user_id": "user-empty", "query": "What is a linked list?"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/answer", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var ans orchestrator.Answer
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ans))
	assert.Empty(t, ans.Sources)
}

func TestHandleRateAnswer(t *testing.T) {
	srv, _ := buildTestServer(t)

	body, _ := json.Marshal(map[string]string{"user_id": "user-1", "query_id": "q1", "thumbs": "up"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/feedback", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestHandleAnswerRejectsWhenGateSaturated(t *testing.T) {
	srv, _ := buildTestServerWithGateCapacity(t, 1)
	release, err := srv.gate.Admit()
	require.NoError(t, err)
	defer release()

	body, _ := json.Marshal(map[string]string{"user_id": "user-1", "query": "What is a linked list?"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/answer", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHandleRateAnswerRejectsInvalidThumbs(t *testing.T) {
	srv, _ := buildTestServer(t)

	body, _ := json.Marshal(map[string]string{"user_id": "user-1", "query_id": "q1", "thumbs": "sideways"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/feedback", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
