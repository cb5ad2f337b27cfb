package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Klarline/academe/internal/apperr"
	"github.com/Klarline/academe/internal/background"
	"github.com/Klarline/academe/internal/ingest"
	"github.com/Klarline/academe/internal/models"
)

type submitDocumentRequest struct {
	UserID     string `json:"user_id"`
	Title      string `json:"title"`
	SourceType string `json:"source_type,omitempty"`
	Text       string `json:"text"`
}

func (s *Server) handleSubmitDocument(w http.ResponseWriter, r *http.Request) {
	var req submitDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Text == "" {
		s.respondError(w, http.StatusBadRequest, "user_id and text are required")
		return
	}

	doc := ingest.NewDocument(req.UserID, req.Title)
	if req.SourceType != "" {
		doc.SourceType = models.SourceType(req.SourceType)
	}
	if err := s.store.PutDocument(r.Context(), doc); err != nil {
		s.log.WithError(err).Error("submitDocument: failed to persist document row")
		s.respondError(w, http.StatusInternalServerError, "failed to record document")
		return
	}

	if err := s.pool.Submit(background.Job{Document: doc, Text: req.Text}); err != nil {
		if apperr.Is(err, apperr.Overloaded) {
			s.respondJSON(w, http.StatusTooManyRequests, map[string]string{"id": doc.ID, "status": "busy"})
			return
		}
		s.log.WithError(err).Error("submitDocument: failed to enqueue ingestion job")
		s.respondError(w, http.StatusInternalServerError, "failed to enqueue ingestion")
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]string{"id": doc.ID, "status": "queued"})
}

func (s *Server) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		s.respondAppError(w, err, "document not found")
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

type answerRequest struct {
	UserID           string `json:"user_id"`
	Query            string `json:"query"`
	ConversationHint string `json:"conversation_hint,omitempty"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Query == "" {
		s.respondError(w, http.StatusBadRequest, "user_id and query are required")
		return
	}

	release, err := s.gate.Admit()
	if err != nil {
		s.respondAppError(w, err, "answer capacity saturated")
		return
	}
	defer release()

	ctx := r.Context()
	if s.deadline.Answer > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deadline.Answer)
		defer cancel()
	}

	ans, err := s.orch.Answer(ctx, req.UserID, req.Query, req.ConversationHint)
	if err != nil {
		s.log.WithFields(logrus.Fields{"user_id": req.UserID}).WithError(err).Warn("answer request failed")
		s.respondAppError(w, err, "failed to answer question")
		return
	}
	s.respondJSON(w, http.StatusOK, ans)
}

type feedbackRequest struct {
	UserID  string `json:"user_id"`
	QueryID string `json:"query_id"`
	Thumbs  string `json:"thumbs"`
	Comment string `json:"comment,omitempty"`
}

func (s *Server) handleRateAnswer(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.QueryID == "" || (req.Thumbs != "up" && req.Thumbs != "down") {
		s.respondError(w, http.StatusBadRequest, "user_id, query_id, and thumbs (up|down) are required")
		return
	}

	fb := models.Feedback{
		ID: uuid.New().String(), UserID: req.UserID, QueryID: req.QueryID,
		Thumbs: req.Thumbs, Comment: req.Comment, CreatedAt: time.Now(),
	}
	if err := s.store.PutFeedback(r.Context(), fb); err != nil {
		s.log.WithError(err).Error("rateAnswer: failed to persist feedback")
		s.respondError(w, http.StatusInternalServerError, "failed to record feedback")
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Error("failed to encode response body")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondAppError maps an apperr.Kind to an HTTP status, falling back to
// fallback for a Kind with no better mapping.
func (s *Server) respondAppError(w http.ResponseWriter, err error, fallback string) {
	switch apperr.KindOf(err) {
	case apperr.InputInvalid:
		s.respondError(w, http.StatusBadRequest, err.Error())
	case apperr.NotFound:
		s.respondError(w, http.StatusNotFound, fallback)
	case apperr.Overloaded:
		s.respondError(w, http.StatusServiceUnavailable, "busy, retry shortly")
	case apperr.RetrievalUnavailable, apperr.DependencyUnavailable, apperr.DependencyTimeout:
		s.respondError(w, http.StatusServiceUnavailable, fallback)
	default:
		s.respondError(w, http.StatusInternalServerError, fallback)
	}
}
