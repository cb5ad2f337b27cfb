// Package qdrant adapts Qdrant's HTTP API to the core's VectorIndex
// contract: upsert, search, and delete over per-chunk embedding vectors.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Klarline/academe/internal/apperr"
)

// Config describes how to reach a Qdrant instance.
type Config struct {
	Host       string
	Port       string
	APIKey     string
	Collection string
	VectorSize int
	Timeout    time.Duration
}

func (c *Config) httpURL() string {
	return fmt.Sprintf("http://%s:%s", c.Host, c.Port)
}

// Point is a single embedding plus its retrieval payload.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// ScoredPoint is a Point returned from a similarity search with its score.
type ScoredPoint struct {
	ID      string                 `json:"id"`
	Score   float32                `json:"score"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// SearchOptions controls a single similarity query.
type SearchOptions struct {
	Limit          int
	ScoreThreshold float32
	Filter         map[string]interface{}
	WithPayload    bool
}

func DefaultSearchOptions() *SearchOptions {
	return &SearchOptions{Limit: 20, WithPayload: true}
}

// Client talks to Qdrant over its REST API.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *logrus.Entry
	mu         sync.RWMutex
	connected  bool
}

func NewClient(cfg *Config, logger *logrus.Logger) (*Client, error) {
	if cfg == nil {
		return nil, apperr.New(apperr.InputInvalid, "qdrant config required", nil)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.WithField("component", "qdrant"),
	}, nil
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.healthCheckLocked(ctx); err != nil {
		return apperr.New(apperr.DependencyUnavailable, "vector index unreachable", err)
	}
	c.connected = true
	c.logger.Info("connected to qdrant")
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *Client) healthCheckLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.httpURL(), nil)
	if err != nil {
		return err
	}
	c.setAuthHeader(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.config.APIKey != "" {
		req.Header.Set("api-key", c.config.APIKey)
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	url := c.config.httpURL() + path

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.New(apperr.DependencyTimeout, "vector index call timed out", err)
		}
		return nil, apperr.New(apperr.DependencyUnavailable, "vector index unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.New(apperr.DependencyUnavailable,
			"vector index request failed", fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
	}
	return respBody, nil
}

// EnsureCollection creates the configured collection if it does not exist.
func (c *Client) EnsureCollection(ctx context.Context) error {
	path := fmt.Sprintf("/collections/%s", c.config.Collection)
	reqBody := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     c.config.VectorSize,
			"distance": "Cosine",
		},
	}
	_, err := c.doRequest(ctx, http.MethodPut, path, reqBody)
	return err
}

// Upsert writes or overwrites points in the configured collection.
func (c *Client) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	path := fmt.Sprintf("/collections/%s/points", c.config.Collection)
	_, err := c.doRequest(ctx, http.MethodPut, path, map[string]interface{}{"points": points})
	if err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{"count": len(points)}).Debug("points upserted")
	return nil
}

// Delete removes points by ID from the configured collection.
func (c *Client) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	path := fmt.Sprintf("/collections/%s/points/delete", c.config.Collection)
	_, err := c.doRequest(ctx, http.MethodPost, path, map[string]interface{}{"points": ids})
	return err
}

// Search runs a cosine similarity query against the configured collection.
func (c *Client) Search(ctx context.Context, vector []float32, opts *SearchOptions) ([]ScoredPoint, error) {
	if opts == nil {
		opts = DefaultSearchOptions()
	}
	reqBody := map[string]interface{}{
		"vector":       vector,
		"limit":        opts.Limit,
		"with_payload": opts.WithPayload,
	}
	if opts.ScoreThreshold > 0 {
		reqBody["score_threshold"] = opts.ScoreThreshold
	}
	if opts.Filter != nil {
		reqBody["filter"] = opts.Filter
	}

	path := fmt.Sprintf("/collections/%s/points/search", c.config.Collection)
	respBody, err := c.doRequest(ctx, http.MethodPost, path, reqBody)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Result []ScoredPoint `json:"result"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}
	return parsed.Result, nil
}
