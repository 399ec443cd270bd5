package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/sentence-pooler/internal/embeddings"
	"github.com/raaihank/sentence-pooler/internal/pooling"
	"github.com/raaihank/sentence-pooler/internal/search"
	"github.com/raaihank/sentence-pooler/internal/websocket"
)

// maxEmbedTexts bounds the number of texts accepted by one /v1/embed call
const maxEmbedTexts = 1024

type poolRequest struct {
	Strategy        string        `json:"strategy"`
	TokenEmbeddings [][][]float32 `json:"token_embeddings"`
	AttentionMask   [][]int64     `json:"attention_mask"`
	Normalize       bool          `json:"normalize"`
}

type poolResponse struct {
	Strategy   pooling.Strategy `json:"strategy"`
	Shape      [2]int           `json:"shape"`
	Embeddings [][]float32      `json:"embeddings"`
}

type embedRequest struct {
	Texts     []string `json:"texts"`
	Strategy  string   `json:"strategy"`
	Normalize *bool    `json:"normalize"`
}

type embedResponse struct {
	Strategy    pooling.Strategy `json:"strategy"`
	Embeddings  [][]float32      `json:"embeddings"`
	Dimensions  int              `json:"dimensions"`
	Normalized  bool             `json:"normalized"`
	TotalTokens int              `json:"total_tokens"`
	CacheHits   int              `json:"cache_hits"`
	Successful  int              `json:"successful"`
	Failed      int              `json:"failed"`
	Errors      []string         `json:"errors,omitempty"`
	DurationMS  float64          `json:"duration_ms"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// handleHealth handles health check requests. ?deep=true also runs the
// embedding pipeline once.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	}

	if r.URL.Query().Get("deep") == "true" {
		if err := s.service.HealthCheck(r.Context()); err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}

	writeJSON(w, http.StatusOK, body)
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":              "sentence-pooler",
		"version":           s.version,
		"default_strategy":  s.service.DefaultStrategy(),
		"strategies":        pooling.AllStrategies(),
		"model":             s.service.GetModelInfo(),
		"search_enabled":    s.search != nil,
		"websocket_enabled": s.wsHub != nil,
	})
}

// handlePool pools caller-supplied token embeddings
func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req poolRequest
	if !s.decode(w, r, &req) {
		return
	}

	event := websocket.PoolingEvent{Strategy: req.Strategy}
	defer func() {
		event.ProcessingMS = float64(time.Since(start).Microseconds()) / 1000
		s.broadcast(websocket.Event{
			Type:      websocket.EventTypePooling,
			RequestID: getRequestID(r.Context()),
			Data:      event,
		})
	}()

	pooled, strategy, err := s.pool(&req)
	if err != nil {
		event.Error = err.Error()
		s.writeError(w, r, err)
		return
	}

	rows := pooled.Rows()
	if req.Normalize {
		for i, row := range rows {
			rows[i] = embeddings.NormalizeEmbedding(row)
		}
	}

	event.Strategy = string(strategy)
	event.BatchSize = pooled.Batch
	event.HiddenSize = pooled.Hidden
	if len(req.TokenEmbeddings) > 0 {
		event.SeqLen = len(req.TokenEmbeddings[0])
	}

	writeJSON(w, http.StatusOK, poolResponse{
		Strategy:   strategy,
		Shape:      pooled.Shape(),
		Embeddings: rows,
	})
}

func (s *Server) pool(req *poolRequest) (*pooling.PooledEmbedding, pooling.Strategy, error) {
	strategy := s.service.DefaultStrategy()
	if req.Strategy != "" {
		parsed, err := pooling.ParseStrategy(req.Strategy)
		if err != nil {
			return nil, "", err
		}
		strategy = parsed
	}

	tokens, err := pooling.TokenEmbeddingsFromNested(req.TokenEmbeddings)
	if err != nil {
		return nil, "", err
	}

	// A missing mask means every position is a real token
	var mask *pooling.AttentionMask
	if req.AttentionMask != nil {
		mask, err = pooling.AttentionMaskFromNested(req.AttentionMask)
		if err != nil {
			return nil, "", err
		}
	} else {
		ones := make([]int64, tokens.Batch*tokens.SeqLen)
		for i := range ones {
			ones[i] = 1
		}
		mask, err = pooling.NewAttentionMask(tokens.Batch, tokens.SeqLen, ones)
		if err != nil {
			return nil, "", err
		}
	}

	pooled, err := s.service.Pooler().Pool(strategy, tokens, mask)
	if err != nil {
		return nil, "", err
	}
	return pooled, strategy, nil
}

// handleEmbed embeds texts with the configured encoder and pooling strategy
func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req embedRequest
	if !s.decode(w, r, &req) {
		return
	}

	if len(req.Texts) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: texts cannot be empty", embeddings.ErrInvalidInput))
		return
	}
	if len(req.Texts) > maxEmbedTexts {
		s.writeError(w, r, fmt.Errorf("%w: at most %d texts per request", embeddings.ErrInvalidInput, maxEmbedTexts))
		return
	}
	for i, text := range req.Texts {
		if strings.TrimSpace(text) == "" {
			s.writeError(w, r, fmt.Errorf("%w: text %d is empty", embeddings.ErrInvalidInput, i))
			return
		}
	}

	opts := embeddings.Options{Strategy: pooling.Strategy(req.Strategy), Normalize: req.Normalize}
	result, err := s.service.GenerateBatchEmbeddings(r.Context(), req.Texts, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if result.Successful == 0 && len(result.Errors) > 0 {
		s.writeError(w, r, result.Errors[0])
		return
	}
	s.totalEmbeddings.Add(int64(result.Successful))

	normalized := s.config.Pooling.Normalize
	if req.Normalize != nil {
		normalized = *req.Normalize
	}
	resp := embedResponse{
		Strategy:    result.Strategy,
		Embeddings:  result.Embeddings,
		Dimensions:  result.Dimensions,
		Normalized:  normalized,
		TotalTokens: result.TotalTokens,
		CacheHits:   result.CacheHits,
		Successful:  result.Successful,
		Failed:      result.Failed,
		DurationMS:  float64(result.Duration.Microseconds()) / 1000,
	}
	for _, e := range result.Errors {
		resp.Errors = append(resp.Errors, e.Error())
	}

	s.broadcast(websocket.Event{
		Type:      websocket.EventTypeEmbedding,
		RequestID: getRequestID(r.Context()),
		Data: websocket.EmbeddingEvent{
			Strategy:     string(result.Strategy),
			Texts:        len(req.Texts),
			Successful:   result.Successful,
			Failed:       result.Failed,
			Dimensions:   result.Dimensions,
			CacheHits:    result.CacheHits,
			TotalTokens:  result.TotalTokens,
			ProcessingMS: resp.DurationMS,
		},
	})

	writeJSON(w, http.StatusOK, resp)
}

// handleSearch finds stored sentences similar to a query
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeErrorStatus(w, http.StatusServiceUnavailable, "search_unavailable", "vector store is not configured")
		return
	}

	var query search.Query
	if !s.decode(w, r, &query) {
		return
	}

	result, err := s.search.Search(r.Context(), query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleStats reports service, cache, store and websocket statistics
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	stats := map[string]interface{}{
		"uptime":               time.Since(s.started).Round(time.Second).String(),
		"total_requests":       s.totalRequests.Load(),
		"embeddings":           s.service.GetStats(),
		"rate_limited_clients": s.limiter.Clients(),
	}
	if s.wsHub != nil {
		stats["websocket"] = s.wsHub.GetStats()
	}
	if s.cache != nil {
		if cacheStats, err := s.cache.GetStats(ctx); err == nil {
			stats["cache"] = cacheStats
		} else {
			s.logger.Warn("Failed to read cache stats", zap.Error(err))
		}
	}
	if s.vectors != nil {
		if vectorStats, err := s.vectors.GetStats(ctx); err == nil {
			stats["vectors"] = vectorStats
		} else {
			s.logger.Warn("Failed to read vector stats", zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

// decode reads a JSON body; it writes the error response and returns false
// on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorStatus(w, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeErrorStatus(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

// writeError maps service and pooling errors to HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := classifyError(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status_code", status),
			zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func classifyError(err error) (int, errorDetail) {
	detail := errorDetail{Type: "internal_error", Message: err.Error()}

	var embErr *embeddings.EmbeddingError
	if errors.As(err, &embErr) {
		detail.Type, detail.Code = embErr.Type, embErr.Code
		switch embErr {
		case embeddings.ErrInvalidInput, embeddings.ErrTokenizationFailed:
			return http.StatusBadRequest, detail
		case embeddings.ErrModelNotLoaded, embeddings.ErrTimeoutError:
			return http.StatusServiceUnavailable, detail
		default:
			return http.StatusInternalServerError, detail
		}
	}

	var poolErr *pooling.PoolingError
	if errors.As(err, &poolErr) {
		detail.Type, detail.Code = poolErr.Type, poolErr.Code
		return http.StatusBadRequest, detail
	}

	if errors.Is(err, context.DeadlineExceeded) {
		detail.Type = "timeout_error"
		return http.StatusServiceUnavailable, detail
	}

	return http.StatusInternalServerError, detail
}

func writeErrorStatus(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Type: errType, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
