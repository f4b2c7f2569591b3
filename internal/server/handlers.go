package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/embedd/internal/dispatch"
	"github.com/hyperjump/embedd/internal/engine"
)

// embedRequest is the body of POST /embed.
type embedRequest struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

// embedBatchRequest is the body of POST /embed/batch.
type embedBatchRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embedding        []float32 `json:"embedding"`
	ModelName        string    `json:"model_name"`
	Dimension        int       `json:"dimension"`
	TextLength       int       `json:"text_length"`
	ProcessingTimeMs float64   `json:"processing_time_ms"`
}

type embedBatchResponse struct {
	Embeddings       [][]float32 `json:"embeddings"`
	ModelName        string      `json:"model_name"`
	Dimension        int         `json:"dimension"`
	Count            int         `json:"count"`
	ProcessingTimeMs float64     `json:"processing_time_ms"`
}

type modelHealth struct {
	Name           string  `json:"name"`
	Ready          bool    `json:"ready"`
	LoadedAt       string  `json:"loaded_at,omitempty"`
	LastUsed       string  `json:"last_used,omitempty"`
	LoadDurationMs float64 `json:"load_duration_ms,omitempty"`
}

type cacheInfo struct {
	CachedModels int `json:"cached_models"`
	MaxModels    int `json:"max_models"`
	TTLSeconds   int `json:"ttl_seconds"`
}

type healthResponse struct {
	Status        string        `json:"status"`
	Models        []modelHealth `json:"models"`
	CacheInfo     cacheInfo     `json:"cache_info"`
	UptimeSeconds float64       `json:"uptime_seconds"`
}

type modelsResponse struct {
	RequiredModels []string `json:"required_models"`
	CachedModels   []string `json:"cached_models"`
	AllowedModels  []string `json:"allowed_models"`
}

type modelInfoResponse struct {
	Name           string  `json:"name"`
	Cached         bool    `json:"cached"`
	Ready          bool    `json:"ready"`
	Dimension      int     `json:"dimension,omitempty"`
	LoadedAt       string  `json:"loaded_at,omitempty"`
	LastUsed       string  `json:"last_used,omitempty"`
	LoadDurationMs float64 `json:"load_duration_ms,omitempty"`
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.dispatcher.Embed(r.Context(), req.Model, req.Text)
	if err != nil {
		s.respondDispatchError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, embedResponse{
		Embedding:        res.Embedding,
		ModelName:        req.Model,
		Dimension:        res.Dimensions,
		TextLength:       len(req.Text),
		ProcessingTimeMs: float64(res.Elapsed) / float64(time.Millisecond),
	})
}

func (s *Server) handleEmbedBatch(w http.ResponseWriter, r *http.Request) {
	var req embedBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.dispatcher.EmbedBatch(r.Context(), req.Model, req.Texts)
	if err != nil {
		s.respondDispatchError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, embedBatchResponse{
		Embeddings:       res.Embeddings,
		ModelName:        req.Model,
		Dimension:        res.Dimensions,
		Count:            len(res.Embeddings),
		ProcessingTimeMs: float64(res.Elapsed) / float64(time.Millisecond),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.cache.Snapshot()
	models := make([]modelHealth, 0, len(statuses))
	for _, st := range statuses {
		models = append(models, modelHealth{
			Name:           st.Name,
			Ready:          st.Ready(),
			LoadedAt:       formatTime(st.LoadedAt),
			LastUsed:       formatTime(st.LastUsed),
			LoadDurationMs: float64(st.LoadDuration) / float64(time.Millisecond),
		})
	}
	s.respondJSON(w, http.StatusOK, healthResponse{
		Status: "healthy",
		Models: models,
		CacheInfo: cacheInfo{
			CachedModels: s.cache.ReadyCount(),
			MaxModels:    s.cfg.Cache.MaxModels,
			TTLSeconds:   s.cfg.Cache.TTLSeconds,
		},
		UptimeSeconds: s.recorder.Uptime().Seconds(),
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	required := append([]string(nil), s.cfg.Models.Required...)
	sort.Strings(required)
	s.respondJSON(w, http.StatusOK, modelsResponse{
		RequiredModels: required,
		CachedModels:   s.cache.CachedModels(),
		AllowedModels:  s.dispatcher.AllowedModels(),
	})
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if st, ok := s.cache.Info(name); ok {
		s.respondJSON(w, http.StatusOK, modelInfoResponse{
			Name:           st.Name,
			Cached:         true,
			Ready:          st.Ready(),
			Dimension:      st.Dimensions,
			LoadedAt:       formatTime(st.LoadedAt),
			LastUsed:       formatTime(st.LastUsed),
			LoadDurationMs: float64(st.LoadDuration) / float64(time.Millisecond),
		})
		return
	}

	// Not cached right now; fall back to the load audit so a model that was
	// evicted still reports its last load.
	if s.audit != nil {
		rec, found, err := s.audit.LastLoad(r.Context(), name)
		if err != nil {
			s.logger.Warn("audit lookup failed", zap.String("model", name), zap.Error(err))
		} else if found {
			s.respondJSON(w, http.StatusOK, modelInfoResponse{
				Name:           rec.Model,
				Cached:         false,
				Ready:          false,
				LoadedAt:       formatTime(rec.LoadedAt),
				LoadDurationMs: float64(rec.LoadDuration) / float64(time.Millisecond),
			})
			return
		}
	}

	s.respondError(w, r, http.StatusNotFound, "model not found: "+name)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Metrics.EnabledOrDefault() {
		s.respondError(w, r, http.StatusForbidden, "metrics are disabled")
		return
	}
	s.respondJSON(w, http.StatusOK, s.recorder.Snapshot())
}

// respondDispatchError maps dispatcher and engine errors onto HTTP statuses.
func (s *Server) respondDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *dispatch.ValidationError
		timeoutErr    *dispatch.TimeoutError
		loadErr       *engine.LoadError
		computeErr    *engine.ComputeError
	)
	switch {
	case errors.As(err, &validationErr):
		s.respondError(w, r, http.StatusBadRequest, validationErr.Msg)
	case errors.As(err, &timeoutErr):
		s.respondError(w, r, http.StatusGatewayTimeout, timeoutErr.Error())
	case errors.As(err, &loadErr):
		s.respondError(w, r, http.StatusBadGateway, loadErr.Error())
	case errors.As(err, &computeErr):
		s.respondError(w, r, http.StatusInternalServerError, computeErr.Error())
	default:
		s.logger.Error("unexpected dispatch error",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err),
		)
		s.respondError(w, r, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if status >= 500 {
		s.logger.Warn("request failed",
			zap.Int("status", status),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("error", msg),
		)
	}
	s.respondJSON(w, status, map[string]string{"error": msg})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
