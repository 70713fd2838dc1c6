// Package server exposes the discovery engine over HTTP: running discovery
// for entities, reading and batch-writing hypotheses, and driving staged
// rollouts.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/batch"
	"github.com/sells-group/signal-engine/internal/cache"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/orchestrator"
	"github.com/sells-group/signal-engine/internal/rollout"
	"github.com/sells-group/signal-engine/internal/store"
)

// Deps carries the components the server fronts.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Pool         *orchestrator.Pool
	Gateway      *batch.Gateway
	Access       cache.Accessor
	Store        store.Store
	// Monitor is optional; rollout routes 404 without it.
	Monitor *rollout.Monitor
}

// Server handles HTTP API requests.
type Server struct {
	deps    Deps
	log     *zap.Logger
	nowFunc func() time.Time
}

// New creates a Server over its dependencies.
func New(deps Deps) (*Server, error) {
	if deps.Orchestrator == nil || deps.Pool == nil || deps.Gateway == nil || deps.Access == nil || deps.Store == nil {
		return nil, eris.New("server: orchestrator, pool, gateway, access, and store are required")
	}
	return &Server{
		deps:    deps,
		log:     zap.L().With(zap.String("component", "server")),
		nowFunc: time.Now,
	}, nil
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/discovery", func(r chi.Router) {
		r.Post("/run", s.handleDiscoveryRun)
		r.Post("/batch", s.handleDiscoveryBatch)
	})

	r.Route("/hypotheses", func(r chi.Router) {
		r.Get("/{id}", s.handleGetHypothesis)
		r.Post("/batch", s.handleCreateBatch)
		r.Post("/confidence-batch", s.handleConfidenceBatch)
	})

	r.Get("/entities/{entityID}/hypotheses", s.handleListHypotheses)

	r.Route("/rollout", func(r chi.Router) {
		r.Get("/status", s.handleRolloutStatus)
		r.Get("/{stage}/metrics", s.handleRolloutMetrics)
		r.Post("/advance", s.handleRolloutAdvance)
		r.Post("/rollback", s.handleRolloutRollback)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runResponse is the wire form of an orchestrator result.
type runResponse struct {
	EntityID      string                    `json:"entity_id"`
	ConfigVersion string                    `json:"config_version"`
	TotalCost     float64                   `json:"total_cost"`
	Iterations    int                       `json:"iterations"`
	Hypotheses    []model.HypothesisOutcome `json:"hypotheses"`
	DurationMs    int64                     `json:"duration_ms"`
	Error         string                    `json:"error,omitempty"`
}

func toRunResponse(res orchestrator.Result) runResponse {
	out := runResponse{
		EntityID:      res.EntityID,
		ConfigVersion: res.ConfigVersion,
		TotalCost:     res.TotalCost,
		Iterations:    res.Iterations,
		Hypotheses:    res.Hypotheses,
		DurationMs:    res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func (s *Server) handleDiscoveryRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entity model.Entity       `json:"entity"`
		Stage  model.RolloutStage `json:"stage,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Entity.ID == "" || req.Entity.Name == "" {
		writeError(w, http.StatusBadRequest, "entity id and name are required")
		return
	}

	res := s.deps.Orchestrator.Run(r.Context(), req.Entity)

	if req.Stage != "" && s.deps.Monitor != nil {
		if model.StageOrder(req.Stage) < 0 {
			writeError(w, http.StatusBadRequest, "unknown rollout stage")
			return
		}
		rec := res.Record(req.Stage, s.nowFunc().UTC())
		if err := s.deps.Monitor.Record(r.Context(), rec); err != nil {
			s.log.Error("record rollout outcome", zap.String("entity", req.Entity.ID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, toRunResponse(res))
}

func (s *Server) handleDiscoveryBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entities []model.Entity `json:"entities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Entities) == 0 {
		writeError(w, http.StatusBadRequest, "entities are required")
		return
	}

	results := s.deps.Pool.RunBatch(r.Context(), req.Entities)
	out := make([]runResponse, len(results))
	for i, res := range results {
		out[i] = toRunResponse(res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleGetHypothesis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h, err := s.deps.Access.Get(r.Context(), id)
	if err != nil {
		if eris.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "hypothesis not found")
			return
		}
		s.log.Error("get hypothesis", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleListHypotheses(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	var states []model.HypothesisState
	if raw := r.URL.Query().Get("state"); raw != "" {
		states = append(states, model.HypothesisState(raw))
	}

	hs, err := s.deps.Store.ListHypotheses(r.Context(), entityID, states)
	if err != nil {
		s.log.Error("list hypotheses", zap.String("entity", entityID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hypotheses": hs})
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hypotheses []model.Hypothesis `json:"hypotheses"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	n, err := s.deps.Gateway.CreateMany(r.Context(), req.Hypotheses)
	if err != nil {
		s.log.Error("batch create", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requested": len(req.Hypotheses),
		"created":   n,
	})
}

func (s *Server) handleConfidenceBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Updates []store.ConfidenceUpdate `json:"updates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	n, err := s.deps.Gateway.UpdateConfidencesBatch(r.Context(), req.Updates)
	if err != nil {
		s.log.Error("batch confidence update", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requested": len(req.Updates),
		"updated":   n,
	})
}

func (s *Server) handleRolloutStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		writeError(w, http.StatusNotFound, "rollout is not configured")
		return
	}
	cp, ok := s.deps.Monitor.Status()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": true, "checkpoint": cp})
}

func (s *Server) handleRolloutMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		writeError(w, http.StatusNotFound, "rollout is not configured")
		return
	}
	stage := model.RolloutStage(chi.URLParam(r, "stage"))
	if model.StageOrder(stage) < 0 {
		writeError(w, http.StatusBadRequest, "unknown rollout stage")
		return
	}

	metrics, err := s.deps.Monitor.AggregateMetrics(r.Context(), stage)
	if err != nil {
		s.log.Error("aggregate metrics", zap.String("stage", string(stage)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleRolloutAdvance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		writeError(w, http.StatusNotFound, "rollout is not configured")
		return
	}
	stage, err := s.deps.Monitor.Advance(r.Context())
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"stage": stage,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stage": stage})
}

func (s *Server) handleRolloutRollback(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		writeError(w, http.StatusNotFound, "rollout is not configured")
		return
	}
	var req struct {
		ToVersion string `json:"to_version"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := s.deps.Monitor.Rollback(r.Context(), req.ToVersion); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled back"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
