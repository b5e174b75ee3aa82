package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/liamcoop/shadow/experiment"
	"github.com/liamcoop/shadow/internal/config"
	"github.com/liamcoop/shadow/internal/logger"
	"github.com/liamcoop/shadow/publish"
	"github.com/liamcoop/shadow/registry"
	"github.com/liamcoop/shadow/rules"
)

const timeFormat = time.RFC3339Nano

type Server struct {
	db          *sql.DB
	cfg         *config.Config
	experiments *registry.Manager
	runs        publish.RunReader
	sink        experiment.Publisher[any]
	router      *chi.Mux
}

// NewServer connects to the configured database, or keeps everything in
// memory when none is configured
func NewServer(cfg *config.Config) (*Server, error) {
	if cfg.InMemory() {
		logger.Warn("DATABASE_URL not set, experiments and runs are kept in memory")
		return NewInMemoryServer(cfg), nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newDBServer(db, cfg)
}

// NewServerWithDB creates a server on an existing connection with default settings
func NewServerWithDB(db *sql.DB) (*Server, error) {
	return newDBServer(db, config.Default())
}

func newDBServer(db *sql.DB, cfg *config.Config) (*Server, error) {
	manager := registry.NewManager(db)

	logger.Info("Loading experiments from database")
	if err := manager.LoadAll(); err != nil {
		return nil, fmt.Errorf("failed to load experiments: %w", err)
	}
	logger.Info("Loaded experiments", "count", len(manager.ListExperiments()))

	s := newServer(cfg, manager, publish.NewRunStore(db), publish.NewPostgresPublisher[any](db))
	s.db = db
	return s, nil
}

// NewInMemoryServer creates a server without persistence. Run history is
// bounded by cfg.RunHistory per process.
func NewInMemoryServer(cfg *config.Config) *Server {
	history := publish.NewMemoryPublisher[any](cfg.RunHistory * 10)
	return newServer(cfg, registry.NewInMemoryManager(), history, history)
}

func newServer(cfg *config.Config, manager *registry.Manager, runs publish.RunReader, sink experiment.Publisher[any]) *Server {
	s := &Server{
		cfg:         cfg,
		experiments: manager,
		runs:        runs,
		sink:        sink,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/stats", s.handleStats)

	r.Route("/api/v1/experiments", func(r chi.Router) {
		r.Get("/", s.handleListExperiments)
		r.Post("/", s.handleCreateExperiment)

		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetExperiment)
			r.Delete("/", s.handleDeleteExperiment)
			r.Post("/reload", s.handleReloadExperiment)

			// Shadow execution
			r.Post("/shadow", s.handleShadow)

			// Rule management
			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules", s.handleListRules)
			r.Post("/rules/evaluate", s.handleEvaluateRules)
			r.Get("/rules/{ruleId}", s.handleGetRule)
			r.Put("/rules/{ruleId}", s.handleUpdateRule)
			r.Delete("/rules/{ruleId}", s.handleDeleteRule)

			// Published runs
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{runId}", s.handleGetRun)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"storage":           storage,
		"experimentsLoaded": len(s.experiments.ListExperiments()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, logger.Stats())
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"experiments": s.experiments.ListExperiments(),
	})
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req CreateExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	e, err := s.experiments.CreateExperiment(req.Name, req.Description)
	if errors.Is(err, registry.ErrExperimentExists) {
		respondError(w, http.StatusConflict, "experiment already exists", err)
		return
	}
	if err != nil {
		if registry.ValidateExperimentName(req.Name) != nil {
			respondError(w, http.StatusBadRequest, "invalid experiment name", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to create experiment", err)
		return
	}

	respondJSON(w, http.StatusCreated, e)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	err := s.experiments.DeleteExperiment(name)
	if errors.Is(err, registry.ErrExperimentNotFound) {
		respondError(w, http.StatusNotFound, "experiment not found", err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete experiment", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReloadExperiment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	err := s.experiments.Reload(name)
	if errors.Is(err, registry.ErrExperimentNotFound) {
		respondError(w, http.StatusNotFound, "experiment not found", err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to reload experiment", err)
		return
	}

	engine, err := s.experiments.GetEngine(name)
	if errors.Is(err, registry.ErrExperimentNotFound) {
		respondError(w, http.StatusNotFound, "experiment not found", err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load experiment rules", err)
		return
	}
	active, err := engine.Rules()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list experiment rules", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "active",
		"rulesRecompiled": len(active),
	})
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := &rules.Rule{
		ID:         uuid.NewString(),
		Experiment: e.Name,
		Name:       req.Name,
		Kind:       req.Kind,
		Expression: req.Expression,
		Active:     req.Active == nil || *req.Active,
	}

	if err := registry.ValidateRule(rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	// AddRule compiles the expression before storing it
	if err := e.Engine.AddRule(rule); err != nil {
		respondError(w, ruleStatus(err, http.StatusBadRequest), "failed to add rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, toRuleResponse(rule))
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}

	list, err := e.Engine.ListRules()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}

	out := make([]RuleResponse, 0, len(list))
	for _, rule := range list {
		out = append(out, toRuleResponse(rule))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"rules": out,
	})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}

	rule, err := e.Engine.GetRule(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, ruleStatus(err, http.StatusInternalServerError), "failed to get rule", err)
		return
	}

	respondJSON(w, http.StatusOK, toRuleResponse(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ruleID := chi.URLParam(r, "ruleId")

	existing, err := e.Engine.GetRule(ruleID)
	if err != nil {
		respondError(w, ruleStatus(err, http.StatusInternalServerError), "failed to get rule", err)
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	// Omitted fields keep their current value
	rule := *existing
	if req.Name != "" {
		rule.Name = req.Name
	}
	if req.Kind != "" {
		rule.Kind = req.Kind
	}
	if req.Expression != "" {
		rule.Expression = req.Expression
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}

	if err := registry.ValidateRule(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}
	if err := e.Engine.UpdateRule(&rule); err != nil {
		respondError(w, ruleStatus(err, http.StatusBadRequest), "failed to update rule", err)
		return
	}

	respondJSON(w, http.StatusOK, toRuleResponse(&rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}

	if err := e.Engine.DeleteRule(chi.URLParam(r, "ruleId")); err != nil {
		respondError(w, ruleStatus(err, http.StatusInternalServerError), "failed to delete rule", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ruleStatus maps rule store errors to a status, or fallback for anything else
func ruleStatus(err error, fallback int) int {
	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrRuleExists):
		return http.StatusConflict
	default:
		return fallback
	}
}

// handleEvaluateRules shows how each active rule judges one control/candidate pair
func (s *Server) handleEvaluateRules(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req EvaluateRulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	startTime := time.Now()

	response := map[string]any{}
	for _, kind := range []rules.Kind{rules.KindIgnore, rules.KindCompare} {
		results, err := e.Engine.EvaluateAll(kind, req.Control, req.Candidate)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "evaluation failed", err)
			return
		}

		out := make([]EvaluationResultResponse, 0, len(results))
		for _, res := range results {
			out = append(out, toEvaluationResponse(res))
		}
		response[string(kind)] = out
	}

	ignored, err := e.Engine.Ignores(req.Control, req.Candidate)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "evaluation failed", err)
		return
	}
	response["ignored"] = ignored
	if !ignored {
		response["matched"] = rules.CompareFunc[any](e.Engine, nil)(req.Control, req.Candidate)
	}
	response["evaluationTime"] = time.Since(startTime).String()

	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}

	f := publish.RunFilter{Experiment: e.Name, Limit: s.cfg.RunHistory}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		f.Limit = limit
	}
	if v := r.URL.Query().Get("mismatched"); v != "" {
		mismatched, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "mismatched must be a boolean", err)
			return
		}
		f.MismatchedOnly = mismatched
	}

	runs, err := s.runs.List(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list runs", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"runs": runs,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	runID := chi.URLParam(r, "runId")

	if _, err := uuid.Parse(runID); err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id", err)
		return
	}

	rec, err := s.runs.Get(r.Context(), runID)
	if errors.Is(err, publish.ErrRunNotFound) || (err == nil && rec.Experiment != name) {
		respondError(w, http.StatusNotFound, "run not found", err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get run", err)
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

// lookup resolves the {name} URL parameter, writing a 404 when unknown
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*registry.Experiment, bool) {
	e, err := s.experiments.Get(chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, http.StatusNotFound, "experiment not found", err)
		return nil, false
	}
	return e, true
}

// Helper functions

// respondJSON encodes before writing the header, so a value that cannot be
// encoded becomes a 500 instead of a status with an empty body
func respondJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		logger.ErrorHttp5xx()
		logger.Error("failed to encode response", "status", status, "error", err)
		status = http.StatusInternalServerError
		body = []byte(`{"error":"failed to encode response"}`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}

	switch {
	case status >= 500:
		logger.ErrorHttp5xx()
		logger.Error(message, "status", status, "error", err)
	case status >= 400:
		logger.WarnHttp4xx(status)
	}

	respondJSON(w, status, response)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}

	server, err := NewServer(cfg)
	if err != nil {
		logger.Fatal("Failed to create server", "error", err)
	}
	if server.db != nil {
		defer server.db.Close()
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("Server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	if err := logger.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "logger shutdown error: %v\n", err)
	}

	logger.Info("Server stopped")
}
