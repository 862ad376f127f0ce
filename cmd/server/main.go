package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/liamcoop/querytree/celquery"
	"github.com/liamcoop/querytree/internal/config"
	"github.com/liamcoop/querytree/internal/logger"
	"github.com/liamcoop/querytree/internal/telemetry"
	"github.com/liamcoop/querytree/multitenantengine"
	"github.com/liamcoop/querytree/rules"
	_ "github.com/lib/pq"
)

type Server struct {
	db      *sql.DB
	manager *multitenantengine.Manager
	router  *chi.Mux
}

// NewServer connects to cfg.DatabaseURL and loads every tenant.
// Without a database URL tenants and queries live in memory.
func NewServer(cfg config.Config) (*Server, error) {
	opts := []multitenantengine.ManagerOption{
		multitenantengine.WithEngineOptions(cfg.EngineOptions()...),
		multitenantengine.WithCacheConfig(cfg.CacheConfig()),
		multitenantengine.WithMetrics(rules.NewMetricsRecorder(nil)),
		multitenantengine.WithLogger(logger.Logger),
	}

	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, tenants are kept in memory")
		return NewServerWithManager(nil, multitenantengine.NewManager(nil, opts...)), nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewServerWithDB(db, opts...)
}

// NewServerWithDB serves tenants stored in db
func NewServerWithDB(db *sql.DB, opts ...multitenantengine.ManagerOption) (*Server, error) {
	manager := multitenantengine.NewManager(db, opts...)

	logger.Info("loading tenants from database")
	if err := manager.LoadAllTenants(); err != nil {
		return nil, fmt.Errorf("failed to load tenants: %w", err)
	}

	tenants := manager.ListTenants()
	logger.Info("tenants loaded", slog.Int("count", len(tenants)), slog.Any("tenants", tenants))

	return NewServerWithManager(db, manager), nil
}

// NewServerWithManager wires the HTTP routes to an existing manager
func NewServerWithManager(db *sql.DB, manager *multitenantengine.Manager) *Server {
	s := &Server{
		db:      db,
		manager: manager,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/property-types", s.handlePropertyTypes)

	r.Post("/api/v1/evaluate", s.handleEvaluate)

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			r.Post("/schema", s.handleUpdateSchema)
			r.Get("/schema", s.handleGetSchema)

			r.Post("/queries", s.handleCreateQuery)
			r.Get("/queries", s.handleListQueries)
			r.Get("/queries/{queryId}", s.handleGetQuery)
			r.Put("/queries/{queryId}", s.handleUpdateQuery)
			r.Delete("/queries/{queryId}", s.handleDeleteQuery)
			r.Get("/queries/{queryId}/cel", s.handleQueryCEL)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Ping(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unhealthy",
			Error:  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		TenantsLoaded: len(s.manager.ListTenants()),
		Counters:      logger.Counters(),
	})
}

func (s *Server) handlePropertyTypes(w http.ResponseWriter, r *http.Request) {
	types := []PropertyTypeResponse{}
	for _, t := range rules.PropertyTypes() {
		types = append(types, PropertyTypeResponse{Type: t, Operators: rules.Operators(t)})
	}
	respondJSON(w, http.StatusOK, map[string]any{"propertyTypes": types})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.TenantID == "" {
		respondError(w, http.StatusBadRequest, "tenantId is required", nil)
		return
	}

	if req.Object == nil {
		respondError(w, http.StatusBadRequest, "object is required", nil)
		return
	}

	catalog, err := s.manager.GetCatalog(req.TenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	startTime := time.Now()

	if req.Query != nil {
		matched, err := catalog.Engine().Execute(req.Object, req.Query)
		logger.Evaluation(matched, err)
		if err != nil {
			respondError(w, http.StatusUnprocessableEntity, "query could not be evaluated", err)
			return
		}
		respondJSON(w, http.StatusOK, InlineEvaluateResponse{
			Matched:        matched,
			EvaluationTime: time.Since(startTime).String(),
		})
		return
	}

	var results []*rules.EvaluationResult
	if len(req.Queries) > 0 {
		results = make([]*rules.EvaluationResult, 0, len(req.Queries))
		for _, queryID := range req.Queries {
			result, err := catalog.EvaluateContext(r.Context(), queryID, req.Object)
			if result == nil {
				// unknown query IDs are skipped
				logger.Warn("skipping saved query",
					slog.String("tenant_id", req.TenantID),
					slog.String("query_id", queryID),
					slog.String("error", err.Error()),
				)
				continue
			}
			results = append(results, result)
		}
	} else {
		results, err = catalog.EvaluateAllContext(r.Context(), req.Object)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "evaluation failed", err)
			return
		}
	}

	evaluationTime := time.Since(startTime)

	response := EvaluateResponse{
		Results:        make([]EvaluationResultResponse, 0, len(results)),
		EvaluationTime: evaluationTime.String(),
	}
	for _, result := range results {
		logger.Evaluation(result.Matched, result.Error)
		item := EvaluationResultResponse{
			QueryID:   result.QueryID,
			QueryName: result.QueryName,
			Matched:   result.Matched,
		}
		if result.Error != nil {
			item.Error = result.Error.Error()
		}
		response.Results = append(response.Results, item)
	}

	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.manager.Tenants()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tenants", err)
		return
	}

	response := TenantsListResponse{Tenants: make([]TenantResponse, 0, len(tenants))}
	for _, t := range tenants {
		response.Tenants = append(response.Tenants, toTenantResponse(t))
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	tenant, err := s.manager.RegisterTenant(req.Name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create tenant", err)
		return
	}

	respondJSON(w, http.StatusCreated, toTenantResponse(tenant))
}

func (s *Server) handleUpdateSchema(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req UpdateSchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	// the old catalog keeps serving until the new one is swapped in
	version, err := s.manager.UpdateTenantSchema(tenantID, req.Definition)
	if err != nil {
		respondError(w, statusFor(err, http.StatusBadRequest), "failed to update schema", err)
		return
	}

	catalog, err := s.manager.GetCatalog(tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load catalog", err)
		return
	}
	active, err := catalog.ActiveQueries()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list queries", err)
		return
	}
	validated := len(active)

	respondJSON(w, http.StatusOK, SchemaResponse{
		Version:    version,
		Status:     "active",
		Definition: req.Definition,
		Queries:    &validated,
	})
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	schema, version, err := s.manager.GetSchema(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "schema not found", err)
		return
	}

	respondJSON(w, http.StatusOK, SchemaResponse{
		Version:    version,
		Status:     "active",
		Definition: schema,
	})
}

func (s *Server) handleCreateQuery(w http.ResponseWriter, r *http.Request) {
	catalog, ok := s.catalog(w, r)
	if !ok {
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.Name == "" || req.Query == nil {
		respondError(w, http.StatusBadRequest, "name and query are required", nil)
		return
	}

	q := &rules.SavedQuery{
		ID:     uuid.NewString(),
		Name:   req.Name,
		Query:  req.Query,
		Active: req.Active == nil || *req.Active,
	}

	if err := catalog.AddQuery(q); err != nil {
		respondError(w, statusFor(err, http.StatusInternalServerError), "failed to add query", err)
		return
	}

	respondJSON(w, http.StatusCreated, toQueryResponse(q))
}

func (s *Server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	catalog, ok := s.catalog(w, r)
	if !ok {
		return
	}

	queries, err := catalog.ActiveQueries()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list queries", err)
		return
	}

	response := QueriesListResponse{Queries: make([]QueryResponse, 0, len(queries))}
	for _, q := range queries {
		response.Queries = append(response.Queries, toQueryResponse(q))
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetQuery(w http.ResponseWriter, r *http.Request) {
	catalog, ok := s.catalog(w, r)
	if !ok {
		return
	}

	q, err := catalog.GetQuery(chi.URLParam(r, "queryId"))
	if err != nil {
		respondError(w, statusFor(err, http.StatusInternalServerError), "query not found", err)
		return
	}

	respondJSON(w, http.StatusOK, toQueryResponse(q))
}

func (s *Server) handleUpdateQuery(w http.ResponseWriter, r *http.Request) {
	catalog, ok := s.catalog(w, r)
	if !ok {
		return
	}
	queryID := chi.URLParam(r, "queryId")

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	existing, err := catalog.GetQuery(queryID)
	if err != nil {
		respondError(w, statusFor(err, http.StatusInternalServerError), "query not found", err)
		return
	}

	// omitted fields keep their stored values
	q := &rules.SavedQuery{
		ID:     queryID,
		Name:   existing.Name,
		Query:  existing.Query,
		Active: existing.Active,
	}
	if req.Name != "" {
		q.Name = req.Name
	}
	if req.Query != nil {
		q.Query = req.Query
	}
	if req.Active != nil {
		q.Active = *req.Active
	}

	if err := catalog.UpdateQuery(q); err != nil {
		respondError(w, statusFor(err, http.StatusInternalServerError), "failed to update query", err)
		return
	}

	respondJSON(w, http.StatusOK, toQueryResponse(q))
}

func (s *Server) handleDeleteQuery(w http.ResponseWriter, r *http.Request) {
	catalog, ok := s.catalog(w, r)
	if !ok {
		return
	}

	if err := catalog.DeleteQuery(chi.URLParam(r, "queryId")); err != nil {
		respondError(w, statusFor(err, http.StatusInternalServerError), "failed to delete query", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueryCEL(w http.ResponseWriter, r *http.Request) {
	catalog, ok := s.catalog(w, r)
	if !ok {
		return
	}

	q, err := catalog.GetQuery(chi.URLParam(r, "queryId"))
	if err != nil {
		respondError(w, statusFor(err, http.StatusInternalServerError), "query not found", err)
		return
	}

	expr, err := celquery.Translate(q.Query, catalog.Engine().PropertyTypes())
	if err != nil {
		respondError(w, statusFor(err, http.StatusInternalServerError), "failed to translate query", err)
		return
	}

	respondJSON(w, http.StatusOK, CELResponse{ID: q.ID, Expression: expr})
}

func (s *Server) catalog(w http.ResponseWriter, r *http.Request) (*rules.Catalog, bool) {
	catalog, err := s.manager.GetCatalog(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return nil, false
	}
	return catalog, true
}

// statusFor maps domain errors to HTTP statuses, falling back to fallback
func statusFor(err error, fallback int) int {
	var evalErr *rules.EvaluationError
	switch {
	case errors.Is(err, multitenantengine.ErrTenantNotFound), errors.Is(err, rules.ErrQueryNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrQueryExists):
		return http.StatusConflict
	case errors.As(err, &evalErr), errors.Is(err, rules.ErrNilQuery):
		return http.StatusUnprocessableEntity
	default:
		return fallback
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	if status >= http.StatusInternalServerError {
		logger.Error(message, slog.Int("status", status), slog.Any("error", err))
	}
	respondJSON(w, status, response)
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "Path to a YAML or JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", slog.String("error", err.Error()))
	}

	if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	// spans and metrics go to the no-op globals unless OTEL_ENABLED is set
	var providers *telemetry.Providers
	if telemetry.Enabled() {
		providers, err = telemetry.Setup(context.Background(), telemetry.ServiceName())
		if err != nil {
			logger.Warn("failed to setup OTEL traces and metrics", slog.String("error", err.Error()))
		}
	}

	server, err := NewServer(cfg)
	if err != nil {
		logger.Fatal("failed to create server", slog.String("error", err.Error()))
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

	go func() {
		logger.Info("server starting", slog.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", slog.String("error", err.Error()))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}

	if providers != nil {
		if err := providers.Shutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	if err := logger.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "logger shutdown error: %v\n", err)
	}

	logger.Info("server stopped")
}
