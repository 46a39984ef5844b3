package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"signal-heatmap-monitor/internal/analysis"
	"signal-heatmap-monitor/internal/cache"
	"signal-heatmap-monitor/internal/config"
	"signal-heatmap-monitor/internal/db"
	"signal-heatmap-monitor/internal/metrics"
	"signal-heatmap-monitor/internal/models"
	"signal-heatmap-monitor/internal/parser"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

const requestIDHeader = "X-Request-ID"

// Store is the persistence the API reads and writes
type Store interface {
	Ping(ctx context.Context) error
	InsertReading(ctx context.Context, r *models.Reading) error
	InsertReadingBatch(ctx context.Context, records []models.Reading) (int64, error)
	QueryReadings(ctx context.Context, q models.ReadingQuery) ([]models.Reading, error)
	CountReadings(ctx context.Context, q models.ReadingQuery) (int64, error)
	ListDevices(ctx context.Context) ([]models.DeviceSummary, error)
	GetDevice(ctx context.Context, deviceID string) (*models.DeviceSummary, error)
	GetStats(ctx context.Context) (models.Stats, error)
}

// Options carries the optional collaborators of a Server
type Options struct {
	Cache   cache.Cache      // nil disables response caching
	Metrics *metrics.Metrics // nil disables metrics
	Logger  *slog.Logger
}

// Server represents the API server
type Server struct {
	store    Store
	cfg      config.Config
	analysis analysis.Config
	loc      *time.Location
	cache    cache.Cache
	metrics  *metrics.Metrics
	logger   *slog.Logger
	router   *mux.Router
}

// NewServer creates a new API server
func NewServer(store Store, cfg config.Config, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.Local
	}

	s := &Server{
		store:    store,
		cfg:      cfg,
		analysis: cfg.AnalysisConfig(),
		loc:      loc,
		cache:    opts.Cache,
		metrics:  opts.Metrics,
		logger:   logger,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Analysis endpoints
	s.router.HandleFunc("/api/maps", s.handleMaps).Methods("GET")
	s.router.HandleFunc("/api/map_data", s.handleMapData).Methods("GET")
	s.router.HandleFunc("/api/critical_points", s.handleCriticalPoints).Methods("GET")
	s.router.HandleFunc("/api/kpis", s.handleKPIs).Methods("GET")

	// Reading endpoints
	s.router.HandleFunc("/api/readings", s.handleQueryReadings).Methods("GET")
	s.router.HandleFunc("/api/readings", s.handleCreateReading).Methods("POST")
	s.router.HandleFunc("/api/readings/batch", s.handleBatchReadings).Methods("POST")

	// Device endpoints
	s.router.HandleFunc("/api/devices", s.handleListDevices).Methods("GET")
	s.router.HandleFunc("/api/devices/{id}", s.handleGetDevice).Methods("GET")

	// Stats endpoint
	s.router.HandleFunc("/api/stats", s.handleStats).Methods("GET")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	// Add middleware
	s.router.Use(s.metricsMiddleware)
	s.router.Use(jsonMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler wraps the router with panic recovery, request ids, access
// logging and CORS.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = handlers.CORS(
		handlers.AllowedOrigins(s.cfg.HTTP.CORSOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", requestIDHeader}),
		handlers.ExposedHeaders([]string{requestIDHeader}),
	)(h)
	h = handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)
	h = requestIDMiddleware(h)
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
	)(h)
}

// Middleware
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	s.logger.Info("request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
		"duration", time.Since(p.TimeStamp),
		"request_id", p.Request.Header.Get(requestIDHeader))
}

type recoveryLogger struct{ logger *slog.Logger }

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("panic serving request", "error", fmt.Sprint(v...))
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.WrapHandler(route, next).ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Response helpers
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	Offset  int   `json:"offset,omitempty"`
	QueryMs int64 `json:"query_ms,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type mapInfo struct {
	Name string `json:"name"`
	config.MapPreset
	Center  [2]float64 `json:"center"` // lat, lon
	Default bool       `json:"default"`
}

func (s *Server) handleMaps(w http.ResponseWriter, r *http.Request) {
	maps := make([]mapInfo, 0, len(s.cfg.Maps))
	for _, name := range s.cfg.MapNames() {
		m := s.cfg.Maps[name]
		c := m.Center()
		maps = append(maps, mapInfo{
			Name:      name,
			MapPreset: m,
			Center:    [2]float64{c.Lat(), c.Lon()},
			Default:   name == s.cfg.DefaultMap,
		})
	}
	respondJSON(w, http.StatusOK, maps)
}

func (s *Server) handleQueryReadings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	v := r.URL.Query()

	q := models.ReadingQuery{
		Network:         models.NetworkAll,
		OperationalSSID: s.cfg.OperationalSSID,
		DeviceID:        v.Get("device_id"),
		Limit:           100, // default
	}
	if name := v.Get("map"); name != "" {
		m, err := s.cfg.Map(name)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		b := m.Bound()
		q.Bounds = &b
	}
	if f := v.Get("ssid_filter"); f != "" {
		q.Network = models.NetworkFilter(f)
		if !q.Network.Valid() {
			respondError(w, http.StatusBadRequest, "unknown ssid_filter: "+f)
			return
		}
	}
	if err := s.applyDateRange(&q, v.Get("start_date"), v.Get("end_date")); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if l := v.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = n
	}
	if o := v.Get("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		q.Offset = n
	}

	results, err := s.store.QueryReadings(r.Context(), q)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	total, err := s.store.CountReadings(r.Context(), q)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	respondWithMeta(w, results, &meta{
		Total:   int(total),
		Limit:   q.Limit,
		Offset:  q.Offset,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleCreateReading(w http.ResponseWriter, r *http.Request) {
	var reading models.Reading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now()
	}
	if errs := parser.ValidateReading(&reading); len(errs) > 0 {
		respondError(w, http.StatusBadRequest, errs[0])
		return
	}

	if err := s.store.InsertReading(r.Context(), &reading); err != nil {
		s.internalError(w, r, err)
		return
	}
	s.metrics.ReadingsIngested(1)
	s.purgeCache(r.Context())

	respondJSON(w, http.StatusCreated, reading)
}

func (s *Server) handleBatchReadings(w http.ResponseWriter, r *http.Request) {
	var records []models.Reading
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON array")
		return
	}

	if len(records) == 0 {
		respondError(w, http.StatusBadRequest, "empty array")
		return
	}

	// Set timestamps for records without one
	now := time.Now()
	for i := range records {
		if records[i].Timestamp.IsZero() {
			records[i].Timestamp = now
		}
		if errs := parser.ValidateReading(&records[i]); len(errs) > 0 {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("record %d: %s", i, errs[0]))
			return
		}
	}

	count, err := s.store.InsertReadingBatch(r.Context(), records)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.metrics.ReadingsIngested(int(count))
	s.purgeCache(r.Context())

	respondJSON(w, http.StatusCreated, map[string]int64{"inserted": count})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	device, err := s.store.GetDevice(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, device)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed",
		"path", r.URL.Path,
		"request_id", r.Header.Get(requestIDHeader),
		"error", err)
	respondError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) purgeCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Purge(ctx); err != nil {
		s.logger.Warn("failed to purge cache", "error", err)
	}
}
