package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"safetrail/internal/config"
	"safetrail/internal/geo"
	"safetrail/internal/metrics"
	"safetrail/internal/model"
	"safetrail/internal/queue"
	"safetrail/internal/service"
)

const maxBody = 1 << 20

type Server struct {
	cfg     *config.Manager
	svc     *service.Service
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status     string           `json:"status"`
	Time       string           `json:"time"`
	Version    string           `json:"version"`
	ConfigPath string           `json:"config_path"`
	Sync       model.SyncStatus `json:"sync"`
	Ingest     ingestStatus     `json:"ingest"`
	API        apiStatus        `json:"api"`
	Collector  string           `json:"collector"`
	Storage    string           `json:"storage"`
	LastAlert  *model.Alert     `json:"last_alert,omitempty"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	UDP       bool `json:"udp"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type evaluateRequest struct {
	Location *model.Location         `json:"location"`
	Behavior *model.BehaviorSnapshot `json:"behavior"`
}

type enqueueRequest struct {
	Kind       model.EventKind `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Priority   model.Priority  `json:"priority"`
	MaxRetries int             `json:"max_retries"`
}

func NewServer(cfg *config.Manager, svc *service.Service, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, svc: svc, logger: logger, version: version}
}

func Start(ctx context.Context, cfg *config.Manager, svc *service.Service, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, svc, logger, version)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/status", s.handleStatus)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Get("/score", s.handleScore)
	r.Post("/score/evaluate", s.handleEvaluate)
	r.Post("/panic", s.handlePanic)
	r.Post("/interaction", s.handleInteraction)

	r.Post("/events", s.handleEnqueue)
	r.Get("/events/failed", s.handleFailed)
	r.Delete("/events/failed", s.handleClearFailed)
	r.Get("/events/{id}", s.handleEvent)

	r.Route("/sync", func(r chi.Router) {
		r.Post("/force", s.handleForceSync)
		r.Post("/retry", s.handleRetry)
		r.Get("/status", s.handleSyncStatus)
	})
	r.Get("/storage", s.handleStorage)
	r.Get("/alerts", s.handleAlerts)

	r.Get("/config/zones", s.handleGetZones)
	r.Post("/config/zones", s.handleSetZones)
	r.Post("/connectivity", s.handleConnectivity)
	r.Post("/admin/reset", s.handleReset)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Sync:       s.svc.SyncStatus(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			UDP:       cfg.Ingest.UDP.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API:       apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Collector: cfg.Collector.Driver,
		Storage:   cfg.Storage.Driver,
	}
	if alert, ok := s.svc.LatestAlert(); ok {
		resp.LastAlert = &alert
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	score, ok := s.svc.CurrentScore()
	if !ok {
		writeError(w, http.StatusNotFound, "no score computed yet")
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// handleEvaluate scores the posted location and behavior. Missing fields
// fall back to the tracked state.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Location == nil {
		score, err := s.svc.Evaluate(r.Context())
		if errors.Is(err, service.ErrNoLocation) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, score)
		return
	}
	snap := s.svc.Behavior()
	if req.Behavior != nil {
		snap = *req.Behavior
	}
	writeJSON(w, http.StatusOK, s.svc.ComputeScore(r.Context(), *req.Location, snap))
}

func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	id, err := s.svc.RecordPanicPress(r.Context())
	if err != nil {
		s.logger.Error("panic event not stored", "err", err)
		writeError(w, http.StatusInternalServerError, "panic event not stored")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	s.svc.RecordInteraction()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.svc.EnqueueEvent(r.Context(), req.Kind, req.Payload, req.Priority, req.MaxRetries)
	switch {
	case errors.Is(err, queue.ErrInvalidKind), errors.Is(err, queue.ErrInvalidPriority):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("enqueue failed", "err", err)
		writeError(w, http.StatusInternalServerError, "event not stored")
		return
	case id == "":
		writeJSON(w, http.StatusInsufficientStorage, map[string]any{"id": "", "stored": false})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "stored": true})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.svc.Event(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	list := s.svc.FailedEvents()
	writeJSON(w, http.StatusOK, map[string]any{"events": list, "count": len(list)})
}

func (s *Server) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ClearFailed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "clear failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ForceSync(r.Context()))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.RetryFailedItems(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "retry failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": n})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.SyncStatus())
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.StorageUsage())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = ts
	}
	list := s.svc.AlertsSince(since, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleGetZones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"zones": s.svc.Zones()})
}

func (s *Server) handleSetZones(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Zones []geo.Zone `json:"zones"`
	}
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.svc.SetZones(req.Zones); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "count": len(req.Zones)})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := decodeBody(w, r, &req, false); err != nil || req.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	s.svc.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, map[string]any{"online": *req.Online})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Reset(r.Context()); err != nil {
		s.logger.Error("reset failed", "err", err)
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// decodeBody reads a JSON body. With allowEmpty an empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		if allowEmpty {
			return nil
		}
		return errors.New("request body required")
	}
	return json.Unmarshal(body, v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
