package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"safetrail/internal/config"
	"safetrail/internal/model"
)

const maxRESTBody = 2 << 20

// RESTServer accepts POST /locations with one sample object or an array of
// them, as sent by the mobile app's batched uploader.
type RESTServer struct {
	sink *sink
}

type restItemResult struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type restResponse struct {
	Accepted int              `json:"accepted"`
	Failed   int              `json:"failed"`
	Errors   []restItemResult `json:"errors,omitempty"`
}

func StartREST(ctx context.Context, cfg *config.Manager, out chan<- model.Location, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewRESTServer(cfg, out, logger).Handler(),
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
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func NewRESTServer(cfg *config.Manager, out chan<- model.Location, logger *slog.Logger) *RESTServer {
	return &RESTServer{sink: newSink("rest", cfg, out, logger)}
}

func (s *RESTServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/locations", s.handleLocations)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

// handleLocations answers 202 when at least one sample was taken, 400 when
// the body is unusable or every sample was rejected.
func (s *RESTServer) handleLocations(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRESTBody))
	if err != nil {
		http.Error(w, "body too large or unreadable", http.StatusBadRequest)
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	var items []json.RawMessage
	if body[0] == '[' {
		if err := json.Unmarshal(body, &items); err != nil {
			http.Error(w, "invalid json array", http.StatusBadRequest)
			return
		}
	} else {
		items = []json.RawMessage{body}
	}

	var resp restResponse
	for i, item := range items {
		fields, err := ParseJSONBytes(item)
		if err != nil {
			s.sink.count(outcomeInvalid)
			resp.Failed++
			resp.Errors = append(resp.Errors, restItemResult{Index: i, Error: err.Error()})
			continue
		}
		fields.Raw = string(item)
		if !s.sink.fields(r.Context(), *fields) {
			resp.Failed++
			resp.Errors = append(resp.Errors, restItemResult{Index: i, Error: "rejected"})
			continue
		}
		resp.Accepted++
	}

	status := http.StatusAccepted
	if resp.Accepted == 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
