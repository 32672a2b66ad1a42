// Package httpapi exposes the orchestrator over HTTP: dataset upload, live
// telemetry as server-sent events or websocket messages, listings, download
// and kill.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/CZERTAINLY/harmonizer/internal/dataset"
	"github.com/CZERTAINLY/harmonizer/internal/log"
	"github.com/CZERTAINLY/harmonizer/internal/orchestrator"
	"github.com/CZERTAINLY/harmonizer/internal/registry"
	"github.com/CZERTAINLY/harmonizer/internal/service"
	"github.com/CZERTAINLY/harmonizer/internal/telemetry"
)

const (
	sessionCookie = "harmonizer_session"
	keepAlive     = 15 * time.Second
	maxUpload     = 4 << 30
)

// Orchestrator is the part of *orchestrator.Orchestrator the server uses.
type Orchestrator interface {
	StartJob(ctx context.Context, ownerID, jobID, dataset string, args []string) (registry.Job, error)
	Subscribe(jobID string) (*telemetry.Subscription, error)
	Unsubscribe(s *telemetry.Subscription)
	Kill(ctx context.Context, jobID string) error
	Job(jobID string) (registry.Job, error)
	AddUpload(name string)
	Uploaded() []string
	Finished() []registry.Job
	Archive(jobID string) (string, error)
}

type Options struct {
	// UploadsDir receives the extracted datasets.
	UploadsDir string
	// InputRoot and OutputRoot are the storage dirs as seen by a worker.
	InputRoot  string
	OutputRoot string
	// PublicDir is served at / when not empty.
	PublicDir string
}

type Server struct {
	o        Orchestrator
	opts     Options
	stager   dataset.Stager
	upgrader websocket.Upgrader
}

func New(o Orchestrator, opts Options) *Server {
	return &Server{
		o:      o,
		opts:   opts,
		stager: dataset.Stager{Dir: opts.UploadsDir},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLog)
	r.Use(middleware.Recoverer)

	r.Post("/upload", s.handleUpload)
	r.Get("/progress/{jobID}", s.handleProgress)
	r.Get("/ws/{jobID}", s.handleWebSocket)
	r.Get("/datasets", s.handleDatasets)
	r.Get("/download/{jobID}", s.handleDownload)
	r.Get("/jobs/{jobID}", s.handleJob)
	r.Post("/jobs/{jobID}/kill", s.handleKill)
	r.Get("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.opts.PublicDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.opts.PublicDir)))
	}
	return r
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.ContextAttrs(r.Context(),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
		r = r.WithContext(ctx)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.DebugContext(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// owner returns the session id of the client, a new session is minted for
// a client without one.
func owner(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			return c.Value
		}
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := mapError(err)
	if code >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func mapError(err error) (int, string) {
	var spawnErr *service.SpawnError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, "job not found"
	case errors.Is(err, registry.ErrDuplicateJob), errors.Is(err, service.ErrAlreadyRunning):
		return http.StatusConflict, err.Error()
	case errors.Is(err, orchestrator.ErrNotFinished):
		return http.StatusConflict, "job not finished"
	case errors.Is(err, orchestrator.ErrNotAvailable):
		return http.StatusNotFound, "archive not available"
	case errors.Is(err, dataset.ErrInvalidArchive), errors.Is(err, dataset.ErrInvalidName):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &spawnErr):
		return http.StatusServiceUnavailable, "worker unavailable"
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable, "shutting down"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
