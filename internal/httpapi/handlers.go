package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/CZERTAINLY/harmonizer/internal/dataset"
	"github.com/CZERTAINLY/harmonizer/internal/log"
	"github.com/CZERTAINLY/harmonizer/internal/registry"
	"github.com/CZERTAINLY/harmonizer/internal/telemetry"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form"})
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile("dataset")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing dataset file"})
		return
	}
	defer func() {
		_ = file.Close()
	}()

	opts, err := options(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	name, err := dataset.SanitizeName(header.Filename)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ownerID := owner(w, r)
	jobID := uuid.NewString()
	ctx := log.WithJob(r.Context(), jobID)

	if _, err := s.stager.Stage(ctx, name, file, header.Size); err != nil {
		writeError(w, r, err)
		return
	}
	s.o.AddUpload(name)

	args := opts.Args(s.opts.InputRoot, s.opts.OutputRoot, name, jobID)
	// the worker outlives the request
	if _, err := s.o.StartJob(context.WithoutCancel(ctx), ownerID, jobID, name, args); err != nil {
		writeError(w, r, err)
		return
	}
	slog.InfoContext(ctx, "job submitted", "dataset", name, "owner", ownerID)
	writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID})
}

// options reads the processing options of an upload form. Flags are set by
// any value except an empty one, "0", "false" and "off".
func options(r *http.Request) (dataset.Options, error) {
	opts := dataset.Options{
		Name:         r.FormValue("dataset_name"),
		OutputFormat: r.FormValue("output_format"),
		AutoResize:   flag(r.FormValue("auto_resize")),
		Padding:      flag(r.FormValue("padding")),
	}
	if v := r.FormValue("target_short_side"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid target_short_side %q", v)
		}
		opts.TargetShortSide = n
	}
	if v := r.FormValue("image_size"); v != "" {
		w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(v)), "x")
		if !ok {
			w, h, ok = strings.Cut(strings.TrimSpace(v), " ")
		}
		wi, werr := strconv.Atoi(strings.TrimSpace(w))
		hi, herr := strconv.Atoi(strings.TrimSpace(h))
		if !ok || werr != nil || herr != nil || wi <= 0 || hi <= 0 {
			return opts, fmt.Errorf("invalid image_size %q, expected WxH", v)
		}
		opts.ImageSize = [2]int{wi, hi}
	}
	return opts, nil
}

func flag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "off":
		return false
	default:
		return true
	}
}

// handleProgress streams the events of a job as server-sent events until
// the done event or until the client goes away.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	sub, err := s.o.Subscribe(jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer s.o.Unsubscribe(sub)

	ctx := log.WithJob(r.Context(), jobID)
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.ErrorContext(ctx, "sse: flush not supported", "error", err)
		return
	}

	for {
		e, err := next(ctx, sub)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			// a comment line keeps proxies from closing an idle stream
			_, err = fmt.Fprint(w, ": keep-alive\n\n")
		case err != nil:
			slog.DebugContext(ctx, "sse: stream closed", "error", err)
			return
		default:
			err = writeEvent(w, e)
		}
		if err == nil {
			err = rc.Flush()
		}
		if err != nil {
			slog.DebugContext(ctx, "sse: client gone", "error", err)
			return
		}
		if _, done := e.(telemetry.Done); done {
			return
		}
	}
}

// next waits at most keepAlive for an event. A context.DeadlineExceeded
// means the wait timed out while ctx is still alive.
func next(ctx context.Context, sub *telemetry.Subscription) (telemetry.Event, error) {
	wctx, cancel := context.WithTimeout(ctx, keepAlive)
	defer cancel()
	e, err := sub.Next(wctx)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return e, err
}

func writeEvent(w http.ResponseWriter, e telemetry.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

// handleWebSocket delivers the same messages as handleProgress, one
// websocket text message per event.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	sub, err := s.o.Subscribe(jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer s.o.Unsubscribe(sub)

	ctx := log.WithJob(r.Context(), jobID)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(ctx, "websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// the read loop notices a client closing the connection
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		_ = conn.Close()
		<-readerDone
	}()

	for {
		e, err := sub.Next(ctx)
		if err != nil {
			slog.DebugContext(ctx, "websocket: stream closed", "error", err)
			return
		}
		if err := conn.WriteJSON(e); err != nil {
			slog.DebugContext(ctx, "websocket: client gone", "error", err)
			return
		}
		if _, done := e.(telemetry.Done); done {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
			return
		}
	}
}

type finishedView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
}

func (s *Server) handleDatasets(w http.ResponseWriter, _ *http.Request) {
	finished := s.o.Finished()
	views := make([]finishedView, 0, len(finished))
	for _, j := range finished {
		views = append(views, finishedView{
			ID:       j.ID,
			Name:     j.Dataset,
			Status:   j.Status(),
			ExitCode: j.ExitCode,
		})
	}
	uploaded := s.o.Uploaded()
	if uploaded == nil {
		uploaded = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uploaded": uploaded,
		"finished": views,
	})
}

type jobView struct {
	ID       string `json:"id"`
	Dataset  string `json:"dataset"`
	Phase    string `json:"phase"`
	Status   string `json:"status,omitempty"`
	ExitCode int    `json:"exit_code"`
	Signal   string `json:"signal,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.o.Job(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(j))
}

func viewOf(j registry.Job) jobView {
	return jobView{
		ID:       j.ID,
		Dataset:  j.Dataset,
		Phase:    j.Phase.String(),
		Status:   j.Status(),
		ExitCode: j.ExitCode,
		Signal:   j.Signal,
		Error:    j.Error,
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	path, err := s.o.Archive(jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".zip"))
	w.Header().Set("Content-Type", "application/zip")
	http.ServeFile(w, r, path)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.o.Kill(r.Context(), jobID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
