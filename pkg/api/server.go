// Package api serves the HTTP control surface of the daemon: task
// management, start/pause, progress reports and Prometheus metrics.
//
// Every JSON response uses the envelope {"data": ..., "error": "..."}.
package api

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paulschiretz/pgl-spread/pkg/buildinfo"
	"github.com/paulschiretz/pgl-spread/pkg/controller"
	"github.com/paulschiretz/pgl-spread/pkg/hints"
	"github.com/paulschiretz/pgl-spread/pkg/plog"
	"github.com/paulschiretz/pgl-spread/pkg/progress"
	"github.com/paulschiretz/pgl-spread/pkg/tasklist"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Controller is the part of *controller.Controller the API drives.
type Controller interface {
	AddTask(t tasklist.Task) error
	RemoveTask(source string) error
	Tasks() []tasklist.Task
	Start()
	Pause()
	IsRunning() bool
	LastError() string
	SetUpdateInterval(d time.Duration) error
	CompileProgressReport(ctx context.Context, verbose, byteTotals bool) progress.Report
	SaveTasksToFile(path string) error
	LoadTasksFromFile(path string) error
}

var _ Controller = (*controller.Controller)(nil)

// Options configures a Server.
type Options struct {
	// TasksFile is used by save and load requests without a file name.
	TasksFile string
	// Registry, if set, is served on /metrics.
	Registry *prometheus.Registry
	Log      *plog.Logger
}

// Server is the control API.
type Server struct {
	ctrl Controller
	opts Options
}

// NewServer creates a server for ctrl.
func NewServer(ctrl Controller, opts Options) *Server {
	if opts.Log == nil {
		opts.Log = plog.Discard()
	}
	return &Server{ctrl: ctrl, opts: opts}
}

type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// FileRequest is the body of save and load requests.
type FileRequest struct {
	FileName string `json:"fileName"`
}

// Handler returns the HTTP handler, gzip-compressing responses for clients
// that accept it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /test/{echo}", s.handleEcho)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("GET /tasks", s.handleTasks)
	mux.HandleFunc("PUT /task", s.handleAddTask)
	mux.HandleFunc("DELETE /task", s.handleRemoveTask)

	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /pause", s.handlePause)
	mux.HandleFunc("GET /running", s.handleRunning)
	mux.HandleFunc("GET /error", s.handleLastError)
	mux.HandleFunc("POST /interval/{ms}", s.handleInterval)

	mux.HandleFunc("GET /progress", s.handleProgress)
	mux.HandleFunc("GET /progress/xml", s.handleProgressXML)

	mux.HandleFunc("POST /save", s.handleSave)
	mux.HandleFunc("POST /load", s.handleLoad)

	if s.opts.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{}))
	}

	return gzhttp.GzipHandler(s.logRequests(mux))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.opts.Log.Debug("API request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.opts.Log.Info("Control API listening", "address", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		s.opts.Log.Warn("Failed to write API response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{Error: err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, r.PathValue("echo"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"name": buildinfo.Name, "version": buildinfo.Version})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Tasks())
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var t tasklist.Task
	if !s.decode(w, r, &t) {
		return
	}
	if err := s.ctrl.AddTask(t); err != nil {
		s.sendError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, true)
}

func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		s.sendError(w, http.StatusBadRequest, errors.New("missing source parameter"))
		return
	}
	if err := s.ctrl.RemoveTask(source); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, controller.ErrUnknownTask) {
			code = http.StatusNotFound
		}
		s.sendError(w, code, err)
		return
	}
	s.writeJSON(w, http.StatusOK, true)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Start()
	s.writeJSON(w, http.StatusOK, s.ctrl.IsRunning())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Pause()
	s.writeJSON(w, http.StatusOK, s.ctrl.IsRunning())
}

func (s *Server) handleRunning(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.IsRunning())
}

func (s *Server) handleLastError(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.LastError())
}

func (s *Server) handleInterval(w http.ResponseWriter, r *http.Request) {
	ms, err := strconv.Atoi(r.PathValue("ms"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.SetUpdateInterval(time.Duration(ms) * time.Millisecond); err != nil {
		s.sendError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ms)
}

// progressFlags reads ?verbose= and ?stotal= (byte totals).
func progressFlags(r *http.Request) (verbose, byteTotals bool) {
	q := r.URL.Query()
	verbose, _ = strconv.ParseBool(q.Get("verbose"))
	byteTotals, _ = strconv.ParseBool(q.Get("stotal"))
	return verbose, byteTotals
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	verbose, byteTotals := progressFlags(r)
	s.writeJSON(w, http.StatusOK, s.ctrl.CompileProgressReport(r.Context(), verbose, byteTotals))
}

func (s *Server) handleProgressXML(w http.ResponseWriter, r *http.Request) {
	verbose, byteTotals := progressFlags(r)
	report := s.ctrl.CompileProgressReport(r.Context(), verbose, byteTotals)
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(report); err != nil {
		s.opts.Log.Warn("Failed to write XML progress", "error", err)
	}
}

func (s *Server) fileName(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req FileRequest
	if r.ContentLength != 0 {
		if !s.decode(w, r, &req) {
			return "", false
		}
	}
	if req.FileName == "" {
		req.FileName = s.opts.TasksFile
	}
	if req.FileName == "" {
		s.sendError(w, http.StatusBadRequest, errors.New("missing fileName"))
		return "", false
	}
	return req.FileName, true
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	name, ok := s.fileName(w, r)
	if !ok {
		return
	}
	if err := s.ctrl.SaveTasksToFile(name); err != nil {
		s.sendError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, name)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	name, ok := s.fileName(w, r)
	if !ok {
		return
	}
	err := s.ctrl.LoadTasksFromFile(name)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, name)
	case errors.Is(err, controller.ErrRunning):
		s.sendError(w, http.StatusConflict, err)
	case hints.IsHint(err):
		s.sendError(w, http.StatusNotFound, err)
	default:
		s.sendError(w, http.StatusUnprocessableEntity, err)
	}
}
