// Package api is the HTTP intake of the service.
//
//	POST /upload               multipart "file", processed synchronously
//	POST /process_video        {video_url, position_name, start_time, end_time}
//	GET  /runs/{id}            run status
//	GET  /runs/{id}/events     websocket stream of progress events
//	GET  /health, /readiness   liveness and readiness
//	GET  /metrics              Prometheus exposition
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gelson12/bjj-video-analysis/internal/config"
	"github.com/gelson12/bjj-video-analysis/internal/core"
	"github.com/gelson12/bjj-video-analysis/internal/progress"
	"github.com/gelson12/bjj-video-analysis/internal/types"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	headerTimeout = 15 * time.Second
	bodyTimeout   = 15 * time.Second
)

// Service is the part of core.Service the handlers use
type Service interface {
	Submit(req core.Request) (core.Run, <-chan core.Result, error)
	Get(id string) (core.Run, bool)
	Events() progress.Bus
	Ready() bool
	Uptime() time.Duration
	Status() map[string]any
}

// Server serves the HTTP API
type Server struct {
	cfg      config.ServerConfig
	svc      Service
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	upgrader websocket.Upgrader
	srv      *http.Server

	statusPoll time.Duration
}

// NewServer creates the API server. A nil gatherer exposes the default registry.
func NewServer(cfg config.ServerConfig, svc Service, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:        cfg,
		svc:        svc,
		gatherer:   gatherer,
		logger:     logger.With("component", "api"),
		statusPoll: statusPollInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	// Uploads stream large bodies and requests block until their run
	// finishes, so only headers and idle connections are bounded here
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: headerTimeout,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /process_video", s.handleProcessVideo)
	mux.HandleFunc("GET /runs/{id}", s.handleRun)
	mux.HandleFunc("GET /runs/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleReadiness)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe blocks until the server stops. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting http server", "addr", s.cfg.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxUploadMB > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadMB<<20)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d MB", s.cfg.MaxUploadMB))
		case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
			writeError(w, http.StatusBadRequest, "No file part")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	defer file.Close()

	name, err := uploadName(header.Filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	path := filepath.Join(s.cfg.UploadDir, name)
	if err := saveUpload(file, path); err != nil {
		s.logger.Error("failed to save upload", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("upload saved", "path", path, "bytes", header.Size)

	run, done, err := s.svc.Submit(core.Request{
		InputPath:  path,
		OutputPath: filepath.Join(s.cfg.OutputDir, "processed_"+name),
	})
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	s.await(w, r, run, done)
}

func (s *Server) handleProcessVideo(w http.ResponseWriter, r *http.Request) {
	if err := http.NewResponseController(w).SetReadDeadline(time.Now().Add(bodyTimeout)); err != nil {
		s.logger.Debug("read deadline not supported", "error", err)
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := ParseProcessRequest(data)
	if err != nil {
		s.logger.Warn("rejected process_video request", "error", err)
		s.writeRunError(w, err)
		return
	}

	run, done, err := s.svc.Submit(req.Request())
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	s.await(w, r, run, done)
}

// await blocks until the run finishes or the client goes away.
// The run keeps going in the latter case and stays visible under /runs/{id}.
func (s *Server) await(w http.ResponseWriter, r *http.Request, run core.Run, done <-chan core.Result) {
	select {
	case res := <-done:
		if res.Err != nil {
			s.writeRunError(w, res.Err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message":      "Video processed successfully",
			"output_video": res.Run.OutputPath,
			"run_id":       res.Run.ID,
			"summary":      res.Run.Summary,
		})
	case <-r.Context().Done():
		s.logger.Info("client disconnected before run finished", "run_id", run.ID)
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.svc.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(s.svc.Uptime().Seconds()),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status := s.svc.Status()
	code := http.StatusOK
	if !s.svc.Ready() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// ProcessVideoCommand queues a process_video request received over the control
// plane and returns without waiting for the run
func (s *Server) ProcessVideoCommand(params json.RawMessage) (map[string]any, error) {
	req, err := ParseProcessRequest(params)
	if err != nil {
		return nil, err
	}
	run, _, err := s.svc.Submit(req.Request())
	if err != nil {
		return nil, err
	}
	return map[string]any{"run_id": run.ID, "status": run.Status}, nil
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrQueueFull), errors.Is(err, core.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(types.KindOf(err), types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(types.KindOf(err), types.ErrAcquisition):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// uploadName rejects names that would escape the upload directory
func uploadName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", errors.New("No selected file")
	case name == "." || name == "..", strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return "", fmt.Errorf("invalid file name: %q", name)
	}
	return name, nil
}

func saveUpload(src io.Reader, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("api: create upload dir: %w", err)
	}
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("api: create upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return fmt.Errorf("api: write upload: %w", err)
	}
	return dst.Close()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
