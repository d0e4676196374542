package webserver

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zsprackett/execwatch/internal/db"
	"github.com/zsprackett/execwatch/internal/events"
	"github.com/zsprackett/execwatch/internal/execution"
	"github.com/zsprackett/execwatch/internal/exportfeed"
	"github.com/zsprackett/execwatch/internal/monitor"
	"github.com/zsprackett/execwatch/internal/tracker"
	"github.com/zsprackett/execwatch/internal/wsclient"
)

const (
	typeSnapshot     = "snapshot"
	defaultEventRows = 50
	keepAlive        = 30 * time.Second
)

//go:embed static
var staticFS embed.FS

// Source is the live state the server exposes. *monitor.Monitor satisfies
// it.
type Source interface {
	Snapshot() tracker.View
	History() ([]execution.Summary, error)
	HistoryRefreshedAt() time.Time
	Events(executionID string, limit int) ([]db.ExecutionEvent, error)
	Exports() []exportfeed.Job
	Connection() (wsclient.Status, string)
	Close(executionID string)
	Reset()
	Cancel(ctx context.Context, executionID string) error
	Rerun(ctx context.Context, taskID string) (string, error)
}

type Config struct {
	Enabled bool
	Port    int
	Host    string
}

type Server struct {
	source  Source
	cfg     Config
	logger  *slog.Logger
	mu      sync.Mutex
	clients map[chan events.Event]struct{}
	http    *http.Server
}

func New(source Source, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		source:  source,
		cfg:     cfg,
		logger:  logger,
		clients: make(map[chan events.Event]struct{}),
	}
}

// Broadcast implements events.Broadcaster. Slow clients miss events rather
// than block the sender.
func (s *Server) Broadcast(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- e:
		default:
		}
	}
}

func (s *Server) addClient(ch chan events.Event) {
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(ch chan events.Event) {
	s.mu.Lock()
	delete(s.clients, ch)
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/queue", s.handleQueue)
		r.Get("/exports", s.handleExports)
		r.Post("/reset", s.handleReset)
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleExecutions)
			r.Get("/recent", s.handleRecent)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/events", s.handleExecutionEvents)
				r.Post("/close", s.handleClose)
				r.Post("/cancel", s.handleCancel)
			})
		})
		r.Post("/tasks/{id}/rerun", s.handleRerun)
	})
	r.Get("/events", s.handleSSE)

	page, _ := fs.Sub(staticFS, "static")
	r.Handle("/*", http.FileServerFS(page))
	return r
}

// Start listens in the background. It is a no-op when the server is
// disabled.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("webserver: listen failed", "addr", addr, "err", err)
		}
	}()
	s.logger.Info("webserver: listening", "addr", addr)
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("webserver: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

type statusResponse struct {
	Status wsclient.Status `json:"status"`
	Text   string          `json:"text"`
	Banner string          `json:"banner,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, banner := s.source.Connection()
	writeJSON(w, http.StatusOK, statusResponse{Status: st, Text: monitor.StatusText(st), Banner: banner})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	v := s.source.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"executions": nonNil(v.Executions), "now": v.Now})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	v := s.source.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"queue": nonNil(v.Queue)})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	list, err := s.source.History()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := map[string]any{"executions": nonNil(list)}
	if at := s.source.HistoryRefreshedAt(); !at.IsZero() {
		resp["refreshed_at"] = at
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(s.source.Exports())})
}

func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventRows
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	evts, err := s.source.Events(chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(evts)})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.source.Close(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.source.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.source.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	id, err := s.source.Rerun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", 500)
		return
	}

	ch := make(chan events.Event, 64)
	s.addClient(ch)
	defer s.removeClient(ch)

	st, _ := s.source.Connection()
	writeSSE(w, flusher, events.Event{Type: typeSnapshot, Connection: string(st), At: time.Now()})

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			writeSSE(w, flusher, e)
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, f http.Flusher, e events.Event) {
	data, _ := json.Marshal(e)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
