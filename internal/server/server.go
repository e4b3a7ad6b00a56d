package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danshapiro/testforge/internal/events"
	"github.com/danshapiro/testforge/internal/forge/blob"
	"github.com/danshapiro/testforge/internal/forge/history"
	"github.com/danshapiro/testforge/internal/forge/orchestrator"
	"github.com/danshapiro/testforge/internal/forge/runtime"
)

type Config struct {
	Addr string
	// AllowedOrigins may POST from a browser in addition to loopback hosts.
	AllowedOrigins []string
	// ShutdownTimeout bounds the drain of in-flight requests. Zero means 15s.
	ShutdownTimeout time.Duration
}

// Runner is the orchestrator surface the server drives.
type Runner interface {
	Submit(ctx context.Context, req orchestrator.Request, sink events.Sink) (*orchestrator.Outcome, error)
	Approve(ctx context.Context, runID, feedback string, sink events.Sink) (*orchestrator.Outcome, error)
	Deny(ctx context.Context, runID, reason string) (*orchestrator.Outcome, error)
	Step(ctx context.Context, runID string, sink events.Sink) (*orchestrator.Outcome, error)
	Get(ctx context.Context, runID string) (*runtime.WorkflowState, error)
	Artifact(ctx context.Context, ref blob.Ref) (string, error)
	Execute(ctx context.Context, runID string) (*orchestrator.Execution, error)
}

// History is the read side of history.Store.
type History interface {
	ListRuns(ctx context.Context, sessionID string, limit int) ([]history.Run, error)
	Notifications(ctx context.Context, sessionID string, unreadOnly bool) ([]history.Notification, error)
	MarkRead(ctx context.Context, id int64) error
}

type Deps struct {
	Runner  Runner
	History History
	// Hub must also be the orchestrator's global sink for /events to see
	// anything.
	Hub    *events.Hub
	Logger *slog.Logger
}

// Server is the HTTP API for submitting and steering test-generation runs.
type Server struct {
	config   Config
	runner   Runner
	history  History
	hub      *events.Hub
	registry *RunRegistry
	// drivers counts background run goroutines.
	drivers  sync.WaitGroup
	validate *validator.Validate
	baseCtx  context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
	logger   *slog.Logger
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Runner == nil || deps.History == nil || deps.Hub == nil {
		return nil, errors.New("server: runner, history and hub are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		runner:   deps.Runner,
		history:  deps.History,
		hub:      deps.Hub,
		registry: NewRunRegistry(),
		validate: validator.New(),
		baseCtx:  ctx,
		cancel:   cancel,
		logger:   deps.Logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /runs", s.handleSubmitRun)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("POST /runs/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /runs/{id}/deny", s.handleDeny)
	mux.HandleFunc("POST /runs/{id}/step", s.handleStep)
	mux.HandleFunc("POST /runs/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /notifications", s.handleNotifications)
	mux.HandleFunc("POST /notifications/{nid}/read", s.handleMarkRead)

	s.httpSrv = &http.Server{
		Handler:     s.instrument(originGuard(cfg.AllowedOrigins, mux)),
		ReadTimeout: 30 * time.Second,
		// event streams stay open for the whole run
		WriteTimeout: 0,
		IdleTimeout:  2 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s, nil
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("listening", "addr", ln.Addr().String())

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down", "reason", context.Cause(ctx))
			s.Shutdown()
		case <-s.baseCtx.Done():
		}
	}()

	err = s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	s.cancel()
	return err
}

var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "testforge",
	Name:      "http_requests_total",
	Help:      "API requests by route and status code.",
}, []string{"route", "code"})

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps event streams working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.code == 0 {
			sw.code = http.StatusOK
		}
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(route, strconv.Itoa(sw.code)).Inc()
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", sw.code, "elapsed", time.Since(start))
	})
}

// originGuard rejects browser POSTs from foreign origins. Requests without
// an Origin header come from the CLI or scripts and pass.
func originGuard(allowed []string, next http.Handler) http.Handler {
	ok := map[string]bool{"localhost": true, "127.0.0.1": true, "::1": true}
	for _, o := range allowed {
		if u, err := url.Parse(o); err == nil && u.Hostname() != "" {
			ok[u.Hostname()] = true
		} else {
			ok[o] = true
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if r.Method != http.MethodPost || origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		u, err := url.Parse(origin)
		switch {
		case err != nil:
			writeError(w, http.StatusForbidden, "invalid Origin header")
		case !ok[u.Hostname()]:
			writeError(w, http.StatusForbidden, "cross-origin request blocked")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// Shutdown stops accepting requests and cancels every run being driven.
// Cancelled runs can be resumed later from their checkpoints.
func (s *Server) Shutdown() {
	s.registry.CancelAll("server shutting down")

	grace := s.config.ShutdownTimeout
	if grace <= 0 {
		grace = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown incomplete", "error", err)
	}
	s.drivers.Wait()

	s.cancel()
}
