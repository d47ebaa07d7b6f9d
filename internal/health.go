package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ReadyFunc func(ctx context.Context) error

type HealthServerOptions struct {
	// Gatherer is used for the metrics endpoint, defaults to the
	// prometheus default gatherer.
	Gatherer prometheus.Gatherer
	// Profiling enables the pprof endpoints under /debug/pprof.
	Profiling bool
}

// HealthServer exposes readiness, metrics, and optionally pprof endpoints.
type HealthServer struct {
	server *http.Server

	m              sync.RWMutex
	readyFunctions map[string]ReadyFunc
}

func NewHealthServer(addr string, opts HealthServerOptions) *HealthServer {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := HealthServer{
		readyFunctions: make(map[string]ReadyFunc),
	}

	router := httprouter.New()

	router.Handler(http.MethodGet, "/metrics",
		promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	router.GET("/health/ready", s.readyHandler)

	if opts.Profiling {
		router.GET("/debug/pprof/*name", pprofHandler)
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 1 * time.Second,
	}

	return &s
}

// Handler returns the HTTP handler of the server.
func (s *HealthServer) Handler() http.Handler {
	return s.server.Handler
}

func pprofHandler(
	w http.ResponseWriter, r *http.Request, p httprouter.Params,
) {
	switch p.ByName("name") {
	case "/cmdline":
		pprof.Cmdline(w, r)
	case "/profile":
		pprof.Profile(w, r)
	case "/symbol":
		pprof.Symbol(w, r)
	case "/trace":
		pprof.Trace(w, r)
	default:
		pprof.Index(w, r)
	}
}

type ReadyResult struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *HealthServer) readyHandler(
	w http.ResponseWriter, req *http.Request, _ httprouter.Params,
) {
	var failed bool

	result := make(map[string]ReadyResult)

	s.m.RLock()
	defer s.m.RUnlock()

	for name, fn := range s.readyFunctions {
		err := fn(req.Context())
		if err != nil {
			failed = true

			result[name] = ReadyResult{
				Ok:    false,
				Error: err.Error(),
			}

			continue
		}

		result[name] = ReadyResult{Ok: true}
	}

	w.Header().Set("Content-Type", "application/json")

	if failed {
		w.WriteHeader(http.StatusInternalServerError)
	}

	enc := json.NewEncoder(w)

	enc.SetIndent("", "  ")

	_ = enc.Encode(result)
}

func (s *HealthServer) AddReadyFunction(name string, fn ReadyFunc) {
	s.m.Lock()
	defer s.m.Unlock()

	s.readyFunctions[name] = fn
}

func (s *HealthServer) Close() error {
	err := s.server.Close()
	if err != nil {
		return fmt.Errorf("failed to close http server: %w", err)
	}

	return nil
}

func (s *HealthServer) ListenAndServe(ctx context.Context) error {
	return ListenAndServeContext(ctx, s.server)
}
