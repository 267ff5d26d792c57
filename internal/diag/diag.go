// Package diag serves the session metrics and Go profiling endpoints, and
// can write CPU and heap profiles around a sync run.
package diag

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/codefionn/roomsync/internal/logger"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config selects what the server exposes.
type Config struct {
	// Addr is the HTTP listen address, e.g. "localhost:9120". Empty
	// disables the HTTP server.
	Addr string
	// Gatherer backs /metrics. Nil leaves /metrics unregistered.
	Gatherer prometheus.Gatherer
	// Pprof adds the /debug/pprof handlers.
	Pprof bool

	CPUProfile  string // written from Start to Stop
	HeapProfile string // written at Stop
}

// Server is started once and stopped once.
type Server struct {
	config  Config
	log     *logger.Logger
	server  *http.Server
	addr    net.Addr
	cpuFile *os.File

	mu      sync.Mutex
	stopped bool
}

func New(config Config) *Server {
	return &Server{config: config, log: logger.Global().WithPrefix("diag")}
}

// Start begins CPU profiling and starts the HTTP server as configured.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.CPUProfile != "" {
		f, err := create(s.config.CPUProfile)
		if err != nil {
			return fmt.Errorf("failed to create CPU profile file: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to start CPU profiling: %w", err)
		}
		s.cpuFile = f
	}

	if s.config.Addr == "" {
		return nil
	}

	router := httprouter.New()
	if s.config.Gatherer != nil {
		router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.config.Pprof {
		router.HandlerFunc(http.MethodGet, "/debug/pprof/*name", servePprof)
		router.HandlerFunc(http.MethodPost, "/debug/pprof/*name", servePprof)
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.stopCPULocked()
		return fmt.Errorf("failed to bind diagnostics server: %w", err)
	}
	s.addr = ln.Addr()
	s.server = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server: %v", err)
		}
	}()
	s.log.Info("listening on %s", s.addr)
	return nil
}

// servePprof routes the catch-all below /debug/pprof/ to net/http/pprof.
// Named profiles such as heap or goroutine are served by Index.
func servePprof(w http.ResponseWriter, r *http.Request) {
	switch httprouter.ParamsFromContext(r.Context()).ByName("name") {
	case "/cmdline":
		netpprof.Cmdline(w, r)
	case "/profile":
		netpprof.Profile(w, r)
	case "/symbol":
		netpprof.Symbol(w, r)
	case "/trace":
		netpprof.Trace(w, r)
	default:
		netpprof.Index(w, r)
	}
}

// Addr returns the bound address, or nil when no server runs.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop finishes profiles and shuts the server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	var errs []error
	if err := s.stopCPULocked(); err != nil {
		errs = append(errs, err)
	}

	if s.config.HeapProfile != "" {
		if err := writeHeap(s.config.HeapProfile); err != nil {
			errs = append(errs, err)
		}
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down diagnostics server: %w", err))
		}
		s.server = nil
	}
	return errors.Join(errs...)
}

func (s *Server) stopCPULocked() error {
	if s.cpuFile == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := s.cpuFile.Close()
	s.cpuFile = nil
	if err != nil {
		return fmt.Errorf("failed to close CPU profile: %w", err)
	}
	return nil
}

func writeHeap(path string) error {
	f, err := create(path)
	if err != nil {
		return fmt.Errorf("failed to create heap profile file: %w", err)
	}
	defer f.Close()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write heap profile: %w", err)
	}
	return nil
}

func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.Create(path)
}
