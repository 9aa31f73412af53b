package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/pentacore/internal/runtime/clock"
	configpkg "github.com/drblury/pentacore/internal/runtime/config"
	"github.com/drblury/pentacore/internal/runtime/conduit"
	errspkg "github.com/drblury/pentacore/internal/runtime/errors"
	"github.com/drblury/pentacore/internal/runtime/locks"
	loggingpkg "github.com/drblury/pentacore/internal/runtime/logging"
	"github.com/drblury/pentacore/internal/runtime/reservoir"
	"github.com/drblury/pentacore/storage"
	_ "github.com/drblury/pentacore/storage/backends"
)

var serveHTTP = func(srv *http.Server) error {
	return srv.ListenAndServe()
}

const shutdownTimeout = 5 * time.Second

// SubstrateDependencies holds the optional collaborators a Substrate can use.
// Leave fields nil to get the defaults.
type SubstrateDependencies struct {
	// StorageRegistry resolves Config.StorageBackend. Defaults to the
	// package-level registry with every built-in backend.
	StorageRegistry *storage.Registry
	// Registry receives all collectors. Defaults to a fresh registry owned
	// by the Substrate.
	Registry *prometheus.Registry
	Clock    clock.Clock
	// DeadLetterPublisher carries dead letters to Config.DeadLetterTopic.
	DeadLetterPublisher message.Publisher
	Hooks               conduit.Hooks
}

// Substrate wires the storage backend, the Conduit and the lock manager
// from one Config and owns their lifecycle.
type Substrate struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	Conduit *conduit.Conduit
	Locks   *locks.Manager

	backend          storage.Backend
	clock            clock.Clock
	registry         *prometheus.Registry
	reservoirMetrics *reservoir.Metrics

	reservoirs   map[string]reservoirProbe
	reservoirsMu sync.Mutex
	process      *processSampler

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	running       []*http.Server

	closeOnce sync.Once
	closeErr  error
}

// NewSubstrate validates conf, builds the configured storage backend and
// constructs the Conduit and lock manager. A nil log builds a text logger on
// stderr at Config.LogLevel.
func NewSubstrate(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps SubstrateDependencies) (*Substrate, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	resolved := conf.WithDefaults()
	if err := resolved.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	if log == nil {
		var err error
		log, err = loggingpkg.NewTextServiceLogger(os.Stderr, resolved.LogLevel)
		if err != nil {
			return nil, err
		}
	}
	log.Info("Creating substrate", loggingpkg.LogFields{
		"storage_backend": resolved.StorageBackend,
		"config":          resolved,
	})

	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}

	conduitMetrics := conduit.NewMetrics(registry)
	lockMetrics := locks.NewMetrics(registry)
	reservoirMetrics := reservoir.NewMetrics(registry)
	if err := errors.Join(conduitMetrics.Register(), lockMetrics.Register(), reservoirMetrics.Register()); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	var sink conduit.DeadLetterSink
	if resolved.DeadLetterTopic != "" {
		wmSink, err := conduit.NewWatermillSink(deps.DeadLetterPublisher, resolved.DeadLetterTopic)
		if err != nil {
			return nil, fmt.Errorf("dead letter sink: %w", err)
		}
		sink = wmSink
	}

	storageRegistry := deps.StorageRegistry
	if storageRegistry == nil {
		storageRegistry = storage.DefaultRegistry
	}
	backend, err := storageRegistry.Build(ctx, &resolved, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return nil, fmt.Errorf("build storage backend %q: %w", resolved.StorageBackend, err)
	}

	s := &Substrate{
		Conf:             &resolved,
		Logger:           log,
		backend:          backend,
		clock:            clk,
		registry:         registry,
		reservoirMetrics: reservoirMetrics,
	}
	s.Conduit = conduit.New(conduit.Options{
		MaxDepth:           resolved.ConduitMaxDepth,
		DefaultTTL:         resolved.ConduitDefaultTTL,
		DeadLetterCapacity: resolved.DeadLetterCapacity,
		Clock:              clk,
		Logger:             log,
		Metrics:            conduitMetrics,
		Hooks:              deps.Hooks,
		Sink:               sink,
	})
	s.Locks = locks.NewManager(locks.Options{
		DefaultTTL:     resolved.LockDefaultTTL,
		DefaultTimeout: resolved.LockDefaultTimeout,
		Clock:          clk,
		Logger:         log,
		Metrics:        lockMetrics,
	})

	if resolved.MetricsEnabled {
		s.RegisterHTTPHandler(resolved.MetricsPort, "/metrics", s.MetricsHandler())
	}
	s.StartStatusServer()
	return s, nil
}

// OpenReservoir returns the substrate's Reservoir for the configured name,
// creating it on first use. Later calls with the same value type share the
// instance and its hot tier; a different value type is rejected with
// ErrReservoirTypeMismatch.
func OpenReservoir[V any](s *Substrate) (*reservoir.Reservoir[V], error) {
	if s == nil {
		return nil, errspkg.ErrConfigRequired
	}
	name := s.Conf.GetReservoirName()

	s.reservoirsMu.Lock()
	defer s.reservoirsMu.Unlock()
	if open, ok := s.reservoirs[name]; ok {
		r, ok := open.instance.(*reservoir.Reservoir[V])
		if !ok {
			return nil, fmt.Errorf("%w: %q is open as %T", errspkg.ErrReservoirTypeMismatch, name, open.instance)
		}
		return r, nil
	}

	r, err := reservoir.New[V](s.backend, reservoir.Options{
		Name:        name,
		HotCapacity: s.Conf.ReservoirHotCapacity,
		Clock:       s.clock,
		Logger:      s.Logger,
		Metrics:     s.reservoirMetrics,
	})
	if err != nil {
		return nil, err
	}
	if s.reservoirs == nil {
		s.reservoirs = make(map[string]reservoirProbe)
	}
	s.reservoirs[name] = reservoirProbe{instance: r, stats: r.Stats, hotKeys: r.HotKeys}
	return r, nil
}

// Backend exposes the storage surfaces, mainly for tests and admin tooling.
func (s *Substrate) Backend() storage.Backend { return s.backend }

// Registry returns the Prometheus registry holding the substrate collectors.
func (s *Substrate) Registry() *prometheus.Registry { return s.registry }

// MetricsHandler serves the substrate registry in the Prometheus text format.
func (s *Substrate) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with Start.
func (s *Substrate) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// Start serves the registered HTTP handlers until ctx is cancelled, then
// shuts the servers down. The substrate components themselves need no
// background loop.
func (s *Substrate) Start(ctx context.Context) error {
	s.startHTTPServers()
	<-ctx.Done()
	return s.stopHTTPServers()
}

func (s *Substrate) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := serveHTTP(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
}

func (s *Substrate) stopHTTPServers() error {
	s.httpServersMu.Lock()
	servers := s.running
	s.running = nil
	s.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the storage backend. It is safe to call more than once.
func (s *Substrate) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.backend.Close()
		if s.closeErr != nil {
			s.Logger.Error("Failed to close storage backend", s.closeErr, nil)
			return
		}
		s.Logger.Info("Substrate closed", nil)
	})
	return s.closeErr
}
