package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/internal/runtime/consumer"
	"github.com/drblury/courier/internal/runtime/dispatch"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/lock"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/outbox"
	"github.com/drblury/courier/internal/runtime/outbox/postgres"
	"github.com/drblury/courier/internal/runtime/processor"
	"github.com/drblury/courier/internal/runtime/telemetry"
	"github.com/drblury/courier/transport"
	_ "github.com/drblury/courier/transport/transports"
)

const httpShutdownTimeout = 5 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to use the backends selected by the configuration.
type ServiceDependencies struct {
	// Transports resolves Config.Transport. Nil uses transport.DefaultRegistry.
	Transports *transport.Registry
	// Store replaces the outbox store chosen from Config.PostgresURL.
	Store outbox.Store
	// Locks replaces the lock provider chosen from Config.RedisURL.
	Locks lock.Provider
	// Clock drives outbox scheduling. Nil uses the wall clock.
	Clock outbox.Clock

	Middlewares               []dispatch.Middleware // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                  // Skips registering the default middleware chain when true.
	JobHooks                  dispatch.JobHooks
	TransitionHooks           []outbox.TransitionHook
	ErrorClassifier           ErrorClassifier

	// Registerer receives the Prometheus collectors. Nil uses the default registry.
	Registerer prometheus.Registerer
}

// Service wires a transport, the consumer registry and dispatcher, the outbox
// publisher and the background processors, and supervises them as one unit.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport  transport.Transport
	registry   *consumer.Registry
	dispatcher *dispatch.Dispatcher
	publisher  *outbox.Publisher
	store      outbox.Store
	locks      lock.Provider
	metrics    *telemetry.Metrics
	gatherer   prometheus.Gatherer
	health     *processor.Health
	processors []*processor.Periodic
	stats      *consumerStats

	resourceTracker *resourceTracker

	closers []func() error

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
	shutdown sync.Once
}

// NewService constructs a Service for the supplied configuration. Register
// consumers on the returned Service before calling Start. It panics when the
// Service cannot be built; use TryNewService to handle the error instead.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	svc, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return svc
}

// TryNewService constructs a Service, returning configuration and connection
// faults instead of panicking.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	cfg := conf.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating courier service", loggingpkg.LogFields{
		"transport": cfg.Transport,
		"config":    cfg.String(),
	})

	s := &Service{
		Conf:            &cfg,
		Logger:          log,
		resourceTracker: newResourceTracker(),
	}
	if err := s.build(ctx, deps); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, deps ServiceDependencies) error {
	cfg := s.Conf

	registry := deps.Transports
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	tr, err := registry.Build(ctx, cfg, s.Logger)
	if err != nil {
		return err
	}
	s.transport = tr
	s.closers = append(s.closers, tr.Close)

	if err := s.buildMetrics(deps.Registerer); err != nil {
		return err
	}
	if err := s.buildStore(ctx, deps.Store); err != nil {
		return err
	}
	if err := s.buildLocks(deps.Locks); err != nil {
		return err
	}

	s.registry = consumer.NewRegistry(consumer.Options{
		DefaultGroup:       cfg.DefaultGroup,
		DefaultConcurrency: cfg.ConsumerConcurrency,
	})
	s.stats = newConsumerStats(deps.ErrorClassifier)

	var middlewares []dispatch.Middleware
	if !deps.DisableDefaultMiddlewares {
		middlewares = append(middlewares, dispatch.DefaultMiddlewares(s.Logger)...)
	}
	middlewares = append(middlewares, dispatch.JobHooksMiddleware(s.stats.hooks().Merge(deps.JobHooks)))
	middlewares = append(middlewares, deps.Middlewares...)
	s.dispatcher = dispatch.New(s.registry, dispatch.Options{
		Logger:      s.Logger,
		Metrics:     s.metrics,
		Middlewares: middlewares,
	})

	s.publisher, err = outbox.NewPublisher(outbox.Options{
		Store:              s.store,
		Sender:             tr.Sender,
		Logger:             s.Logger,
		Metrics:            s.metrics,
		Clock:              deps.Clock,
		Hooks:              deps.TransitionHooks,
		MaxRetries:         cfg.MaxRetries,
		SucceededRetention: cfg.SucceededRetention,
		FailedRetention:    cfg.FailedRetention,
	})
	if err != nil {
		return err
	}

	s.health = processor.NewHealth(tr.Sender, s.Logger)
	s.processors = s.buildProcessors()
	return nil
}

func (s *Service) buildMetrics(registerer prometheus.Registerer) error {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if g, ok := registerer.(prometheus.Gatherer); ok {
		s.gatherer = g
	} else {
		s.gatherer = prometheus.DefaultGatherer
	}
	s.metrics = telemetry.NewMetrics(registerer)
	if !s.Conf.MetricsEnabled {
		return nil
	}
	if err := s.metrics.Register(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if reporter, ok := s.transport.Sender.(transport.PoolReporter); ok {
		err := s.metrics.RegisterPool(s.Conf.Transport, func() (int, int, int) {
			st := reporter.PoolStats()
			return st.Count, st.Idle, st.MaxSize
		})
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	return nil
}

func (s *Service) buildStore(ctx context.Context, store outbox.Store) error {
	switch {
	case store != nil:
		s.store = store
	case s.Conf.PostgresURL != "":
		pg, err := postgres.Open(ctx, postgres.Config{
			ConnectionString: s.Conf.PostgresURL,
			MaxOpenConns:     s.Conf.PoolSize,
		})
		if err != nil {
			return err
		}
		s.store = pg
		s.closers = append(s.closers, pg.Close)
	default:
		s.store = outbox.NewMemoryStore()
	}
	return nil
}

func (s *Service) buildLocks(provider lock.Provider) error {
	switch {
	case provider != nil:
		s.locks = provider
	case s.Conf.RedisURL != "":
		r, err := lock.NewRedisFromURL(s.Conf.RedisURL, lock.WithRedisLogger(s.Logger))
		if err != nil {
			return err
		}
		s.locks = r
		s.closers = append(s.closers, r.Close)
	default:
		s.locks = lock.NewLocal(s.Logger)
	}
	return nil
}

func (s *Service) buildProcessors() []*processor.Periodic {
	cfg := s.Conf
	opts := processor.Options{Locks: s.locks, Logger: s.Logger, Metrics: s.metrics}
	eager := opts
	eager.RunImmediately = true

	return []*processor.Periodic{
		processor.NewPeriodic(processor.RetryName, cfg.RetryInterval,
			processor.Retry(s.publisher, cfg.StuckAfter, cfg.BatchSize, s.Logger), eager),
		processor.NewPeriodic(processor.DelayedName, cfg.DelayedInterval,
			processor.Delayed(s.publisher, cfg.BatchSize), opts),
		processor.NewPeriodic(processor.HealthName, cfg.HealthCheckInterval,
			s.health.Check, opts),
		processor.NewPeriodic(processor.CollectorName, cfg.CollectorInterval,
			processor.Collector(s.store, s.publisher.Clock(), cfg.BatchSize, s.metrics, s.Logger), opts),
	}
}

// Registry exposes the consumer registry.
func (s *Service) Registry() *consumer.Registry { return s.registry }

// Consumer starts a fluent registration on the service registry.
func (s *Service) Consumer(handlerType, messageType string, factory consumer.HandlerFactory) *consumer.Builder {
	return s.registry.Consumer(handlerType, messageType, factory)
}

// Scan registers every consumer the modules declare.
func (s *Service) Scan(modules ...consumer.Module) error {
	return s.registry.Scan(modules...)
}

// MapTopic binds a message type to a topic.
func (s *Service) MapTopic(messageType, topic string) error {
	return s.registry.MapTopic(messageType, topic)
}

// Publisher exposes the outbox publisher.
func (s *Service) Publisher() *outbox.Publisher { return s.publisher }

// Dispatcher exposes the dispatcher so callers can add middleware before Start.
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Metrics exposes the Prometheus collectors and their in-process snapshot.
func (s *Service) Metrics() *telemetry.Metrics { return s.metrics }

// Healthy reports the result of the last broker health check.
func (s *Service) Healthy() bool { return s.health.Healthy() }

// Start seals the registry and runs every consumer group, the background
// processors and the HTTP endpoints until ctx is cancelled or Stop is called.
// It returns the first fatal error of any of them.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errspkg.ErrServiceStopped
	}
	if s.started {
		s.mu.Unlock()
		return errspkg.ErrServiceStarted
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	defer func() {
		cancel()
		s.release()
		close(s.done)
	}()

	s.registry.Seal()
	supervisor, err := s.supervisor()
	if err != nil {
		return err
	}
	s.Logger.Info("Starting courier service", loggingpkg.LogFields{
		"servers": supervisor.Servers(),
	})
	return supervisor.Run(runCtx)
}

func (s *Service) supervisor() (*processor.Supervisor, error) {
	supervisor := processor.NewSupervisor(s.Logger)

	groups := s.registry.Groups()
	if len(groups) > 0 && s.transport.Consumers == nil {
		return nil, fmt.Errorf("transport %q cannot consume: %w", s.Conf.Transport, errspkg.ErrBrokerUnavailable)
	}
	for _, spec := range groups {
		supervisor.Add(dispatch.NewServer(spec, s.transport.Consumers, s.dispatcher, s.Conf.ListenTimeout, s.Logger))
	}
	for _, p := range s.processors {
		supervisor.Add(p)
	}

	s.registerBuiltinHTTPHandlers()
	s.httpServersMu.Lock()
	for port, mux := range s.httpServers {
		supervisor.Add(&httpServer{addr: fmt.Sprintf(":%d", port), handler: mux, logger: s.Logger})
	}
	s.httpServersMu.Unlock()
	return supervisor, nil
}

// Stop cancels a running Service and waits for it to drain, bounded by ctx.
// Calling Stop on a Service that never started releases its resources.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		s.release()
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release closes owned resources once.
func (s *Service) release() {
	s.shutdown.Do(func() {
		var errs []error
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](); err != nil && !errors.Is(err, errspkg.ErrTransportClosed) {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			s.Logger.Error("Releasing service resources failed", err, nil)
		}
	})
}

// RegisterHTTPHandler mounts handler on the HTTP server listening on port.
// Servers start with the Service.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
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

func (s *Service) registerBuiltinHTTPHandlers() {
	if s.Conf.MetricsEnabled && s.Conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	s.registerStatusHandlers()
}

// httpServer adapts an http.Server to supervision. A listener failure is
// logged and does not stop the Service.
type httpServer struct {
	addr    string
	handler http.Handler
	logger  loggingpkg.ServiceLogger
}

func (h *httpServer) Name() string { return "http" + h.addr }

func (h *httpServer) Run(ctx context.Context) error {
	srv := &http.Server{Addr: h.addr, Handler: h.handler, ReadHeaderTimeout: httpShutdownTimeout}
	h.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": h.addr})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Error("HTTP server shutdown failed", err, loggingpkg.LogFields{"address": h.addr})
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": h.addr})
		}
		return nil
	}
}
