package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/birdtrack/enrichflow/internal/runtime/config"
	errspkg "github.com/birdtrack/enrichflow/internal/runtime/errors"
	loggingpkg "github.com/birdtrack/enrichflow/internal/runtime/logging"
	transportpkg "github.com/birdtrack/enrichflow/internal/runtime/transport"
	bus "github.com/birdtrack/enrichflow/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

const (
	routerCloseTimeout  = 30 * time.Second
	httpShutdownTimeout = 5 * time.Second
)

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the defaults.
type ServiceDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TransportFactory          transportpkg.Factory
	ErrorClassifier           ErrorClassifier
	// MetricsRegisterer receives router, poison queue and stage metrics.
	// Defaults to prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
}

// Service wires a Watermill router, publisher, subscriber, and middleware chain.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher    message.Publisher
	subscriber   message.Subscriber
	capabilities bus.Capabilities
	router       *message.Router

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	httpCtx       context.Context
	httpCancel    context.CancelFunc

	errorClassifier   ErrorClassifier
	resourceTracker   *resourceTracker
	poisonMetrics     *PoisonMetrics
	metricsRegisterer prometheus.Registerer
}

// NewService is TryNewService for callers that treat a broken setup as fatal.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	svc, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return svc
}

// TryNewService builds the transport selected by conf.PubSubSystem, the
// router and the middleware chain. Register handlers on the returned Service
// before calling Start.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating enrichment service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	registerer := deps.MetricsRegisterer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	s := &Service{
		Conf:              conf,
		Logger:            log,
		resourceTracker:   newResourceTracker(),
		metricsRegisterer: registerer,
		poisonMetrics:     NewPoisonMetrics(registerer),
		errorClassifier:   deps.ErrorClassifier,
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build %q transport: %w", conf.PubSubSystem, err)
	}
	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber
	s.capabilities = transport.Capabilities
	s.logCapabilities()

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: routerCloseTimeout}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	if conf.MetricsEnabled {
		if err := s.poisonMetrics.Register(); err != nil {
			return nil, fmt.Errorf("register poison metrics: %w", err)
		}
	}
	return s, nil
}

func (s *Service) logCapabilities() {
	caps := s.capabilities
	fields := loggingpkg.LogFields{
		"transport":          caps.Name,
		"native_dlq":         caps.SupportsNativeDLQ,
		"supports_ack":       caps.SupportsAck,
		"supports_nack":      caps.SupportsNack,
		"max_message_size":   caps.MaxMessageSize,
		"reliable_redeliver": caps.SupportsReliableDelivery(),
	}
	if caps.Name != "" && !caps.SupportsReliableDelivery() {
		s.Logger.Info("Transport cannot redeliver failed lookups; failed records are lost after retries", fields)
		return
	}
	s.Logger.Debug("Transport capabilities", fields)
}

// Start runs the underlying Watermill router until the provided context is
// cancelled, serving the metrics and status endpoints alongside it.
func (s *Service) Start(ctx context.Context) error {
	s.StartStatusServer()

	httpCtx, cancel := context.WithCancel(ctx)
	s.httpServersMu.Lock()
	s.httpCtx, s.httpCancel = httpCtx, cancel
	s.httpServersMu.Unlock()
	defer s.Stop()

	s.startHTTPServers(httpCtx)
	return routerRun(s.router, ctx)
}

// Stop shuts down the HTTP servers started by Start. The router stops when
// the context passed to Start is cancelled.
func (s *Service) Stop() {
	s.httpServersMu.Lock()
	cancel := s.httpCancel
	s.httpServersMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close releases the transport. Use it when the router was never started,
// e.g. after publishing records.
func (s *Service) Close() error {
	var errs []error
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.subscriber != nil && any(s.subscriber) != any(s.publisher) {
		errs = append(errs, s.subscriber.Close())
	}
	return errors.Join(errs...)
}

// Publisher exposes the transport publisher, e.g. for telemetry sinks.
func (s *Service) Publisher() message.Publisher { return s.publisher }

// Subscriber exposes the transport subscriber, e.g. to consume the publish
// queue in tests.
func (s *Service) Subscriber() message.Subscriber { return s.subscriber }

// Running is closed once every handler is subscribed.
func (s *Service) Running() chan struct{} { return s.router.Running() }

// Capabilities describes the configured transport.
func (s *Service) Capabilities() bus.Capabilities { return s.capabilities }

// PoisonMetrics returns the poison queue statistics.
func (s *Service) PoisonMetrics() *PoisonMetrics { return s.poisonMetrics }

// MetricsRegisterer is where the service registers its collectors.
func (s *Service) MetricsRegisterer() prometheus.Registerer {
	if s.metricsRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return s.metricsRegisterer
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

func (s *Service) getResourceTracker() *resourceTracker {
	if s.resourceTracker == nil {
		s.resourceTracker = newResourceTracker()
	}
	return s.resourceTracker
}

func (s *Service) getPoisonMetrics() *PoisonMetrics {
	if s.poisonMetrics == nil {
		s.poisonMetrics = NewPoisonMetrics(s.MetricsRegisterer())
	}
	return s.poisonMetrics
}

// RegisterHTTPHandler mounts handler on the server for port. Servers are
// started by Start.
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

func (s *Service) startHTTPServers(ctx context.Context) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
}
