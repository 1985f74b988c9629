package runtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/birdtrack/enrichflow/internal/runtime/errors"
	idspkg "github.com/birdtrack/enrichflow/internal/runtime/ids"
	loggingpkg "github.com/birdtrack/enrichflow/internal/runtime/logging"
	metadatapkg "github.com/birdtrack/enrichflow/internal/runtime/metadata"
)

const tracerName = "github.com/birdtrack/enrichflow/internal/runtime"

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = IsRetryable
	}
	return cfg
}

// IsRetryable reports whether another attempt could succeed. Malformed
// payloads never become well-formed.
func IsRetryable(err error) bool {
	return err != nil && !IsMalformed(err)
}

// IsMalformed reports whether err marks an unprocessable payload.
func IsMalformed(err error) bool {
	if err == nil {
		return false
	}
	var unprocessable *UnprocessableEventError
	return errors.Is(err, errspkg.ErrMalformedPayload) || errors.As(err, &unprocessable)
}

// DefaultMiddlewares returns the standard middleware chain used by the
// Service constructor, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RetryMiddleware(RetryMiddlewareConfig{}),
		PoisonQueueMiddleware(nil),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds Prometheus router metrics and serves /metrics on
// MetricsPort.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if s.Conf == nil || !s.Conf.MetricsEnabled {
				return nil, nil
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(
				s.MetricsRegisterer(),
				"enrichflow",
				s.Conf.PubSubSystem,
			)

			metricsBuilder.AddPrometheusRouterMetrics(s.router)

			if s.Conf.MetricsPort > 0 {
				s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", s.metricsHandler())
			}

			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// metricsHandler serves the registry the service registers into when it can
// be gathered, and the default registry otherwise.
func (s *Service) metricsHandler() http.Handler {
	if gatherer, ok := s.MetricsRegisterer().(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// CorrelationIDMiddleware gives each processed message a correlation id
// without touching its metadata. Read it with CorrelationID.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.correlationIDMiddleware(), nil
		},
	}
}

// LogMessagesMiddleware logs the payload and metadata of handled messages at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return s.logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.tracerMiddleware(), nil
		},
	}
}

// RetryMiddleware retries handler execution with exponential backoff. Zero
// values are taken from the service config, then from the defaults.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			merged := cfg
			if s.Conf != nil {
				if merged.MaxRetries == 0 {
					merged.MaxRetries = s.Conf.RetryMaxRetries
				}
				if merged.InitialInterval == 0 {
					merged.InitialInterval = s.Conf.RetryInitialInterval
				}
				if merged.MaxInterval == 0 {
					merged.MaxInterval = s.Conf.RetryMaxInterval
				}
			}
			return s.retryMiddlewareWithConfig(merged), nil
		},
	}
}

// PoisonQueueMiddleware diverts messages whose error matches filter (by
// default: malformed payloads). With a PoisonQueue configured they are
// published there; otherwise they are logged and dropped. Either way the
// message is acked.
func PoisonQueueMiddleware(filter func(error) bool) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison_queue",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			f := filter
			if f == nil {
				f = IsMalformed
			}
			return s.poisonMiddlewareWithFilter(f)
		},
	}
}

// RecovererMiddleware converts panics into handler errors so they can be retried.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}

type correlationIDKey struct{}

// CorrelationID returns the correlation id of msg. A producer-supplied
// metadata value wins; otherwise it is the id the correlation middleware
// put on the message context. Metadata is never written, so forwarded
// attributes stay exactly as received.
func CorrelationID(msg *message.Message) string {
	if msg == nil {
		return ""
	}
	if id := msg.Metadata.Get(metadatapkg.KeyCorrelationID); id != "" {
		return id
	}
	id, _ := msg.Context().Value(correlationIDKey{}).(string)
	return id
}

// correlationIDMiddleware assigns a correlation id on the message context
// when the producer did not supply one.
func (s *Service) correlationIDMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if CorrelationID(msg) == "" {
				msg.SetContext(context.WithValue(msg.Context(), correlationIDKey{}, idspkg.CreateULID()))
			}
			return h(msg)
		}
	}
}

// poisonMiddlewareWithFilter dead-letters or drops messages matching filter.
func (s *Service) poisonMiddlewareWithFilter(filter func(err error) bool) (message.HandlerMiddleware, error) {
	if s.Conf == nil {
		return nil, errors.New("service config is required for poison queue middleware")
	}
	if filter == nil {
		filter = IsMalformed
	}
	if s.Conf.PoisonQueue == "" {
		return s.dropMiddleware(filter), nil
	}
	if s.publisher == nil {
		return nil, errors.New("publisher is required for poison queue middleware")
	}

	poison, err := middleware.PoisonQueueWithFilter(s.publisher, s.Conf.PoisonQueue, filter)
	if err != nil {
		return nil, err
	}

	topic := s.Conf.PoisonQueue
	return func(h message.HandlerFunc) message.HandlerFunc {
		return poison(func(msg *message.Message) ([]*message.Message, error) {
			msgs, err := h(msg)
			if err != nil && filter(err) {
				s.getPoisonMetrics().RecordPoisoned(topic, message.HandlerNameFromCtx(msg.Context()), err)
				s.Logger.Info("Sending message to poison queue", loggingpkg.LogFields{
					"message_uuid":              msg.UUID,
					"poison_queue":              topic,
					metadatapkg.KeyPoisonReason: err.Error(),
				})
			}
			return msgs, err
		})
	}, nil
}

// dropMiddleware acks and reports messages matching filter when no poison
// queue is configured.
func (s *Service) dropMiddleware(filter func(err error) bool) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			msgs, err := h(msg)
			if err == nil || !filter(err) {
				return msgs, err
			}
			s.getPoisonMetrics().RecordDropped(message.SubscribeTopicFromCtx(msg.Context()), message.HandlerNameFromCtx(msg.Context()), err)
			if s.Logger != nil {
				s.Logger.Error("Dropping unprocessable message", err, loggingpkg.LogFields{
					"message_uuid":              msg.UUID,
					"payload":                   string(msg.Payload),
					metadatapkg.KeyPoisonReason: err.Error(),
				})
			}
			return nil, nil
		}
	}
}

// logMessagesMiddleware logs all processed messages with their metadata.
func (s *Service) logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

func (s *Service) retryMiddlewareWithConfig(cfg RetryMiddlewareConfig) message.HandlerMiddleware {
	normalized := cfg.withDefaults()
	return middleware.Retry{
		MaxRetries:      normalized.MaxRetries,
		InitialInterval: normalized.InitialInterval,
		MaxInterval:     normalized.MaxInterval,
		Multiplier:      2,
		ShouldRetry: func(params middleware.RetryParams) bool {
			return normalized.RetryIf(params.Err)
		},
	}.Middleware
}

// tracerMiddleware wraps message handling with an OpenTelemetry span.
func (s *Service) tracerMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := otel.Tracer(tracerName).Start(
				msg.Context(),
				"enrichflow.ProcessMessage",
				trace.WithSpanKind(trace.SpanKindConsumer),
			)
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("messaging.message.id", msg.UUID),
				attribute.String("messaging.destination.name", message.SubscribeTopicFromCtx(ctx)),
				attribute.String("enrichflow.handler", message.HandlerNameFromCtx(ctx)),
				attribute.String("enrichflow.correlation_id", CorrelationID(msg)),
			)
			msgs, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return msgs, err
		}
	}
}
