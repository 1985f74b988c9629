package enrichflow

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/birdtrack/enrichflow/internal/airquality"
	"github.com/birdtrack/enrichflow/internal/enrich"
	runtimepkg "github.com/birdtrack/enrichflow/internal/runtime"
	loggingpkg "github.com/birdtrack/enrichflow/internal/runtime/logging"
	"github.com/birdtrack/enrichflow/internal/telemetry"
)

// maxRecordLine bounds one line of a PublishRecords input.
const maxRecordLine = 1 << 20

// Stage is a configured enrichment stage: the service hosting the router,
// with the enrichment handler registered between ConsumeQueue and
// PublishQueue.
type Stage struct {
	Service *Service

	handlerName string
	redis       *redis.Client
}

// NewStage validates cfg, builds the service and registers the enrichment
// handler. Nothing is consumed until Run.
func NewStage(ctx context.Context, cfg *Config, logger ServiceLogger, deps ServiceDependencies) (*Stage, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		return nil, ErrLoggerRequired
	}

	deps.Middlewares = append(deps.Middlewares, JobHooksMiddleware(LoggingHooks(logger)))
	svc, err := TryNewService(cfg, logger, ctx, deps)
	if err != nil {
		return nil, err
	}

	stage := &Stage{
		Service:     svc,
		handlerName: "enrich-" + strings.ToLower(cfg.StageName),
	}

	var fetcher airquality.Fetcher = airquality.NewClient(cfg.AirQualityBaseURL, cfg.AirQualityAPIKey, cfg.AirQualityTimeout)
	if cfg.CacheEnabled() {
		stage.redis = airquality.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		fetcher = airquality.NewCachedFetcher(fetcher, stage.redis, cfg.AirQualityCacheTTL, logger)
		logger.Info("Air quality cache enabled", loggingpkg.LogFields{
			"redis_addr": cfg.RedisAddr,
			"ttl":        cfg.AirQualityCacheTTL.String(),
		})
	}

	sinks := telemetry.MultiSink{telemetry.LoggerSink{Logger: logger}}
	if cfg.TelemetryTopic != "" {
		sinks = append(sinks, telemetry.PublisherSink{Publisher: svc.Publisher(), Topic: cfg.TelemetryTopic})
	}
	if cfg.MetricsEnabled {
		metricsSink := telemetry.NewMetricsSink(svc.MetricsRegisterer())
		if err := metricsSink.Register(); err != nil {
			return nil, errors.Join(fmt.Errorf("register telemetry metrics: %w", err), stage.Close())
		}
		sinks = append(sinks, metricsSink)
	}

	var stageMetrics *enrich.Metrics
	if cfg.MetricsEnabled {
		stageMetrics = enrich.NewMetrics(svc.MetricsRegisterer(), cfg.StageName)
		if err := stageMetrics.Register(); err != nil {
			return nil, errors.Join(fmt.Errorf("register stage metrics: %w", err), stage.Close())
		}
	}

	city, state, country := cfg.Location()
	transform, err := enrich.New(enrich.Options{
		Fetcher:      fetcher,
		Location:     airquality.Location{City: city, State: state, Country: country},
		Emitter:      telemetry.NewEmitter(cfg.StageName, cfg.StageVersion, sinks),
		ArrivalField: cfg.ArrivalField,
		Logger:       logger,
		Metrics:      stageMetrics,
	})
	if err != nil {
		return nil, errors.Join(err, stage.Close())
	}

	if err := RegisterMessageHandler(svc, MessageHandlerRegistration{
		Name:         stage.handlerName,
		ConsumeQueue: cfg.ConsumeQueue,
		PublishQueue: cfg.PublishQueue,
		Handler:      transform.Handler(),
	}); err != nil {
		return nil, errors.Join(err, stage.Close())
	}

	return stage, nil
}

// HandlerName is the router handler name, "enrich-<stage>".
func (s *Stage) HandlerName() string { return s.handlerName }

// Run consumes until ctx is cancelled.
func (s *Stage) Run(ctx context.Context) error {
	s.Service.Logger.Info("Starting enrichment stage", loggingpkg.LogFields{
		"stage":         s.Service.Conf.StageName,
		"consume_queue": s.Service.Conf.ConsumeQueue,
		"publish_queue": s.Service.Conf.PublishQueue,
	})
	return s.Service.Start(ctx)
}

// Close releases the transport and the cache connection.
func (s *Stage) Close() error {
	var errs []error
	if s.Service != nil {
		errs = append(errs, s.Service.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	return errors.Join(errs...)
}

// PublishRecords publishes every non-blank line of r to topic as one record
// and returns how many were published. Lines are not validated, so malformed
// records can be injected on purpose.
func PublishRecords(ctx context.Context, pub RecordPublisher, topic string, r io.Reader, md Metadata) (int, error) {
	if pub == nil {
		return 0, ErrPublisherRequired
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordLine)

	published := 0
	for line := 1; scanner.Scan(); line++ {
		payload := bytes.TrimSpace(scanner.Bytes())
		if len(payload) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return published, err
		}
		record := append([]byte(nil), payload...)
		if err := pub.PublishRecord(ctx, topic, record, md.Clone()); err != nil {
			return published, fmt.Errorf("line %d: %w", line, err)
		}
		published++
	}
	if err := scanner.Err(); err != nil {
		return published, fmt.Errorf("read records: %w", err)
	}
	return published, nil
}

var _ RecordPublisher = (*runtimepkg.Service)(nil)
