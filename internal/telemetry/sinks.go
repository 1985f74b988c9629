package telemetry

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/birdtrack/enrichflow/internal/runtime/errors"
	idspkg "github.com/birdtrack/enrichflow/internal/runtime/ids"
	"github.com/birdtrack/enrichflow/internal/runtime/logging"
	metadatapkg "github.com/birdtrack/enrichflow/internal/runtime/metadata"
)

// LoggerSink writes each entry as a structured info record.
type LoggerSink struct {
	Logger logging.ServiceLogger
}

func (s LoggerSink) Write(_ context.Context, entry Entry) error {
	if s.Logger == nil {
		return errspkg.ErrLoggerRequired
	}
	s.Logger.Info(entry.Line(), logging.LogFields{
		metadatapkg.KeyLogName: entry.LogName(),
		metadatapkg.KeyStage:   entry.Stage,
		"version":              entry.Version,
		"elapsed_seconds":      entry.Elapsed,
	})
	return nil
}

// PublisherSink publishes the line to Topic so a log collector can store it
// under the record's stream.
type PublisherSink struct {
	Publisher message.Publisher
	Topic     string
}

func (s PublisherSink) Write(ctx context.Context, entry Entry) error {
	if s.Publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if s.Topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg := message.NewMessage(idspkg.CreateULIDAt(entry.CapturedAt), []byte(entry.Line()))
	msg.Metadata.Set(metadatapkg.KeyLogName, entry.LogName())
	msg.Metadata.Set(metadatapkg.KeyStage, entry.Stage)
	msg.Metadata.Set(metadatapkg.KeyContentType, "text/plain")
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return s.Publisher.Publish(s.Topic, msg)
}

// MetricsSink observes elapsed seconds in a Prometheus histogram labelled by
// stage. Negative values land in the lowest bucket.
type MetricsSink struct {
	elapsed *prometheus.HistogramVec

	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool
}

// NewMetricsSink builds the histogram. A nil registerer uses the default one.
func NewMetricsSink(registerer prometheus.Registerer) *MetricsSink {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &MetricsSink{
		registerer: registerer,
		elapsed: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "enrichflow",
				Subsystem: "telemetry",
				Name:      "elapsed_seconds",
				Help:      "Seconds between the record start_time and its arrival at the stage",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
			},
			[]string{"stage"},
		),
	}
}

// Register registers the histogram. Safe to call multiple times.
func (s *MetricsSink) Register() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registered {
		return nil
	}
	if err := s.registerer.Register(s.elapsed); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
			s.elapsed = existing
		}
	}
	s.registered = true
	return nil
}

func (s *MetricsSink) Write(_ context.Context, entry Entry) error {
	s.elapsed.WithLabelValues(entry.Stage).Observe(entry.Elapsed)
	return nil
}
