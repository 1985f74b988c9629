// Package enrich is the stage's unit of work: it appends one air-quality
// snapshot to a bird record, stamps the arrival time, reports telemetry and
// hands the record back for delivery.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/birdtrack/enrichflow/internal/airquality"
	"github.com/birdtrack/enrichflow/internal/record"
	errspkg "github.com/birdtrack/enrichflow/internal/runtime/errors"
	"github.com/birdtrack/enrichflow/internal/runtime/logging"
)

// DefaultArrivalField is the timestamp written by the north-east stage.
const DefaultArrivalField = "ne_arrival"

// TelemetryEmitter reports the elapsed time for one record.
type TelemetryEmitter interface {
	Emit(ctx context.Context, recordID string, startTime float64, capturedAt time.Time) error
}

// Options configures a Transform. Fetcher and Emitter are required.
type Options struct {
	Fetcher      airquality.Fetcher
	Location     airquality.Location
	Emitter      TelemetryEmitter
	ArrivalField string
	Logger       logging.ServiceLogger
	Metrics      *Metrics
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Transform enriches one record at a time. It holds no per-message state and
// is safe for concurrent use.
type Transform struct {
	fetcher      airquality.Fetcher
	location     airquality.Location
	emitter      TelemetryEmitter
	arrivalField string
	logger       logging.ServiceLogger
	metrics      *Metrics
	clock        func() time.Time
}

// New validates opts and builds a Transform.
func New(opts Options) (*Transform, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("enrich: air quality fetcher is required")
	}
	if opts.Emitter == nil {
		return nil, errors.New("enrich: telemetry emitter is required")
	}
	if opts.ArrivalField == "" {
		opts.ArrivalField = DefaultArrivalField
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewWatermillServiceLogger(watermill.NopLogger{})
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Transform{
		fetcher:      opts.Fetcher,
		location:     opts.Location,
		emitter:      opts.Emitter,
		arrivalField: opts.ArrivalField,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
	}, nil
}

// Process enriches msg and returns exactly one output message on success.
// The output keeps msg's UUID and metadata; msg itself is not modified.
//
// A payload that does not decode returns an error matching
// ErrMalformedPayload and no lookup is made. A failed lookup returns an
// error matching ErrLookupFailure. Telemetry failures are logged and never
// returned.
func (t *Transform) Process(ctx context.Context, msg *message.Message) ([]*message.Message, error) {
	rec, err := record.Decode(msg.Payload)
	if err != nil {
		t.metrics.failed(failureMalformed)
		return nil, fmt.Errorf("message %s: %w", msg.UUID, err)
	}

	lookupStart := time.Now()
	snapshot, err := t.fetcher.Fetch(ctx, t.location)
	t.metrics.observeLookup(time.Since(lookupStart), err)
	if err != nil {
		t.metrics.failed(failureLookup)
		return nil, fmt.Errorf("message %s: %w", msg.UUID, err)
	}
	capturedAt := t.clock()

	if err := rec.AppendAirQuality(snapshot); err != nil {
		t.metrics.failed(failureLookup)
		return nil, fmt.Errorf("message %s: %w: %w", msg.UUID, errspkg.ErrLookupFailure, err)
	}
	if err := rec.SetTimestamp(t.arrivalField, capturedAt); err != nil {
		t.metrics.failed(failureEncode)
		return nil, fmt.Errorf("message %s: %w", msg.UUID, err)
	}

	t.emitTelemetry(ctx, msg.UUID, rec, capturedAt)

	payload, err := rec.Encode()
	if err != nil {
		t.metrics.failed(failureEncode)
		return nil, fmt.Errorf("message %s: %w", msg.UUID, err)
	}

	out := msg.Copy()
	out.Payload = payload
	out.SetContext(ctx)
	t.metrics.enriched()

	t.logger.Debug("Record enriched", logging.LogFields{
		"message_uuid":      msg.UUID,
		"arrival_field":     t.arrivalField,
		"air_quality_count": rec.AirQualityLen(),
	})
	return []*message.Message{out}, nil
}

// Handler adapts the transform to a Watermill handler.
func (t *Transform) Handler() message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		return t.Process(msg.Context(), msg)
	}
}

func (t *Transform) emitTelemetry(ctx context.Context, messageUUID string, rec *record.Record, capturedAt time.Time) {
	err := t.telemetry(ctx, rec, capturedAt)
	if err == nil {
		return
	}
	t.metrics.failed(failureTelemetry)
	t.logger.Error("Telemetry emission failed", err, logging.LogFields{
		"message_uuid": messageUUID,
	})
}

func (t *Transform) telemetry(ctx context.Context, rec *record.Record, capturedAt time.Time) error {
	id, err := rec.UUID()
	if err != nil {
		return fmt.Errorf("%w: %w", errspkg.ErrTelemetryFailure, err)
	}
	start, err := rec.StartTime()
	if err != nil {
		return fmt.Errorf("%w: %w", errspkg.ErrTelemetryFailure, err)
	}
	return t.emitter.Emit(ctx, id, start, capturedAt)
}
