// Package telemetry reports, per record, how long it took to reach this
// stage since the upstream start_time.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/birdtrack/enrichflow/internal/record"
	errspkg "github.com/birdtrack/enrichflow/internal/runtime/errors"
)

// Entry is one telemetry line. LogName routes the entry to a per-record
// stream and is always the record id.
type Entry struct {
	Stage      string
	Version    string
	RecordID   string
	Elapsed    float64
	CapturedAt time.Time
}

// LogName is the stream the entry belongs to.
func (e Entry) LogName() string { return e.RecordID }

// Line renders the free-text form read by the pipeline dashboards.
func (e Entry) Line() string {
	return e.Stage + ", v." + e.Version + ", uuid: " + e.RecordID +
		", Elapsed time since last step: " + FormatSeconds(e.Elapsed)
}

// FormatSeconds prints the shortest decimal that round-trips, keeping a
// trailing ".0" on whole values.
func FormatSeconds(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".NI") {
		s += ".0"
	}
	return s
}

// Sink persists entries. Implementations must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, entry Entry) error

func (f SinkFunc) Write(ctx context.Context, entry Entry) error { return f(ctx, entry) }

// Emitter is built once per process and shared by all handler goroutines.
type Emitter struct {
	Stage   string
	Version string
	Sink    Sink
}

// NewEmitter returns an Emitter writing to sink.
func NewEmitter(stage, version string, sink Sink) *Emitter {
	return &Emitter{Stage: stage, Version: version, Sink: sink}
}

// Emit writes one entry with elapsed = capturedAt - startTime. Negative
// values are reported unchanged. Every error matches ErrTelemetryFailure.
func (e *Emitter) Emit(ctx context.Context, recordID string, startTime float64, capturedAt time.Time) error {
	if e == nil || e.Sink == nil {
		return fmt.Errorf("%w: no sink configured", errspkg.ErrTelemetryFailure)
	}
	if recordID == "" {
		return fmt.Errorf("%w: record id is empty", errspkg.ErrTelemetryFailure)
	}

	entry := Entry{
		Stage:      e.Stage,
		Version:    e.Version,
		RecordID:   recordID,
		Elapsed:    record.Seconds(capturedAt) - startTime,
		CapturedAt: capturedAt,
	}
	if err := e.Sink.Write(ctx, entry); err != nil {
		return fmt.Errorf("%w: %w", errspkg.ErrTelemetryFailure, err)
	}
	return nil
}

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, entry Entry) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Write(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
