package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdtrack/enrichflow/internal/airquality"
	errspkg "github.com/birdtrack/enrichflow/internal/runtime/errors"
	"github.com/birdtrack/enrichflow/internal/runtime/logging"
	"github.com/birdtrack/enrichflow/internal/telemetry"
)

var boston = airquality.Location{City: "Boston", State: "Massachusetts", Country: "USA"}

type stubFetcher struct {
	calls    atomic.Int32
	snapshot airquality.Snapshot
	err      error

	mu     sync.Mutex
	gotLoc airquality.Location
}

func (f *stubFetcher) Fetch(_ context.Context, loc airquality.Location) (airquality.Snapshot, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.gotLoc = loc
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot, nil
}

type emitCall struct {
	recordID   string
	startTime  float64
	capturedAt time.Time
}

type stubEmitter struct {
	mu    sync.Mutex
	calls []emitCall
	err   error
}

func (e *stubEmitter) Emit(_ context.Context, recordID string, startTime float64, capturedAt time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, emitCall{recordID: recordID, startTime: startTime, capturedAt: capturedAt})
	return e.err
}

func fixedClock(t time.Time) (func() time.Time, *atomic.Int32) {
	var calls atomic.Int32
	return func() time.Time {
		calls.Add(1)
		return t
	}, &calls
}

func newTestTransform(t *testing.T, fetcher airquality.Fetcher, emitter TelemetryEmitter, opts ...func(*Options)) *Transform {
	t.Helper()
	clock, _ := fixedClock(time.Unix(1000, 500000000))
	o := Options{
		Fetcher:  fetcher,
		Location: boston,
		Emitter:  emitter,
		Clock:    clock,
	}
	for _, opt := range opts {
		opt(&o)
	}
	tr, err := New(o)
	require.NoError(t, err)
	return tr
}

func newMessage(payload string) *message.Message {
	msg := message.NewMessage(watermill.NewUUID(), []byte(payload))
	msg.Metadata.Set("source", "tracker-7")
	msg.Metadata.Set("species", "anser")
	return msg
}

func TestProcessEnrichesRecord(t *testing.T) {
	fetcher := &stubFetcher{snapshot: airquality.Snapshot(`{"aqi":42}`)}
	emitter := &stubEmitter{}
	tr := newTestTransform(t, fetcher, emitter)

	in := newMessage(`{"uuid":"abc-1","start_time":1000.0,"air_quality":[]}`)
	out, err := tr.Process(context.Background(), in)

	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, `{"uuid":"abc-1","start_time":1000.0,"air_quality":[{"aqi":42}],"ne_arrival":1000.5}`, string(out[0].Payload))
	assert.Equal(t, in.UUID, out[0].UUID)
	assert.Equal(t, in.Metadata, out[0].Metadata)
	assert.Equal(t, `{"uuid":"abc-1","start_time":1000.0,"air_quality":[]}`, string(in.Payload), "input must not be mutated")

	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, boston, fetcher.gotLoc)

	require.Len(t, emitter.calls, 1)
	assert.Equal(t, "abc-1", emitter.calls[0].recordID)
	assert.Equal(t, 1000.0, emitter.calls[0].startTime)
	assert.Equal(t, time.Unix(1000, 500000000), emitter.calls[0].capturedAt)
}

func TestProcessWithRealEmitterReportsElapsed(t *testing.T) {
	var entries []telemetry.Entry
	sink := telemetry.SinkFunc(func(_ context.Context, e telemetry.Entry) error {
		entries = append(entries, e)
		return nil
	})
	tr := newTestTransform(t, &stubFetcher{snapshot: airquality.Snapshot(`{"aqi":42}`)}, telemetry.NewEmitter("NORTHEAST", "1", sink))

	_, err := tr.Process(context.Background(), newMessage(`{"uuid":"abc-1","start_time":1000.0,"air_quality":[]}`))
	require.NoError(t, err)

	require.Len(t, entries, 1)
	assert.Equal(t, "NORTHEAST, v.1, uuid: abc-1, Elapsed time since last step: 0.5", entries[0].Line())
}

func TestProcessKeepsExistingSnapshotsAndFields(t *testing.T) {
	tr := newTestTransform(t, &stubFetcher{snapshot: airquality.Snapshot(`{"aqi":7,"ts":"2024-05-01"}`)}, &stubEmitter{})

	out, err := tr.Process(context.Background(), newMessage(
		`{"uuid":"u","lat":42.36,"start_time":999.25,"air_quality":[{"aqi":1},{"aqi":2}],"tags":["a","b"]}`))

	require.NoError(t, err)
	assert.Equal(t,
		`{"uuid":"u","lat":42.36,"start_time":999.25,"air_quality":[{"aqi":1},{"aqi":2},{"aqi":7,"ts":"2024-05-01"}],"tags":["a","b"],"ne_arrival":1000.5}`,
		string(out[0].Payload))
}

func TestProcessCreatesMissingAirQuality(t *testing.T) {
	tr := newTestTransform(t, &stubFetcher{snapshot: airquality.Snapshot(`{"aqi":3}`)}, &stubEmitter{})

	out, err := tr.Process(context.Background(), newMessage(`{"uuid":"u","start_time":1}`))

	require.NoError(t, err)
	assert.Equal(t, `{"uuid":"u","start_time":1,"air_quality":[{"aqi":3}],"ne_arrival":1000.5}`, string(out[0].Payload))
}

func TestProcessUsesConfiguredArrivalField(t *testing.T) {
	tr := newTestTransform(t, &stubFetcher{snapshot: airquality.Snapshot(`{}`)}, &stubEmitter{}, func(o *Options) {
		o.ArrivalField = "se_arrival"
	})

	out, err := tr.Process(context.Background(), newMessage(`{"uuid":"u","start_time":1,"air_quality":[]}`))

	require.NoError(t, err)
	assert.Equal(t, `{"uuid":"u","start_time":1,"air_quality":[{}],"se_arrival":1000.5}`, string(out[0].Payload))
}

func TestProcessCapturesTimeOnce(t *testing.T) {
	clock, calls := fixedClock(time.Unix(2000, 0))
	emitter := &stubEmitter{}
	tr := newTestTransform(t, &stubFetcher{snapshot: airquality.Snapshot(`{}`)}, emitter, func(o *Options) {
		o.Clock = clock
	})

	out, err := tr.Process(context.Background(), newMessage(`{"uuid":"u","start_time":1990.0,"air_quality":[]}`))

	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, string(out[0].Payload), `"ne_arrival":2000.0`)
	assert.Equal(t, time.Unix(2000, 0), emitter.calls[0].capturedAt)
}

func TestProcessMalformedPayloadSkipsLookup(t *testing.T) {
	payloads := map[string]string{
		"empty":                   ``,
		"not json":                `not-json`,
		"truncated":               `{"uuid":"u",`,
		"array":                   `[{"uuid":"u"}]`,
		"string":                  `"hello"`,
		"air_quality not array":   `{"uuid":"u","start_time":1,"air_quality":{"aqi":1}}`,
		"air_quality is a scalar": `{"uuid":"u","start_time":1,"air_quality":3}`,
		"invalid utf-8":           "{\"uuid\":\"ab\xff\",\"start_time\":1000.0,\"air_quality\":[]}",
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			fetcher := &stubFetcher{snapshot: airquality.Snapshot(`{}`)}
			emitter := &stubEmitter{}
			tr := newTestTransform(t, fetcher, emitter)

			out, err := tr.Process(context.Background(), newMessage(payload))

			require.Error(t, err)
			assert.Nil(t, out)
			assert.ErrorIs(t, err, errspkg.ErrMalformedPayload)
			assert.Zero(t, fetcher.calls.Load())
			assert.Empty(t, emitter.calls)
		})
	}
}

func TestProcessLookupFailureForwardsNothing(t *testing.T) {
	fetcher := &stubFetcher{err: &airquality.LookupError{Location: boston, StatusCode: 503}}
	emitter := &stubEmitter{}
	tr := newTestTransform(t, fetcher, emitter)

	out, err := tr.Process(context.Background(), newMessage(`{"uuid":"u","start_time":1,"air_quality":[]}`))

	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, errspkg.ErrLookupFailure)
	assert.NotErrorIs(t, err, errspkg.ErrMalformedPayload)
	assert.Empty(t, emitter.calls)
}

func TestProcessRejectsNonJSONSnapshot(t *testing.T) {
	tr := newTestTransform(t, &stubFetcher{snapshot: airquality.Snapshot(`<html>`)}, &stubEmitter{})

	out, err := tr.Process(context.Background(), newMessage(`{"uuid":"u","start_time":1,"air_quality":[]}`))

	assert.Nil(t, out)
	assert.ErrorIs(t, err, errspkg.ErrLookupFailure)
}

func TestProcessTelemetryFailureStillForwards(t *testing.T) {
	captured := watermill.NewCaptureLogger()
	tr := newTestTransform(t, &stubFetcher{snapshot: airquality.Snapshot(`{"aqi":42}`)},
		&stubEmitter{err: fmt.Errorf("%w: sink down", errspkg.ErrTelemetryFailure)},
		func(o *Options) { o.Logger = logging.NewWatermillServiceLogger(captured) })

	out, err := tr.Process(context.Background(), newMessage(`{"uuid":"abc-1","start_time":1000.0,"air_quality":[]}`))

	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, `{"uuid":"abc-1","start_time":1000.0,"air_quality":[{"aqi":42}],"ne_arrival":1000.5}`, string(out[0].Payload))

	errs := captured.Captured()[watermill.ErrorLogLevel]
	require.Len(t, errs, 1)
	assert.Equal(t, "Telemetry emission failed", errs[0].Msg)
	assert.ErrorIs(t, errs[0].Err, errspkg.ErrTelemetryFailure)
}

func TestProcessMissingTelemetryFieldsStillForwards(t *testing.T) {
	tests := map[string]string{
		"no uuid":              `{"start_time":1,"air_quality":[]}`,
		"uuid not a string":    `{"uuid":12,"start_time":1,"air_quality":[]}`,
		"no start_time":        `{"uuid":"u","air_quality":[]}`,
		"start_time is string": `{"uuid":"u","start_time":"1000","air_quality":[]}`,
	}

	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			emitter := &stubEmitter{}
			tr := newTestTransform(t, &stubFetcher{snapshot: airquality.Snapshot(`{}`)}, emitter)

			out, err := tr.Process(context.Background(), newMessage(payload))

			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Contains(t, string(out[0].Payload), `"air_quality":[{}]`)
			assert.Empty(t, emitter.calls)
		})
	}
}

func TestHandlerUsesMessageContext(t *testing.T) {
	type ctxKey struct{}
	var seen context.Context
	fetcher := airqualityFetcherFunc(func(ctx context.Context, _ airquality.Location) (airquality.Snapshot, error) {
		seen = ctx
		return airquality.Snapshot(`{}`), nil
	})
	tr := newTestTransform(t, fetcher, &stubEmitter{})

	msg := newMessage(`{"uuid":"u","start_time":1,"air_quality":[]}`)
	msg.SetContext(context.WithValue(context.Background(), ctxKey{}, "v"))

	out, err := tr.Handler()(msg)

	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, seen)
	assert.Equal(t, "v", seen.Value(ctxKey{}))
}

func TestProcessIsSafeForConcurrentUse(t *testing.T) {
	emitter := &stubEmitter{}
	tr := newTestTransform(t, &stubFetcher{snapshot: airquality.Snapshot(`{"aqi":1}`)}, emitter)

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := tr.Process(context.Background(), newMessage(fmt.Sprintf(`{"uuid":"r-%d","start_time":1,"air_quality":[]}`, i)))
			if err == nil && len(out) != 1 {
				err = errors.New("expected one output")
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, emitter.calls, workers)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Emitter: &stubEmitter{}})
	assert.Error(t, err)

	_, err = New(Options{Fetcher: &stubFetcher{}})
	assert.Error(t, err)

	tr, err := New(Options{Fetcher: &stubFetcher{}, Emitter: &stubEmitter{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultArrivalField, tr.arrivalField)
}

func TestMetricsCountOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "NORTHEAST")
	require.NoError(t, metrics.Register())
	require.NoError(t, metrics.Register())

	fetcher := &stubFetcher{snapshot: airquality.Snapshot(`{}`)}
	tr := newTestTransform(t, fetcher, &stubEmitter{}, func(o *Options) { o.Metrics = metrics })

	_, _ = tr.Process(context.Background(), newMessage(`{"uuid":"u","start_time":1}`))
	_, _ = tr.Process(context.Background(), newMessage(`nope`))
	fetcher.err = &airquality.LookupError{Location: boston}
	_, _ = tr.Process(context.Background(), newMessage(`{"uuid":"u","start_time":1}`))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.enrichedTotal.WithLabelValues("NORTHEAST")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.failuresTotal.WithLabelValues("NORTHEAST", failureMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.failuresTotal.WithLabelValues("NORTHEAST", failureLookup)))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.lookupDuration))
}

type airqualityFetcherFunc func(ctx context.Context, loc airquality.Location) (airquality.Snapshot, error)

func (f airqualityFetcherFunc) Fetch(ctx context.Context, loc airquality.Location) (airquality.Snapshot, error) {
	return f(ctx, loc)
}
