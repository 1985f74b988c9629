package enrichflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bostonSnapshot = `{"status":"success","data":{"city":"Boston","current":{"pollution":{"aqius":12}}}}`

func newProvider(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "Boston", r.URL.Query().Get("city"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, bostonSnapshot)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func stageConfig(baseURL string) *Config {
	return &Config{
		PubSubSystem:         "channel",
		StageName:            "NORTHEAST",
		StageVersion:         "1",
		ArrivalField:         "ne_arrival",
		ConsumeQueue:         "start_migration",
		PublishQueue:         "depart_ne",
		TelemetryTopic:       "telemetry",
		PoisonQueue:          "poison",
		AirQualityBaseURL:    baseURL,
		AirQualityAPIKey:     "secret",
		AirQualityCity:       "Boston",
		AirQualityState:      "Massachusetts",
		AirQualityCountry:    "USA",
		AirQualityTimeout:    time.Second,
		RetryMaxRetries:      1,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     time.Millisecond,
		MetricsEnabled:       true,
	}
}

func discardLogger() ServiceLogger {
	return NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestStageEnrichesRecordsEndToEnd(t *testing.T) {
	srv, hits := newProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stage, err := NewStage(ctx, stageConfig(srv.URL), discardLogger(), ServiceDependencies{MetricsRegisterer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stage.Close() })
	assert.Equal(t, "enrich-northeast", stage.HandlerName())

	sub := stage.Service.Subscriber()
	enriched, err := sub.Subscribe(ctx, "depart_ne")
	require.NoError(t, err)
	telemetryLines, err := sub.Subscribe(ctx, "telemetry")
	require.NoError(t, err)
	poisoned, err := sub.Subscribe(ctx, "poison")
	require.NoError(t, err)

	go func() { _ = stage.Run(ctx) }()
	select {
	case <-stage.Service.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("stage did not start")
	}

	before := float64(time.Now().UnixNano()) / 1e9
	record := `{"uuid":"a1","species":"Anser anser","start_time":1000.0,"air_quality":[]}`
	in, err := NewRecordMessage([]byte(record), NewMetadata("flock", "north"))
	require.NoError(t, err)
	sent := maps.Clone(in.Metadata)
	require.NoError(t, stage.Service.Publisher().Publish("start_migration", in))

	out := receive(t, enriched)
	assert.Equal(t, sent, out.Metadata, "attributes are forwarded unchanged")
	assert.Equal(t, in.UUID, out.UUID)

	var got map[string]any
	require.NoError(t, Unmarshal(out.Payload, &got))
	assert.Equal(t, "a1", got["uuid"])
	assert.Equal(t, "Anser anser", got["species"])
	assert.Equal(t, 1000.0, got["start_time"])
	aq, ok := got["air_quality"].([]any)
	require.True(t, ok)
	require.Len(t, aq, 1)
	assert.Equal(t, "success", aq[0].(map[string]any)["status"])
	arrival, ok := got["ne_arrival"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, arrival, before)
	assert.True(t, strings.HasPrefix(string(out.Payload), `{"uuid":"a1","species":"Anser anser","start_time":1000.0,"air_quality":[{`),
		"field order and raw values are kept: %s", out.Payload)

	line := receive(t, telemetryLines)
	assert.True(t, strings.HasPrefix(string(line.Payload), "NORTHEAST, v.1, uuid: a1, Elapsed time since last step: "), string(line.Payload))
	assert.Equal(t, "a1", line.Metadata.Get(MetadataKeyLogName))

	require.NoError(t, stage.Service.PublishRecord(ctx, "start_migration", []byte("not json"), nil))
	bad := receive(t, poisoned)
	assert.Equal(t, "not json", string(bad.Payload))
	assert.Equal(t, int32(1), hits.Load(), "malformed records never reach the provider")

	require.Eventually(t, func() bool {
		return stage.Service.PoisonMetrics().Snapshot().TotalDeadLettered == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStageLookupFailureForwardsNothing(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := stageConfig(srv.URL)
	cfg.TelemetryTopic = ""
	stage, err := NewStage(ctx, cfg, discardLogger(), ServiceDependencies{MetricsRegisterer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stage.Close() })

	enriched, err := stage.Service.Subscriber().Subscribe(ctx, "depart_ne")
	require.NoError(t, err)

	go func() { _ = stage.Run(ctx) }()
	<-stage.Service.Running()

	require.NoError(t, stage.Service.PublishRecord(ctx, "start_migration", []byte(`{"uuid":"a2","start_time":1.0}`), nil))

	require.Eventually(t, func() bool { return hits.Load() >= 2 }, 5*time.Second, 10*time.Millisecond, "lookup is retried")
	select {
	case msg := <-enriched:
		t.Fatalf("unexpected output after failed lookup: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Zero(t, stage.Service.PoisonMetrics().Snapshot().TotalDeadLettered)
}

func TestNewStageValidation(t *testing.T) {
	_, err := NewStage(context.Background(), nil, discardLogger(), ServiceDependencies{})
	assert.Error(t, err)

	cfg := stageConfig("http://localhost")
	cfg.PublishQueue = cfg.ConsumeQueue
	_, err = NewStage(context.Background(), cfg, discardLogger(), ServiceDependencies{})
	assert.ErrorContains(t, err, "publish queue must differ")

	_, err = NewStage(context.Background(), stageConfig("http://localhost"), nil, ServiceDependencies{})
	assert.ErrorIs(t, err, ErrLoggerRequired)
}

type recordingPublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads []string
	metadata []Metadata
	failAt   int
}

func (p *recordingPublisher) PublishRecord(_ context.Context, topic string, payload []byte, md Metadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAt > 0 && len(p.payloads)+1 == p.failAt {
		return errors.New("broker down")
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, string(payload))
	p.metadata = append(p.metadata, md)
	return nil
}

func TestPublishRecords(t *testing.T) {
	pub := &recordingPublisher{}
	input := "{\"uuid\":\"a\"}\n\n  {\"uuid\":\"b\"}  \nnot json\n"

	n, err := PublishRecords(context.Background(), pub, "start_migration", strings.NewReader(input), NewMetadata("source", "file"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{`{"uuid":"a"}`, `{"uuid":"b"}`, "not json"}, pub.payloads)
	assert.Equal(t, []string{"start_migration", "start_migration", "start_migration"}, pub.topics)
	for _, md := range pub.metadata {
		assert.Equal(t, "file", md["source"])
	}
}

func TestPublishRecordsStopsOnError(t *testing.T) {
	pub := &recordingPublisher{failAt: 2}
	n, err := PublishRecords(context.Background(), pub, "in", strings.NewReader("{}\n{}\n{}\n"), nil)
	assert.Equal(t, 1, n)
	assert.EqualError(t, err, "line 2: broker down")

	_, err = PublishRecords(context.Background(), nil, "in", strings.NewReader("{}"), nil)
	assert.ErrorIs(t, err, ErrPublisherRequired)
}

func TestPublishRecordsHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := PublishRecords(ctx, &recordingPublisher{}, "in", strings.NewReader("{}\n"), nil)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, context.Canceled)
}
