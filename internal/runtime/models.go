package runtime

import (
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/birdtrack/enrichflow/internal/runtime/errors"
	"github.com/birdtrack/enrichflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/birdtrack/enrichflow/internal/runtime/metadata"
)

const (
	latencySampleSize = 256
	throughputBuckets = 60
)

// UnprocessableEventError wraps a payload the stage cannot process. It
// matches ErrMalformedPayload and is routed to the poison queue.
type UnprocessableEventError struct {
	payload string
	err     error
}

// NewUnprocessableEventError wraps err for payload.
func NewUnprocessableEventError(payload []byte, err error) *UnprocessableEventError {
	return &UnprocessableEventError{payload: string(payload), err: err}
}

func (e *UnprocessableEventError) Error() string {
	if e.err == nil {
		return "unprocessable event: " + e.payload
	}
	return "unprocessable event: " + e.payload + " error: " + e.err.Error()
}

func (e *UnprocessableEventError) Unwrap() []error {
	if e.err == nil {
		return []error{errspkg.ErrMalformedPayload}
	}
	return []error{errspkg.ErrMalformedPayload, e.err}
}

// Dependency names tracked per handler.
const (
	DependencySource     = "source"
	DependencySink       = "sink"
	DependencyDownstream = "downstream"
)

const (
	DependencyStatusUnknown  = "unknown"
	DependencyStatusHealthy  = "healthy"
	DependencyStatusDegraded = "degraded"
)

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier buckets a handler error for the status API.
type ErrorClassifier func(error) ErrorCategory

// HandlerInfo describes a registered handler.
type HandlerInfo struct {
	Name         string        `json:"name"`
	ConsumeQueue string        `json:"consume_queue"`
	PublishQueue string        `json:"publish_queue"`
	Stats        *HandlerStats `json:"stats"`
}

// HandlerStats is the live view of one handler served by the status API.
// Exported fields are guarded by mu.
type HandlerStats struct {
	mu sync.Mutex

	MessagesProcessed   uint64             `json:"messages_processed"`
	MessagesFailed      uint64             `json:"messages_failed"`
	TotalProcessingTime int64              `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time          `json:"last_processed_at"`
	Latency             LatencyMetrics     `json:"latency"`
	Throughput          ThroughputMetrics  `json:"throughput"`
	Errors              ErrorBreakdown     `json:"errors"`
	Resource            ResourceUsage      `json:"resource"`
	Backlog             BacklogMetrics     `json:"backlog"`
	Dependencies        []DependencyHealth `json:"dependencies"`

	resources *resourceTracker
	latency   *latencyRing
	rate      *rateCounter
	now       func() time.Time
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Transport  uint64 `json:"transport"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// BacklogMetrics uses -1 for hints the transport never supplied.
type BacklogMetrics struct {
	InFlight           uint64 `json:"in_flight"`
	MaxInFlight        uint64 `json:"max_in_flight"`
	LastQueueDepth     int64  `json:"last_queue_depth"`
	EstimatedLagMillis int64  `json:"estimated_lag_millis"`
}

type DependencyHealth struct {
	Name        string    `json:"name"`
	Queue       string    `json:"queue,omitempty"`
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Details     string    `json:"details,omitempty"`
}

func newHandlerStats(consumeQueue, publishQueue string, resources *resourceTracker) *HandlerStats {
	deps := []DependencyHealth{
		{Name: DependencySource, Queue: consumeQueue, Status: DependencyStatusUnknown},
		{Name: DependencyDownstream, Status: DependencyStatusUnknown},
	}
	if publishQueue != "" {
		deps = append(deps, DependencyHealth{Name: DependencySink, Queue: publishQueue, Status: DependencyStatusUnknown})
	}
	return &HandlerStats{
		Backlog:      BacklogMetrics{LastQueueDepth: -1, EstimatedLagMillis: -1},
		Dependencies: deps,
		resources:    resources,
		latency:      newLatencyRing(latencySampleSize),
		rate:         newRateCounter(throughputBuckets),
		now:          time.Now,
	}
}

// begin marks a message in flight and reads the backlog hints it carries.
func (h *HandlerStats) begin(msg *message.Message) (depth, lagMillis int64) {
	depth, lagMillis = backlogHints(msg)

	h.mu.Lock()
	h.Backlog.InFlight++
	h.Backlog.MaxInFlight = max(h.Backlog.MaxInFlight, h.Backlog.InFlight)
	h.mu.Unlock()
	return depth, lagMillis
}

// end records the outcome of one message.
func (h *HandlerStats) end(depth, lagMillis int64, took time.Duration, err error, category ErrorCategory) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if h.Backlog.InFlight > 0 {
		h.Backlog.InFlight--
	}
	if depth >= 0 {
		h.Backlog.LastQueueDepth = depth
	}
	if lagMillis >= 0 {
		h.Backlog.EstimatedLagMillis = lagMillis
	}

	h.MessagesProcessed++
	if err != nil {
		h.MessagesFailed++
	}
	h.TotalProcessingTime += int64(took)
	h.LastProcessedAt = now.UTC()

	h.latency.add(took)
	h.Latency = h.latency.metrics()
	h.Latency.AverageNs = h.TotalProcessingTime / int64(h.MessagesProcessed)

	h.rate.inc(now)
	h.Throughput = h.rate.metrics(now)
	h.Throughput.TotalMessages = h.MessagesProcessed

	h.Errors.Record(category, err)
	if h.resources != nil {
		h.Resource = h.resources.Snapshot()
	}
	h.updateDependenciesLocked(now.UTC(), err, category)
}

// updateDependenciesLocked derives dependency health from the error
// category. A success marks every dependency healthy; transport errors
// degrade the sink and downstream errors degrade the provider. Other
// failures only prove the source delivered.
func (h *HandlerStats) updateDependenciesLocked(at time.Time, err error, category ErrorCategory) {
	for i := range h.Dependencies {
		dep := &h.Dependencies[i]
		switch dep.Name {
		case DependencySource:
			dep.Status, dep.Details = DependencyStatusHealthy, ""
		case DependencyDownstream:
			switch category {
			case ErrorCategoryNone:
				dep.Status, dep.Details = DependencyStatusHealthy, ""
			case ErrorCategoryDownstream:
				dep.Status, dep.Details = DependencyStatusDegraded, err.Error()
			default:
				continue
			}
		case DependencySink:
			switch category {
			case ErrorCategoryNone:
				dep.Status, dep.Details = DependencyStatusHealthy, ""
			case ErrorCategoryTransport:
				dep.Status, dep.Details = DependencyStatusDegraded, err.Error()
			default:
				continue
			}
		}
		dep.LastChecked = at
	}
}

func backlogHints(msg *message.Message) (depth, lagMillis int64) {
	if msg == nil || msg.Metadata == nil {
		return -1, -1
	}
	depth, lagMillis = -1, -1
	if raw := msg.Metadata.Get(metadatapkg.KeyQueueDepth); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			depth = v
		}
	}
	if raw := msg.Metadata.Get(metadatapkg.KeyEnqueuedAt); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			lagMillis = max(time.Since(ts).Milliseconds(), 0)
		}
	}
	return depth, lagMillis
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return jsoncodec.Marshal(struct {
		MessagesProcessed   uint64             `json:"messages_processed"`
		MessagesFailed      uint64             `json:"messages_failed"`
		TotalProcessingTime int64              `json:"total_processing_time_ns"`
		LastProcessedAt     time.Time          `json:"last_processed_at"`
		Latency             LatencyMetrics     `json:"latency"`
		Throughput          ThroughputMetrics  `json:"throughput"`
		Errors              ErrorBreakdown     `json:"errors"`
		Resource            ResourceUsage      `json:"resource"`
		Backlog             BacklogMetrics     `json:"backlog"`
		Dependencies        []DependencyHealth `json:"dependencies"`
	}{
		MessagesProcessed:   h.MessagesProcessed,
		MessagesFailed:      h.MessagesFailed,
		TotalProcessingTime: h.TotalProcessingTime,
		LastProcessedAt:     h.LastProcessedAt,
		Latency:             h.Latency,
		Throughput:          h.Throughput,
		Errors:              h.Errors,
		Resource:            h.Resource,
		Backlog:             h.Backlog,
		Dependencies:        slices.Clone(h.Dependencies),
	})
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	if err == nil {
		return
	}
	switch category {
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	e.LastError = err.Error()
}

// latencyRing keeps the most recent durations.
type latencyRing struct {
	buf  []int64
	pos  int
	full bool
	last int64
}

func newLatencyRing(size int) *latencyRing {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyRing{buf: make([]int64, size)}
}

func (r *latencyRing) add(d time.Duration) {
	r.buf[r.pos] = int64(d)
	r.last = int64(d)
	r.pos++
	if r.pos == len(r.buf) {
		r.pos, r.full = 0, true
	}
}

func (r *latencyRing) samples() []int64 {
	if r.full {
		return slices.Clone(r.buf)
	}
	return slices.Clone(r.buf[:r.pos])
}

// metrics reports nearest-rank percentiles and the window mean.
func (r *latencyRing) metrics() LatencyMetrics {
	s := r.samples()
	m := LatencyMetrics{LastNs: r.last, SampleSize: len(s)}
	if len(s) == 0 {
		return m
	}
	slices.Sort(s)
	var sum int64
	for _, v := range s {
		sum += v
	}
	m.AverageNs = sum / int64(len(s))
	m.P50Ns = nearestRank(s, 50)
	m.P95Ns = nearestRank(s, 95)
	m.P99Ns = nearestRank(s, 99)
	return m
}

// nearestRank expects sorted input.
func nearestRank(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (pct*len(sorted) + 99) / 100
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

// rateCounter counts messages in one-second buckets over a sliding window.
type rateCounter struct {
	counts []uint64
	secs   []int64
	first  time.Time
}

func newRateCounter(buckets int) *rateCounter {
	return &rateCounter{counts: make([]uint64, buckets), secs: make([]int64, buckets)}
}

func (c *rateCounter) inc(now time.Time) {
	if c.first.IsZero() {
		c.first = now
	}
	sec := now.Unix()
	i := int(sec % int64(len(c.counts)))
	if c.secs[i] != sec {
		c.secs[i], c.counts[i] = sec, 0
	}
	c.counts[i]++
}

func (c *rateCounter) metrics(now time.Time) ThroughputMetrics {
	sec := now.Unix()
	horizon := int64(len(c.counts))
	var n uint64
	for i, s := range c.secs {
		if s > sec-horizon && s <= sec {
			n += c.counts[i]
		}
	}
	if n == 0 {
		return ThroughputMetrics{}
	}
	window := min(now.Sub(c.first).Seconds(), float64(horizon))
	window = max(window, 1)
	return ThroughputMetrics{
		CurrentRPS:       float64(n) / window,
		WindowSeconds:    window,
		MessagesInWindow: n,
	}
}

// defaultErrorClassifier buckets failures for the status API: malformed
// payloads are validation errors, provider and deadline failures are
// downstream, network errors while talking to the bus are transport.
func defaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case IsMalformed(err):
		return ErrorCategoryValidation
	case errors.Is(err, errspkg.ErrLookupFailure),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorCategoryTransport
	}
	return ErrorCategoryOther
}
