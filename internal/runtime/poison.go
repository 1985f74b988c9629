package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Poison outcomes.
const (
	PoisonOutcomeDeadLettered = "dead_lettered"
	PoisonOutcomeDropped      = "dropped"
)

// PoisonMetrics tracks messages the stage gave up on: dead-lettered to the
// poison queue or dropped and logged when no queue is configured.
type PoisonMetrics struct {
	mu sync.RWMutex

	topics map[string]*PoisonTopicMetrics

	messagesTotal *prometheus.CounterVec
	lastPoisoned  *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

// PoisonTopicMetrics holds the counts for one topic. For dead-lettered
// messages the topic is the poison queue; for dropped ones it is the topic
// the message was consumed from.
type PoisonTopicMetrics struct {
	DeadLettered   uint64    `json:"dead_lettered"`
	Dropped        uint64    `json:"dropped"`
	LastReason     string    `json:"last_reason,omitempty"`
	LastHandler    string    `json:"last_handler,omitempty"`
	FirstPoisoned  time.Time `json:"first_poisoned_at,omitempty"`
	LastPoisonedAt time.Time `json:"last_poisoned_at,omitempty"`
}

// PoisonMetricsSnapshot is a point-in-time copy of PoisonMetrics.
type PoisonMetricsSnapshot struct {
	TotalDeadLettered uint64                         `json:"total_dead_lettered"`
	TotalDropped      uint64                         `json:"total_dropped"`
	Topics            map[string]*PoisonTopicMetrics `json:"topics"`
	CollectedAt       time.Time                      `json:"collected_at"`
}

// NewPoisonMetrics creates the collectors. A nil registerer uses the default one.
func NewPoisonMetrics(registerer prometheus.Registerer) *PoisonMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PoisonMetrics{
		topics:     make(map[string]*PoisonTopicMetrics),
		registerer: registerer,
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enrichflow",
			Subsystem: "poison",
			Name:      "messages_total",
			Help:      "Messages that could not be processed, by outcome",
		}, []string{"topic", "handler", "outcome"}),
		lastPoisoned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "enrichflow",
			Subsystem: "poison",
			Name:      "last_message_timestamp_seconds",
			Help:      "Unix time of the most recent unprocessable message",
		}, []string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *PoisonMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	if err := m.registerer.Register(m.messagesTotal); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
			m.messagesTotal = existing
		}
	}
	if err := m.registerer.Register(m.lastPoisoned); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
			m.lastPoisoned = existing
		}
	}

	m.registered = true
	return nil
}

// RecordPoisoned records a message published to the poison queue topic.
func (m *PoisonMetrics) RecordPoisoned(topic, handler string, reason error) {
	m.record(topic, handler, PoisonOutcomeDeadLettered, reason)
}

// RecordDropped records a message dropped after being reported.
func (m *PoisonMetrics) RecordDropped(topic, handler string, reason error) {
	m.record(topic, handler, PoisonOutcomeDropped, reason)
}

func (m *PoisonMetrics) record(topic, handler, outcome string, reason error) {
	if m == nil {
		return
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	metrics, ok := m.topics[topic]
	if !ok {
		metrics = &PoisonTopicMetrics{FirstPoisoned: now}
		m.topics[topic] = metrics
	}
	if outcome == PoisonOutcomeDropped {
		metrics.Dropped++
	} else {
		metrics.DeadLettered++
	}
	if reason != nil {
		metrics.LastReason = reason.Error()
	}
	metrics.LastHandler = handler
	metrics.LastPoisonedAt = now

	m.messagesTotal.WithLabelValues(topic, handler, outcome).Inc()
	m.lastPoisoned.WithLabelValues(topic).Set(float64(now.UnixNano()) / float64(time.Second))
}

// Snapshot returns a copy of the current statistics.
func (m *PoisonMetrics) Snapshot() PoisonMetricsSnapshot {
	snapshot := PoisonMetricsSnapshot{
		Topics:      make(map[string]*PoisonTopicMetrics),
		CollectedAt: time.Now().UTC(),
	}
	if m == nil {
		return snapshot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for topic, metrics := range m.topics {
		clone := *metrics
		snapshot.Topics[topic] = &clone
		snapshot.TotalDeadLettered += metrics.DeadLettered
		snapshot.TotalDropped += metrics.Dropped
	}
	return snapshot
}

// Topic returns a copy of the statistics for topic, or nil.
func (m *PoisonMetrics) Topic(topic string) *PoisonTopicMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.topics[topic]; ok {
		clone := *metrics
		return &clone
	}
	return nil
}

// Reset clears all statistics.
func (m *PoisonMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topics = make(map[string]*PoisonTopicMetrics)
	m.messagesTotal.Reset()
	m.lastPoisoned.Reset()
}
