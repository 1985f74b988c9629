package enrich

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	failureMalformed = "malformed"
	failureLookup    = "lookup"
	failureTelemetry = "telemetry"
	failureEncode    = "encode"
)

// Metrics counts enrichment outcomes per stage. A nil *Metrics records
// nothing.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	stage          string
	enrichedTotal  *prometheus.CounterVec
	failuresTotal  *prometheus.CounterVec
	lookupDuration *prometheus.HistogramVec
}

// NewMetrics builds the collectors for stage. A nil registerer uses the
// default one.
func NewMetrics(registerer prometheus.Registerer, stage string) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		stage:      stage,
		enrichedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enrichflow",
			Subsystem: "stage",
			Name:      "records_enriched_total",
			Help:      "Records enriched and handed back for delivery",
		}, []string{"stage"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enrichflow",
			Subsystem: "stage",
			Name:      "failures_total",
			Help:      "Enrichment failures by kind (malformed, lookup, telemetry, encode)",
		}, []string{"stage", "kind"}),
		lookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "enrichflow",
			Subsystem: "stage",
			Name:      "lookup_duration_seconds",
			Help:      "Air quality lookup latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "outcome"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	var err error
	if m.enrichedTotal, err = registerCounterVec(m.registerer, m.enrichedTotal); err != nil {
		return err
	}
	if m.failuresTotal, err = registerCounterVec(m.registerer, m.failuresTotal); err != nil {
		return err
	}
	existing, err := registerCollector(m.registerer, m.lookupDuration)
	if err != nil {
		return err
	}
	if hist, ok := existing.(*prometheus.HistogramVec); ok {
		m.lookupDuration = hist
	}
	m.registered = true
	return nil
}

func (m *Metrics) enriched() {
	if m == nil {
		return
	}
	m.enrichedTotal.WithLabelValues(m.stage).Inc()
}

func (m *Metrics) failed(kind string) {
	if m == nil {
		return
	}
	m.failuresTotal.WithLabelValues(m.stage, kind).Inc()
}

func (m *Metrics) observeLookup(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.lookupDuration.WithLabelValues(m.stage, outcome).Observe(d.Seconds())
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	existing, err := registerCollector(reg, c)
	if err != nil {
		return c, err
	}
	if vec, ok := existing.(*prometheus.CounterVec); ok {
		return vec, nil
	}
	return c, nil
}

// registerCollector returns the collector already registered under the same
// descriptor, or c when it was registered now.
func registerCollector(reg prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		return already.ExistingCollector, nil
	}
	return c, nil
}
