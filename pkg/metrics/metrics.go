package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	UpdatesTotal            = "viewrelay_updates_total"
	RejectedUpdatesTotal    = "viewrelay_rejected_updates_total"
	FlushesTotal            = "viewrelay_flushes_total"
	ClearsTotal             = "viewrelay_clears_total"
	ResetsTotal             = "viewrelay_invariant_resets_total"
	DroppedSubscribersTotal = "viewrelay_dropped_subscribers_total"
	Subscribers             = "viewrelay_subscribers"
	FlushRows               = "viewrelay_flush_rows"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

type nop struct{}

func (nop) IncCounter(string, map[string]string, float64)       {}
func (nop) SetGauge(string, map[string]string, float64)         {}
func (nop) ObserveHistogram(string, map[string]string, float64) {}

// Nop discards everything.
func Nop() Collector { return nop{} }

// Prometheus is a Collector that lazily creates one vector per metric name.
// The label names of a metric are fixed by its first use.
type Prometheus struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	return &Prometheus{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (p *Prometheus) IncCounter(name string, labels map[string]string, delta float64) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labelNames(labels))
		p.register(vec)
		p.counters[name] = vec
	}
	p.mu.Unlock()

	if c, err := vec.GetMetricWith(labels); err == nil {
		c.Add(delta)
	}
}

func (p *Prometheus) SetGauge(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labelNames(labels))
		p.register(vec)
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	if g, err := vec.GetMetricWith(labels); err == nil {
		g.Set(value)
	}
}

func (p *Prometheus) ObserveHistogram(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    name,
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, labelNames(labels))
		p.register(vec)
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	if h, err := vec.GetMetricWith(labels); err == nil {
		h.Observe(value)
	}
}

func (p *Prometheus) register(c prometheus.Collector) {
	if p.reg == nil {
		return
	}
	// a name clash keeps the metric usable, it is only missing from /metrics
	_ = p.reg.Register(c)
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
