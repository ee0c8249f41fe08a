package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusFactory builds reporters registered against a prometheus
// registry. Reporters are cached by name so repeated lookups return the
// same collector.
type PrometheusFactory struct {
	namespace string
	reg       prometheus.Registerer

	mu         sync.Mutex
	histograms map[string]Histogram
	counters   map[string]Counter
	gauges     map[string]Gauge
}

// NewPrometheusFactory returns a factory registering collectors under the
// given namespace. A nil registerer uses the default registry.
func NewPrometheusFactory(namespace string, reg prometheus.Registerer) *PrometheusFactory {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusFactory{
		namespace:  namespace,
		reg:        reg,
		histograms: make(map[string]Histogram),
		counters:   make(map[string]Counter),
		gauges:     make(map[string]Gauge),
	}
}

func (f *PrometheusFactory) Histogram(name string) Histogram {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: f.namespace,
		Name:      name,
		Help:      name,
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 16),
	})
	f.reg.MustRegister(h)
	f.histograms[name] = h
	return h
}

func (f *PrometheusFactory) Counter(name string) Counter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: f.namespace,
		Name:      name,
		Help:      name,
	})
	f.reg.MustRegister(c)
	f.counters[name] = c
	return c
}

func (f *PrometheusFactory) Gauge(name string) Gauge {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: f.namespace,
		Name:      name,
		Help:      name,
	})
	f.reg.MustRegister(g)
	f.gauges[name] = g
	return g
}

var _ Factory = (*PrometheusFactory)(nil)
