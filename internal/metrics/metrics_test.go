package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNopFactoryIsSafe(t *testing.T) {
	f := Nop()
	f.Histogram("h").Observe(1.5)
	f.Counter("c").Add(1)
	f.Gauge("g").Set(42)

	timer := StartTimer(f.Histogram("h"))
	timer.Done()
}

func TestDefault(t *testing.T) {
	if Default(nil) == nil {
		t.Fatal("Default(nil) returned nil")
	}
	f := Nop()
	if Default(f) != f {
		t.Fatal("Default did not pass through the provided factory")
	}
}

func TestPrometheusFactoryCachesByName(t *testing.T) {
	f := NewPrometheusFactory("test", prometheus.NewRegistry())

	if f.Histogram("alloc_latency") != f.Histogram("alloc_latency") {
		t.Fatal("histogram not cached by name")
	}
	if f.Counter("writes") != f.Counter("writes") {
		t.Fatal("counter not cached by name")
	}
	if f.Gauge("open_zones") != f.Gauge("open_zones") {
		t.Fatal("gauge not cached by name")
	}

	// Distinct names are distinct collectors; registering them twice
	// would have panicked inside MustRegister.
	f.Counter("resets").Add(1)
	f.Gauge("active_zones").Set(3)
}
