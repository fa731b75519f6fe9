package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/flexhq/flex"

// Instruments are created lazily and cached by name. Creation errors leave
// a nil entry so failed instruments are not retried on the hot path.
var (
	counters   sync.Map // name → metric.Float64Counter
	histograms sync.Map // name → metric.Float64Histogram
)

// Counter increments a counter metric by 1. Labels are key-value pairs:
//
//	telemetry.Counter("flex.registry.registrations", "agent_type", "ai")
func Counter(name string, labels ...string) {
	counter := counterFor(name)
	if counter == nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(toAttrs(labels)...))
}

// Histogram records a value in a distribution (latencies, sizes, counts).
func Histogram(name string, value float64, labels ...string) {
	hist := histogramFor(name)
	if hist == nil {
		return
	}
	hist.Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}

// Duration records elapsed milliseconds since startTime.
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

func counterFor(name string) metric.Float64Counter {
	if v, ok := counters.Load(name); ok {
		c, _ := v.(metric.Float64Counter)
		return c
	}
	c, err := otel.Meter(instrumentationName).Float64Counter(name)
	if err != nil {
		counters.Store(name, nil)
		return nil
	}
	counters.Store(name, c)
	return c
}

func histogramFor(name string) metric.Float64Histogram {
	if v, ok := histograms.Load(name); ok {
		h, _ := v.(metric.Float64Histogram)
		return h
	}
	h, err := otel.Meter(instrumentationName).Float64Histogram(name)
	if err != nil {
		histograms.Store(name, nil)
		return nil
	}
	histograms.Store(name, h)
	return h
}

func toAttrs(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
