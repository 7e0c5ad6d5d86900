package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instrumentCache lazily creates and reuses counter instruments per metric
// name. Creating an instrument on every RecordMetric call would churn the
// meter registry.
type instrumentCache struct {
	meter metric.Meter

	mu       sync.RWMutex
	counters map[string]metric.Float64Counter
}

func newInstrumentCache(meter metric.Meter) *instrumentCache {
	return &instrumentCache{
		meter:    meter,
		counters: make(map[string]metric.Float64Counter),
	}
}

func (c *instrumentCache) counter(name string) (metric.Float64Counter, error) {
	c.mu.RLock()
	ctr, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return ctr, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.counters[name]; ok {
		return ctr, nil
	}
	ctr, err := c.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	c.counters[name] = ctr
	return ctr, nil
}

func (c *instrumentCache) record(name string, value float64, labels map[string]string) {
	ctr, err := c.counter(name)
	if err != nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	ctr.Add(context.Background(), value, metric.WithAttributes(attrs...))
}
