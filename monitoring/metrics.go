// Package monitoring collects service metrics and pushes gate events to
// connected dashboards.
package monitoring

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType classifies a recorded metric.
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
)

// Gate business metric names.
const (
	MetricCyclesStarted    = "gate_cycles_started"
	MetricAttemptsRecorded = "gate_attempts_recorded"
	MetricPromotions       = "gate_promotions"
	MetricRejections       = "gate_rejections"
)

// Metric is one recorded sample.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Help      string            `json:"help,omitempty"`
}

// Collector keeps in-memory metric series, capped to the most recent
// samples per series.
type Collector struct {
	mu      sync.RWMutex
	metrics map[string][]*Metric

	startTime time.Time
	stop      chan struct{}
	stopOnce  sync.Once
}

const maxSamplesPerSeries = 1000

// NewCollector starts a collector including the periodic system gauges.
func NewCollector() *Collector {
	c := &Collector{
		metrics:   make(map[string][]*Metric),
		startTime: time.Now(),
		stop:      make(chan struct{}),
	}
	go c.collectSystemMetrics()
	return c
}

// Close stops the system metrics loop.
func (c *Collector) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Record appends a sample, stamping it with the current time.
func (c *Collector) Record(metric *Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	metric.Timestamp = time.Now()
	series := append(c.metrics[metric.Name], metric)
	if len(series) > maxSamplesPerSeries {
		series = series[len(series)-maxSamplesPerSeries:]
	}
	c.metrics[metric.Name] = series
}

// IncrCounter adds a counter sample. The exported value is the running sum
// of the series.
func (c *Collector) IncrCounter(name string, value float64) {
	c.Record(&Metric{Name: name, Type: MetricTypeCounter, Value: value})
}

// SetGauge records a gauge sample.
func (c *Collector) SetGauge(name string, value float64) {
	c.Record(&Metric{Name: name, Type: MetricTypeGauge, Value: value})
}

// Series returns a copy of one metric series.
func (c *Collector) Series(name string) ([]*Metric, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	series, ok := c.metrics[name]
	if !ok {
		return nil, fmt.Errorf("metric %s not found", name)
	}
	out := make([]*Metric, len(series))
	for i, m := range series {
		copied := *m
		out[i] = &copied
	}
	return out, nil
}

// CounterTotal sums a counter series; zero when the series is empty.
func (c *Collector) CounterTotal(name string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var total float64
	for _, m := range c.metrics[name] {
		total += m.Value
	}
	return total
}

// ExportPrometheus renders the latest value of every series (counters as
// running sums) in the Prometheus text format.
func (c *Collector) ExportPrometheus() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.metrics))
	for name := range c.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		series := c.metrics[name]
		if len(series) == 0 {
			continue
		}
		last := series[len(series)-1]

		value := last.Value
		if last.Type == MetricTypeCounter {
			value = 0
			for _, m := range series {
				value += m.Value
			}
		}

		help := last.Help
		if help == "" {
			help = fmt.Sprintf("Metric %s", name)
		}
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, last.Type)
		fmt.Fprintf(&b, "%s%s %g %d\n", name, formatLabels(last.Labels), value, last.Timestamp.UnixMilli())
	}
	return b.String()
}

// ExportJSON renders all series as indented JSON.
func (c *Collector) ExportJSON() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.MarshalIndent(c.metrics, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

func (c *Collector) collectSystemMetrics() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			c.SetGauge("system_heap_alloc_bytes", float64(m.HeapAlloc))
			c.SetGauge("system_goroutines", float64(runtime.NumGoroutine()))
		case <-c.stop:
			return
		}
	}
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, fmt.Sprintf(`%s=%q`, k, v))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}
