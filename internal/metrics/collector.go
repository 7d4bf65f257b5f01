// Package metrics is a small Prometheus text-format collector for the
// question answering service.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	counters   sync.Map // name -> *Counter
	gauges     sync.Map // name -> *Gauge
	histograms sync.Map // name -> *Histogram
	startTime  time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// --- Registration helpers ---

// Counter returns or creates a counter with the given name.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

// Gauge returns or creates a gauge with the given name.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help, labels: labels}
	actual, _ := c.gauges.LoadOrStore(key, g)
	return actual.(*Gauge)
}

// Histogram returns or creates a histogram with the given name.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sort.Float64s(buckets)
	hb := make([]histBucket, len(buckets))
	for i, b := range buckets {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(key, h)
	return actual.(*Histogram)
}

// --- Prometheus text rendering ---

// sortedValues returns the map values ordered by key so output is stable.
func sortedValues(m *sync.Map) []any {
	var keys []string
	vals := make(map[string]any)
	m.Range(func(k, v any) bool {
		keys = append(keys, k.(string))
		vals[k.(string)] = v
		return true
	})
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = vals[k]
	}
	return out
}

func series(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

// WriteText renders every metric in Prometheus exposition format.
func (c *MetricsCollector) WriteText(sb *strings.Builder) {
	fmt.Fprintf(sb, "# HELP uniq_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(sb, "# TYPE uniq_uptime_seconds gauge\n")
	fmt.Fprintf(sb, "uniq_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

	helpWritten := make(map[string]bool)
	for _, v := range sortedValues(&c.counters) {
		ctr := v.(*Counter)
		if !helpWritten[ctr.name] {
			fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s counter\n", ctr.name, ctr.help, ctr.name)
			helpWritten[ctr.name] = true
		}
		fmt.Fprintf(sb, "%s %d\n", series(ctr.name, ctr.labels), ctr.Value())
	}

	for _, v := range sortedValues(&c.gauges) {
		g := v.(*Gauge)
		if !helpWritten[g.name] {
			fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name)
			helpWritten[g.name] = true
		}
		fmt.Fprintf(sb, "%s %d\n", series(g.name, g.labels), g.Value())
	}

	for _, v := range sortedValues(&c.histograms) {
		h := v.(*Histogram)
		h.mu.Lock()
		if !helpWritten[h.name] {
			fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
			helpWritten[h.name] = true
		}
		prefix := h.name + "_bucket{"
		if h.labels != "" {
			prefix += h.labels + ","
		}
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			fmt.Fprintf(sb, "%sle=\"%s\"} %d\n", prefix, le, b.count)
		}
		fmt.Fprintf(sb, "%sle=\"+Inf\"} %d\n", prefix, h.count)
		fmt.Fprintf(sb, "%s %d\n", series(h.name+"_count", h.labels), h.count)
		fmt.Fprintf(sb, "%s %f\n", series(h.name+"_sum", h.labels), h.sum)
		h.mu.Unlock()
	}
}

// Handler returns an http.HandlerFunc that renders metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		var sb strings.Builder
		c.WriteText(&sb)
		fmt.Fprint(w, sb.String())
	}
}

// --- Pre-defined metrics used across the application ---

var (
	ChatRequests     = Collector.Counter("uniq_chat_requests_total", "Chat questions received", "")
	ResearchRequests = Collector.Counter("uniq_research_requests_total", "Research plan, execute and stream calls", "")
	LLMErrors        = Collector.Counter("uniq_llm_errors_total", "Generation calls that ended in an error fragment", "")
	FallbackPlans    = Collector.Counter("uniq_research_fallback_plans_total", "Research plans replaced by the fallback", "")
	CacheHits        = Collector.Counter("uniq_embedding_cache_hits_total", "Ingestion cycles served from the embedding cache", "")
	CacheMisses      = Collector.Counter("uniq_embedding_cache_misses_total", "Ingestion cycles that computed embeddings", "")
	IngestedFiles    = Collector.Counter("uniq_ingested_files_total", "Files added or re-ingested", "")
	SkippedFiles     = Collector.Counter("uniq_skipped_files_total", "Files skipped during ingestion", "")
	DeletedFiles     = Collector.Counter("uniq_deleted_files_total", "Files removed from the index", "")
	AuthFailures     = Collector.Counter("uniq_auth_failures_total", "Rejected logins and tokens", "")
	Throttled        = Collector.Counter("uniq_throttled_requests_total", "Requests refused by the per-student rate limit", "")
	IndexEntries     = Collector.Gauge("uniq_index_entries", "Entries in the vector index", "")
	ActiveStreams    = Collector.Gauge("uniq_active_streams", "Response streams currently open", "")

	RetrievalLatency = Collector.Histogram("uniq_retrieval_latency_seconds", "Question embedding plus index search latency", "",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5})
	AnswerLatency = Collector.Histogram("uniq_answer_latency_seconds", "Full answer stream latency", "",
		[]float64{1, 2, 5, 10, 30, 60, 120, 300})
	IngestLatency = Collector.Histogram("uniq_ingest_latency_seconds", "Knowledge base update cycle latency", "",
		[]float64{1, 5, 10, 30, 60, 300, 900})
)

// RouteDecisions counts classifier outcomes by route and reason.
func RouteDecisions(route, reason string) *Counter {
	return Collector.Counter("uniq_route_decisions_total", "Classifier decisions", fmt.Sprintf("route=%q,reason=%q", route, reason))
}
