// Package observability keeps a small process-local metrics registry for the
// pipeline: LLM traffic, import batches, and stage durations. Counters are
// snapshotted into the run log at the end of a run.
package observability

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/omnisure/policygraph/internal/platform/envutil"
	"github.com/omnisure/policygraph/internal/platform/logger"
)

type Metrics struct {
	llmRequests   *CounterVec
	llmLatency    *CounterVec
	importBatches *CounterVec
	stageDuration *CounterVec
	unitsSkipped  *CounterVec
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", true)
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = &Metrics{
			llmRequests:   NewCounterVec("llm_requests_total", "LLM requests by endpoint and status", []string{"endpoint", "status"}),
			llmLatency:    NewCounterVec("llm_request_seconds_total", "Cumulative LLM request latency by endpoint", []string{"endpoint"}),
			importBatches: NewCounterVec("import_batches_total", "Bulk-import batches by kind and status", []string{"kind", "status"}),
			stageDuration: NewCounterVec("pipeline_stage_seconds_total", "Cumulative stage wall time", []string{"stage"}),
			unitsSkipped:  NewCounterVec("pipeline_units_skipped_total", "Fail-soft units dropped by stage", []string{"stage"}),
		}
		if log != nil {
			log.Debug("metrics registry initialized")
		}
	})
	return instance
}

func Current() *Metrics {
	return instance
}

func (m *Metrics) ObserveLLMRequest(endpoint, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.llmRequests.Inc(endpoint, status)
	m.llmLatency.Add(dur.Seconds(), endpoint)
}

func (m *Metrics) ObserveImportBatch(kind, status string) {
	if m == nil {
		return
	}
	m.importBatches.Inc(kind, status)
}

func (m *Metrics) ObserveStage(stage string, dur time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.Add(dur.Seconds(), stage)
}

func (m *Metrics) ObserveUnitSkipped(stage string) {
	if m == nil {
		return
	}
	m.unitsSkipped.Inc(stage)
}

// Snapshot returns every non-zero series as "name{labels}" -> value, sorted
// keys, for the end-of-run summary log.
func (m *Metrics) Snapshot() map[string]float64 {
	if m == nil {
		return nil
	}
	out := map[string]float64{}
	for _, cv := range []*CounterVec{m.llmRequests, m.llmLatency, m.importBatches, m.stageDuration, m.unitsSkipped} {
		cv.each(func(series string, val float64) {
			out[series] = val
		})
	}
	return out
}

func (m *Metrics) LogSummary(log *logger.Logger) {
	if m == nil || log == nil {
		return
	}
	snap := m.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		log.Info("metric", "series", k, "value", snap[k])
	}
}

type CounterVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewCounterVec(name, help string, labels []string) *CounterVec {
	return &CounterVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (c *CounterVec) Inc(values ...string) {
	c.Add(1, values...)
}

func (c *CounterVec) Add(delta float64, values ...string) {
	if c == nil || len(values) != len(c.labelNames) {
		return
	}
	key := strings.Join(values, "\x1f")
	c.mu.Lock()
	c.values[key] += delta
	c.mu.Unlock()
}

func (c *CounterVec) each(fn func(series string, val float64)) {
	if c == nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for key, val := range c.values {
		parts := strings.Split(key, "\x1f")
		pairs := make([]string, 0, len(parts))
		for i, p := range parts {
			if i < len(c.labelNames) {
				pairs = append(pairs, c.labelNames[i]+"="+p)
			}
		}
		fn(c.name+"{"+strings.Join(pairs, ",")+"}", val)
	}
}
