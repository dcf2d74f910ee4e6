package observability

import (
	"maps"
	"math"
	"slices"
	"sync"
	"time"
)

// Relay stages timed into the window served at /v1/perf/latency.
const (
	StageUpstreamHandshake = "upstream_handshake"
	StageFirstModelOutput  = "first_model_output"
	StageToolBatch         = "tool_batch"
	StageIngestTotal       = "ingest_total"
)

// stageBudgets is the p95 each stage is expected to stay under, in ms.
var stageBudgets = map[string]float64{
	StageUpstreamHandshake: 1500,
	StageFirstModelOutput:  2000,
	StageToolBatch:         5000,
}

type StageSummary struct {
	Stage      string  `json:"stage"`
	Count      int     `json:"count"`
	LastMS     float64 `json:"last_ms"`
	MeanMS     float64 `json:"mean_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget bool    `json:"over_budget,omitempty"`
}

type Counter struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	TakenAt  time.Time      `json:"taken_at"`
	Capacity int            `json:"capacity"`
	Stages   []StageSummary `json:"stages"`
	Counters []Counter      `json:"counters,omitempty"`
}

// stageWindow keeps the newest capacity durations per stage, oldest first,
// plus plain event counters.
type stageWindow struct {
	mu       sync.Mutex
	capacity int
	samples  map[string][]time.Duration
	counters map[string]int
}

func newStageWindow(capacity int) *stageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &stageWindow{
		capacity: capacity,
		samples:  make(map[string][]time.Duration),
		counters: make(map[string]int),
	}
}

func (w *stageWindow) add(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.samples[stage]
	if len(s) == w.capacity {
		copy(s, s[1:])
		s[len(s)-1] = d
	} else {
		s = append(s, d)
	}
	w.samples[stage] = s
}

func (w *stageWindow) count(name string) {
	if name == "" {
		return
	}
	w.mu.Lock()
	w.counters[name]++
	w.mu.Unlock()
}

func (w *stageWindow) snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		TakenAt:  time.Now().UTC(),
		Capacity: w.capacity,
		Stages:   []StageSummary{},
	}
	for _, stage := range slices.Sorted(maps.Keys(w.samples)) {
		s := w.samples[stage]
		sorted := slices.Clone(s)
		slices.Sort(sorted)

		var total time.Duration
		for _, d := range sorted {
			total += d
		}
		sum := StageSummary{
			Stage:    stage,
			Count:    len(sorted),
			LastMS:   millis(s[len(s)-1]),
			MeanMS:   millis(total / time.Duration(len(sorted))),
			P50MS:    millis(nearestRank(sorted, 0.50)),
			P95MS:    millis(nearestRank(sorted, 0.95)),
			MaxMS:    millis(sorted[len(sorted)-1]),
			BudgetMS: stageBudgets[stage],
		}
		sum.OverBudget = sum.BudgetMS > 0 && sum.P95MS > sum.BudgetMS
		snap.Stages = append(snap.Stages, sum)
	}
	for _, name := range slices.Sorted(maps.Keys(w.counters)) {
		snap.Counters = append(snap.Counters, Counter{Name: name, Count: w.counters[name]})
	}
	return snap
}

// nearestRank expects sorted to be non-empty and ascending.
func nearestRank(sorted []time.Duration, p float64) time.Duration {
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}
