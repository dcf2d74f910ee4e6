package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageWindowSummaries(t *testing.T) {
	w := newStageWindow(8)
	w.add(StageToolBatch, 500*time.Millisecond)
	w.add(StageToolBatch, 900*time.Millisecond)
	w.add(StageToolBatch, 700*time.Millisecond)
	w.count("outbound_drop_timeout")
	w.count("outbound_drop_timeout")

	snap := w.snapshot()
	assert.Equal(t, 8, snap.Capacity)
	require.Len(t, snap.Stages, 1)

	s := snap.Stages[0]
	assert.Equal(t, StageToolBatch, s.Stage)
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 700.0, s.LastMS)
	assert.Equal(t, 700.0, s.MeanMS)
	assert.Equal(t, 700.0, s.P50MS)
	assert.Equal(t, 900.0, s.P95MS)
	assert.Equal(t, 5000.0, s.BudgetMS)
	assert.False(t, s.OverBudget)

	assert.Equal(t, []Counter{{Name: "outbound_drop_timeout", Count: 2}}, snap.Counters)
}

func TestStageWindowKeepsNewest(t *testing.T) {
	w := newStageWindow(2)
	w.add(StageIngestTotal, time.Second)
	w.add(StageIngestTotal, 2*time.Second)
	w.add(StageIngestTotal, 3*time.Second)

	snap := w.snapshot()
	require.Len(t, snap.Stages, 1)
	assert.Equal(t, 2, snap.Stages[0].Count)
	assert.Equal(t, 2500.0, snap.Stages[0].MeanMS)
	assert.Equal(t, 3000.0, snap.Stages[0].MaxMS)
}

func TestStageWindowFlagsBudgetOverrun(t *testing.T) {
	w := newStageWindow(4)
	w.add(StageUpstreamHandshake, 3*time.Second)
	assert.True(t, w.snapshot().Stages[0].OverBudget)
}

func TestMetricsHandlerServesOwnRegistry(t *testing.T) {
	a := NewMetrics("doctalk_a")
	b := NewMetrics("doctalk_a")
	a.ObserveToolCall("query_docs", "ok", 120*time.Millisecond)
	b.ObserveToolCall("query_docs", "error", time.Millisecond)

	families, err := a.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "doctalk_a_tool_calls_total" {
			found = true
			require.Len(t, f.GetMetric(), 1)
		}
	}
	assert.True(t, found)
	assert.Equal(t, 1, a.LatencySnapshot().Stages[0].Count)
}
