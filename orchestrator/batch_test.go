package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zero-day-ai/probegrid/scanerr"
)

func TestSubmitBatch(t *testing.T) {
	h := newHarness(t, Options{BatchMinConcurrency: 1, BatchMaxConcurrency: 4}, "node-1", "node-2")

	reqs := []ScanRequest{
		{Target: testAgent("agent-1"), Probes: []string{"jailbreak"}},
		{Target: testAgent("agent-2"), Probes: []string{"prompt-leak"}},
		{Target: testAgent("agent-3"), Probes: []string{"jailbreak", "prompt-leak"}},
		{Target: testAgent("agent-4"), Probes: []string{"nope"}},
	}

	results, err := h.orch.SubmitBatch(context.Background(), reqs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownProbe)
	assert.Contains(t, err.Error(), "agent-4")

	require.Len(t, results, 3)
	assert.Len(t, results["agent-1"].Findings, 1)
	assert.True(t, results["agent-2"].Clean())
	assert.Equal(t, 2, results["agent-3"].TotalTests)
}

func TestSubmitBatch_DuplicateTarget(t *testing.T) {
	h := newHarness(t, Options{}, "node-1")

	_, err := h.orch.SubmitBatch(context.Background(), []ScanRequest{
		{Target: testAgent("agent-1"), Probes: []string{"jailbreak"}},
		{Target: testAgent("agent-1"), Probes: []string{"prompt-leak"}},
	})
	require.Error(t, err)
	assert.Equal(t, scanerr.KindValidation, scanerr.KindOf(err))
}

func TestWaveSize(t *testing.T) {
	h := newHarness(t, Options{BatchMinConcurrency: 1, BatchMaxConcurrency: 8})
	ctx := context.Background()

	tests := []struct {
		name     string
		cpu, mem float64
		cur      int
		want     int
	}{
		{name: "idle doubles", cpu: 20, mem: 30, cur: 2, want: 4},
		{name: "idle capped", cpu: 20, mem: 30, cur: 8, want: 8},
		{name: "cpu pressure halves", cpu: 90, mem: 30, cur: 4, want: 2},
		{name: "memory pressure halves", cpu: 20, mem: 90, cur: 4, want: 2},
		{name: "floor", cpu: 95, mem: 95, cur: 1, want: 1},
		{name: "moderate keeps", cpu: 65, mem: 50, cur: 3, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.sampler.Set(tt.cpu, tt.mem)
			assert.Equal(t, tt.want, h.orch.waveSize(ctx, tt.cur))
		})
	}
}
