package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/voicegate/voicegate/internal/callstore"
	"github.com/voicegate/voicegate/internal/fallback"
)

type fixedActive int

func (f fixedActive) ActiveCount() int { return int(f) }

func TestCountersDedupeTransitions(t *testing.T) {
	c := NewCounters()

	rec := &callstore.CallRecord{
		CallID:    "c1",
		Direction: callstore.DirectionOutbound,
		State:     callstore.StateInitiated,
	}
	// The manager persists several non-terminal transitions per call.
	c.ObserveCall(rec)
	rec.State = callstore.StateRinging
	c.ObserveCall(rec)
	rec.State = callstore.StateActive
	c.ObserveCall(rec)
	rec.State = callstore.StateCompleted
	c.ObserveCall(rec)
	c.ObserveCall(rec) // terminal replay

	started, ended, _, _ := c.snapshot()
	if started["outbound"] != 1 {
		t.Errorf("started[outbound] = %d, want 1", started["outbound"])
	}
	if ended["completed"] != 1 {
		t.Errorf("ended[completed] = %d, want 1", ended["completed"])
	}
}

func TestCollectorOutput(t *testing.T) {
	c := NewCounters()
	c.ObserveCall(&callstore.CallRecord{
		CallID:    "c1",
		Direction: callstore.DirectionInbound,
		State:     callstore.StateActive,
	})
	c.ObserveFallback(fallback.Event{Tier: fallback.TierCannedPhrase})
	c.ObserveFallback(fallback.Event{Tier: fallback.TierCannedPhrase})
	c.ObserveAgentReconnect()

	col := NewCollector(fixedActive(3), c, time.Now())
	reg := prometheus.NewRegistry()
	if err := reg.Register(col); err != nil {
		t.Fatalf("register: %v", err)
	}

	expected := `
# HELP voicegate_active_calls Number of currently live calls
# TYPE voicegate_active_calls gauge
voicegate_active_calls 3
# HELP voicegate_agent_reconnects_total Total voice-agent session reconnects
# TYPE voicegate_agent_reconnects_total counter
voicegate_agent_reconnects_total 1
# HELP voicegate_calls_started_total Total calls started
# TYPE voicegate_calls_started_total counter
voicegate_calls_started_total{direction="inbound"} 1
# HELP voicegate_fallback_escalations_total Total function-call fallback escalations, by tier
# TYPE voicegate_fallback_escalations_total counter
voicegate_fallback_escalations_total{tier="2"} 2
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"voicegate_active_calls",
		"voicegate_agent_reconnects_total",
		"voicegate_calls_started_total",
		"voicegate_fallback_escalations_total",
	)
	if err != nil {
		t.Errorf("unexpected metrics output: %v", err)
	}
}
