// Package metrics exposes gateway health to Prometheus. Gauges are read
// from live providers at scrape time; event counters are fed by hooks on
// the call manager, fallback ladder and agent client.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicegate/voicegate/internal/callstore"
	"github.com/voicegate/voicegate/internal/fallback"
)

// ActiveCallsProvider exposes the number of live calls.
type ActiveCallsProvider interface {
	ActiveCount() int
}

// Counters accumulates lifecycle events between scrapes. All methods are
// safe for concurrent use.
type Counters struct {
	mu         sync.Mutex
	live       map[string]struct{} // call ids counted as started, not yet ended
	started    map[string]int64    // by direction
	ended      map[string]int64    // by terminal state
	fallbacks  map[fallback.Tier]int64
	reconnects int64
}

// NewCounters creates an empty counter set.
func NewCounters() *Counters {
	return &Counters{
		live:      make(map[string]struct{}),
		started:   make(map[string]int64),
		ended:     make(map[string]int64),
		fallbacks: make(map[fallback.Tier]int64),
	}
}

// ObserveCall ingests one persisted call transition. Each call is counted
// as started once and as ended once, regardless of how many transitions the
// manager persists along the way.
func (c *Counters) ObserveCall(rec *callstore.CallRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec.State.Terminal() {
		if _, ok := c.live[rec.CallID]; ok {
			delete(c.live, rec.CallID)
			c.ended[string(rec.State)]++
		}
		return
	}
	if _, ok := c.live[rec.CallID]; !ok {
		c.live[rec.CallID] = struct{}{}
		c.started[string(rec.Direction)]++
	}
}

// ObserveFallback ingests one fallback escalation.
func (c *Counters) ObserveFallback(ev fallback.Event) {
	c.mu.Lock()
	c.fallbacks[ev.Tier]++
	c.mu.Unlock()
}

// ObserveAgentReconnect ingests one agent-session reconnect.
func (c *Counters) ObserveAgentReconnect() {
	c.mu.Lock()
	c.reconnects++
	c.mu.Unlock()
}

func (c *Counters) snapshot() (started, ended map[string]int64, fallbacks map[fallback.Tier]int64, reconnects int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	started = make(map[string]int64, len(c.started))
	for k, v := range c.started {
		started[k] = v
	}
	ended = make(map[string]int64, len(c.ended))
	for k, v := range c.ended {
		ended[k] = v
	}
	fallbacks = make(map[fallback.Tier]int64, len(c.fallbacks))
	for k, v := range c.fallbacks {
		fallbacks[k] = v
	}
	return started, ended, fallbacks, c.reconnects
}

// Collector is a prometheus.Collector that gathers gateway metrics at
// scrape time.
type Collector struct {
	activeCalls ActiveCallsProvider
	counters    *Counters
	startTime   time.Time

	activeCallsDesc  *prometheus.Desc
	callsStartedDesc *prometheus.Desc
	callsEndedDesc   *prometheus.Desc
	fallbacksDesc    *prometheus.Desc
	reconnectsDesc   *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a metrics collector. activeCalls may be nil if
// unavailable.
func NewCollector(activeCalls ActiveCallsProvider, counters *Counters, startTime time.Time) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		counters:    counters,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voicegate_active_calls",
			"Number of currently live calls",
			nil, nil,
		),
		callsStartedDesc: prometheus.NewDesc(
			"voicegate_calls_started_total",
			"Total calls started",
			[]string{"direction"}, nil,
		),
		callsEndedDesc: prometheus.NewDesc(
			"voicegate_calls_ended_total",
			"Total calls ended, by terminal state",
			[]string{"state"}, nil,
		),
		fallbacksDesc: prometheus.NewDesc(
			"voicegate_fallback_escalations_total",
			"Total function-call fallback escalations, by tier",
			[]string{"tier"}, nil,
		),
		reconnectsDesc: prometheus.NewDesc(
			"voicegate_agent_reconnects_total",
			"Total voice-agent session reconnects",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voicegate_uptime_seconds",
			"Seconds since the gateway process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.callsStartedDesc
	ch <- c.callsEndedDesc
	ch <- c.fallbacksDesc
	ch <- c.reconnectsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCount()),
		)
	}

	if c.counters != nil {
		started, ended, fallbacks, reconnects := c.counters.snapshot()
		for dir, n := range started {
			ch <- prometheus.MustNewConstMetric(
				c.callsStartedDesc, prometheus.CounterValue, float64(n), dir,
			)
		}
		for state, n := range ended {
			ch <- prometheus.MustNewConstMetric(
				c.callsEndedDesc, prometheus.CounterValue, float64(n), state,
			)
		}
		for tier, n := range fallbacks {
			ch <- prometheus.MustNewConstMetric(
				c.fallbacksDesc, prometheus.CounterValue, float64(n),
				strconv.Itoa(int(tier)),
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.reconnectsDesc, prometheus.CounterValue, float64(reconnects),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
