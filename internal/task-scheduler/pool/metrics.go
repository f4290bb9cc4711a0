package pool

import (
	"github.com/rcrowley/go-metrics"
)

// Metrics are the pool counters exposed on the admin API.
type Metrics struct {
	Registry metrics.Registry

	Dials         metrics.Counter
	DialFailures  metrics.Counter
	DialTime      metrics.Timer
	Reuses        metrics.Counter
	Evictions     metrics.Counter
	ProbeFailures metrics.Counter
	ExecTimeouts  metrics.Counter
	StreamWaits   metrics.Counter
	StreamIdle    metrics.Counter
	LiveSessions  metrics.Gauge
	OpenStreams   metrics.Gauge
}

func newMetrics() *Metrics {
	r := metrics.NewRegistry()
	return &Metrics{
		Registry:      r,
		Dials:         metrics.NewRegisteredCounter("pool.dials", r),
		DialFailures:  metrics.NewRegisteredCounter("pool.dial_failures", r),
		DialTime:      metrics.NewRegisteredTimer("pool.dial_time", r),
		Reuses:        metrics.NewRegisteredCounter("pool.reuses", r),
		Evictions:     metrics.NewRegisteredCounter("pool.evictions", r),
		ProbeFailures: metrics.NewRegisteredCounter("pool.probe_failures", r),
		ExecTimeouts:  metrics.NewRegisteredCounter("pool.exec_timeouts", r),
		StreamWaits:   metrics.NewRegisteredCounter("pool.stream_waits", r),
		StreamIdle:    metrics.NewRegisteredCounter("pool.stream_idle_closes", r),
		LiveSessions:  metrics.NewRegisteredGauge("pool.live_sessions", r),
		OpenStreams:   metrics.NewRegisteredGauge("pool.open_streams", r),
	}
}

// Snapshot flattens the pool registry into name -> value for JSON output.
func (m *Metrics) Snapshot() map[string]interface{} {
	return Flatten(m.Registry)
}

// Flatten reads counters, gauges and timers of any registry.
func Flatten(r metrics.Registry) map[string]interface{} {
	out := make(map[string]interface{})
	r.Each(func(name string, i interface{}) {
		switch v := i.(type) {
		case metrics.Counter:
			out[name] = v.Count()
		case metrics.Gauge:
			out[name] = v.Value()
		case metrics.Timer:
			s := v.Snapshot()
			out[name] = map[string]interface{}{
				"count":   s.Count(),
				"mean_ms": s.Mean() / 1e6,
				"max_ms":  float64(s.Max()) / 1e6,
			}
		}
	})
	return out
}
