package metrics

import "github.com/prometheus/client_golang/prometheus"

type Observer interface {
	Observe(val float64, labels ...string)

	// for now we will tightly couple to the prometheus collector type
	// the go otel metrics sdk also has a prometheus adapter that implements this interface.
	prometheus.Collector
}

type Metrics struct {
	// CommandCount counts command invocations by command name.
	CommandCount Observer
	// JoinCount counts join attempts by outcome.
	JoinCount Observer
	// JoinLatency observes how long join attempts take, by outcome.
	JoinLatency Observer
	// SwitchCount counts committed exclusive role switches.
	SwitchCount Observer
	// LockoutRecords observes the number of lockout records held in memory.
	LockoutRecords Observer
	// RateLimited counts member commands dropped by rate limits.
	RateLimited Observer
}

func (m Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.CommandCount,
		m.JoinCount,
		m.JoinLatency,
		m.SwitchCount,
		m.LockoutRecords,
		m.RateLimited,
	}
}

// Observe observes a value on o if it is not nil.
func Observe(o Observer, val float64, labels ...string) {
	if o == nil {
		return
	}
	o.Observe(val, labels...)
}
