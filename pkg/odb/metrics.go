package odb

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultError = "error"
	resultOK    = "ok"
	resultDedup = "dedup"
)

// metrics holds the optional prometheus counters. A nil *metrics is valid and
// records nothing.
type metrics struct {
	reads  *prometheus.CounterVec
	writes *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &metrics{
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitcore",
			Subsystem: "odb",
			Name:      "reads_total",
			Help:      "Object reads by backend and result.",
		}, []string{"backend", "result"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitcore",
			Subsystem: "odb",
			Name:      "writes_total",
			Help:      "Object writes by result.",
		}, []string{"result"}),
	}
	for _, c := range []prometheus.Collector{m.reads, m.writes} {
		if err := reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch existing := are.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					if c == m.reads {
						m.reads = existing
					} else {
						m.writes = existing
					}
					continue
				}
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) read(backend, result string) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(backend, result).Inc()
}

func (m *metrics) write(result string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(result).Inc()
}
