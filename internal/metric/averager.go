// Package metric provides a small Prometheus-backed running-average
// helper. No package in this module constructs an Averager; txpool
// reports its size through a plain prometheus.Gauge. Adapted from the consensus engine's
// utils/metric package, rewired to register directly against a
// prometheus.Registerer (the teacher's own metric.NewAverager callers,
// e.g. engine/chain/poll/set.go, already pass a Registerer at this call
// site even though the teacher's implementation never lands on one).
package metric

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Averager tracks a running average of observed values and exposes it as
// a Prometheus gauge.
type Averager interface {
	Observe(value float64)
	Read() float64
}

type averager struct {
	mu    sync.RWMutex
	sum   float64
	count int64
	gauge prometheus.Gauge
}

// NewAverager registers a single gauge called name against reg and
// returns an Averager that sets it to the running average on each Observe.
func NewAverager(name, help string, reg prometheus.Registerer) (Averager, error) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	})
	if err := reg.Register(gauge); err != nil {
		return nil, fmt.Errorf("registering %s metric: %w", name, err)
	}
	return &averager{gauge: gauge}, nil
}

func (a *averager) Observe(value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sum += value
	a.count++
	a.gauge.Set(a.sum / float64(a.count))
}

func (a *averager) Read() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}
