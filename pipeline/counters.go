package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome is the single disposition recorded per app per run.
type Outcome string

const (
	Updated  Outcome = "updated"
	UpToDate Outcome = "up_to_date"
	Skipped  Outcome = "skipped"
	Failed   Outcome = "failed"
)

// Totals is a point-in-time copy of the run tallies.
type Totals struct {
	Updated, UpToDate, Skipped, Failed int
}

// Counters tallies per-app outcomes, mirrored to a private prometheus
// registry.
type Counters struct {
	mu  sync.Mutex
	n   map[Outcome]int
	vec *prometheus.CounterVec
}

func NewCounters() *Counters {
	c := &Counters{
		n: make(map[Outcome]int),
		vec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appupd",
			Name:      "app_outcomes_total",
			Help:      "Per-application run outcomes.",
		}, []string{"outcome"}),
	}
	prometheus.NewRegistry().MustRegister(c.vec)
	return c
}

// Record tallies one outcome.
func (c *Counters) Record(o Outcome) {
	c.mu.Lock()
	c.n[o]++
	c.mu.Unlock()
	c.vec.WithLabelValues(string(o)).Inc()
}

// AddSkipped and AddFailed fold config-load results into the tallies.
func (c *Counters) AddSkipped(n int) {
	c.mu.Lock()
	c.n[Skipped] += n
	c.mu.Unlock()
	c.vec.WithLabelValues(string(Skipped)).Add(float64(n))
}

func (c *Counters) AddFailed(n int) {
	c.mu.Lock()
	c.n[Failed] += n
	c.mu.Unlock()
	c.vec.WithLabelValues(string(Failed)).Add(float64(n))
}

// Snapshot returns the current totals.
func (c *Counters) Snapshot() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Totals{
		Updated:  c.n[Updated],
		UpToDate: c.n[UpToDate],
		Skipped:  c.n[Skipped],
		Failed:   c.n[Failed],
	}
}
