package metrics

import "time"

// Collector periodically snapshots container counts by lifecycle state
// into ContainersTotal, the same ticker-driven shape as the teacher's
// cluster metrics collector.
type Collector struct {
	list   func() (map[string]int, error)
	stopCh chan struct{}
}

// NewCollector builds a Collector. list should return a count of
// containers keyed by lifecycle value.
func NewCollector(list func() (map[string]int, error)) *Collector {
	return &Collector{list: list, stopCh: make(chan struct{})}
}

// Start begins collecting on a 15s interval, matching the teacher's cadence.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	counts, err := c.list()
	if err != nil {
		return
	}
	for lifecycle, n := range counts {
		ContainersTotal.WithLabelValues(lifecycle).Set(float64(n))
	}
}
