package metrics

import (
	"time"
)

// Source exposes the worker state sampled by the collector.
type Source interface {
	// TrackedJobs returns the number of jobs currently tracked.
	TrackedJobs() int
	// ChannelConnected reports whether the control channel is up.
	ChannelConnected() bool
}

// Collector periodically samples gauges from a Source
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	JobsTracked.Set(float64(c.source.TrackedJobs()))

	if c.source.ChannelConnected() {
		ChannelConnected.Set(1)
		UpdateComponent(ComponentChannel, true, "")
	} else {
		ChannelConnected.Set(0)
		UpdateComponent(ComponentChannel, false, "disconnected")
	}
}
