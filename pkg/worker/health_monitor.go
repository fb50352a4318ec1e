package worker

import (
	"context"
	"time"

	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/rs/zerolog"
)

const checkTimeout = 5 * time.Second

// versionChecker is the part of the container engine the monitor checks
type versionChecker interface {
	CheckVersion(ctx context.Context, minimum string) (string, error)
}

// HealthMonitor periodically checks the container engine and the record
// store and feeds the results into the component health registry
type HealthMonitor struct {
	runtime  versionChecker
	store    storage.RecordStore
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewHealthMonitor creates a health monitor
func NewHealthMonitor(rt versionChecker, store storage.RecordStore, interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		runtime:  rt,
		store:    store,
		interval: interval,
		logger:   log.WithComponent("health"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the health monitor
func (hm *HealthMonitor) Start() {
	go hm.monitorLoop()
}

// Stop stops the health monitor and waits for the running check
func (hm *HealthMonitor) Stop() {
	close(hm.stopCh)
	<-hm.doneCh
}

func (hm *HealthMonitor) monitorLoop() {
	defer close(hm.doneCh)

	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hm.check()
		case <-hm.stopCh:
			return
		}
	}
}

// check runs every health check once
func (hm *HealthMonitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	if version, err := hm.runtime.CheckVersion(ctx, runtime.MinimumVersion); err != nil {
		hm.logger.Warn().Str("error", fault.Message(err)).Msg("Container engine unhealthy")
		metrics.UpdateComponent(metrics.ComponentContainerd, false, fault.Message(err))
	} else {
		metrics.UpdateComponent(metrics.ComponentContainerd, true, version)
	}

	if _, err := hm.store.List(""); err != nil {
		hm.logger.Warn().Err(err).Msg("Record store unhealthy")
		metrics.UpdateComponent(metrics.ComponentStorage, false, err.Error())
	} else {
		metrics.UpdateComponent(metrics.ComponentStorage, true, "")
	}
}
