/*
Package metrics provides Prometheus metrics and health endpoints for the burrow worker.

All collectors are package-level variables registered with the Prometheus
DefaultRegistry at init time, so any package can instrument itself by
importing metrics and touching the variable it needs. A small chi router
serves the exposition endpoint next to the health endpoints.

# Architecture

	┌──────────────── METRICS ────────────────┐
	│                                          │
	│  engine / retry / session / channel      │
	│        │ Inc, Set, Observe               │
	│        ▼                                 │
	│  package collectors (DefaultRegistry)    │
	│        │                                 │
	│  Collector ── samples Source every 15s   │
	│        │                                 │
	│        ▼                                 │
	│  chi router                              │
	│    /metrics  promhttp.Handler()          │
	│    /health   component aggregate         │
	│    /ready    critical components         │
	│    /live     process liveness            │
	└──────────────────────────────────────────┘

# Metrics Catalog

Jobs:

  - burrow_jobs_started_total: containers started
  - burrow_jobs_finished_total{result}: result is success, failure or cancelled
  - burrow_jobs_tracked: jobs currently tracked
  - burrow_cycle_duration_seconds{kind}: kind is poll or dispatch
  - burrow_dispatch_dropped_total: dispatches dropped because a cycle held the lock
  - burrow_helper_containers_reaped_total: orphaned helper containers removed
  - burrow_artifact_bytes_total{kind}: uploaded archive bytes by kind

Network:

  - burrow_retry_attempts_total{operation}: retries per operation key
  - burrow_session_renewals_total{kind}: kind is registration, refresh or access
  - burrow_channel_reconnects_total: control channel reconnections
  - burrow_channel_connected: 1 while the control channel is up

# Health

Components report themselves with RegisterComponent or UpdateComponent.
The session, containerd and storage components are critical: /ready
requires all three registered and healthy, and /health reports
"unhealthy" when one of them is down. Any other unhealthy component only
marks the worker "degraded".

# Usage

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CycleDuration, "poll")

	metrics.RegisterComponent(metrics.ComponentContainerd, true, "")

	srv := metrics.NewServer(":9102")
	errCh := srv.Start()
*/
package metrics
