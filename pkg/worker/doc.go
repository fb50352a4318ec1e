/*
Package worker assembles the burrow worker process.

# Startup Sequence

Start brings the worker up in a fixed order and fails fast; every error
it returns is fatal:

 1. open the bbolt record store under the data dir
 2. choose the mount mode (host bind mounts, or subpaths of the shared
    volume when the worker runs in a container; the volume must exist)
 3. establish the session: register or renew, then confirm the server
    recognises the stored worker id
 4. connect to containerd and require version 1.7.0 or newer
 5. build the job engine on top of the Control API client
 6. open the control channel, bounded to five attempts
 7. start the reconciliation loop, the health monitor, the metrics
    collector and, when metrics_addr is set, the HTTP endpoints

# Event Flow

	control channel ──worker:work──────► dispatcher ──► Engine.Dispatch
	                ──worker:get-status─►            ──► Engine.ReportStatus

	Engine ──► events.Broker ──► forwarder ──worker:status──────────────► channel
	                                       ──worker:processing-acquired─►

Status events lost while the channel is down are not queued; every
reconnection triggers a fresh status report instead.

# Shutdown

Stop cancels the root context, waits for the engine to finish its current
cycle, then closes the channel, the container engine client and the store.
Job containers are left running. On the next start the reconciliation loop
finds their records and carries on.
*/
package worker
