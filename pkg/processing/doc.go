/*
Package processing implements the job execution engine of the burrow worker.

A job (a "processing" on the coordination server) is dispatched by id over
the control channel. The engine fetches its descriptor from the Control
API, downloads the dataset, runs the processor image in a containerd
container and, once the container exits, archives the outputs, uploads
them to pre-signed URLs and reports the outcome. Everything the engine
knows about a job lives in its record and its working directory, so a
restarted worker picks up where the previous process stopped.

# Architecture

The engine sits between the control plane and the container engine:

	┌──────────────────────────── ENGINE ─────────────────────────────┐
	│                                                                  │
	│   Dispatch(id) ──┐                    ┌── Run: poll timer        │
	│                  ▼                    ▼        status ticker     │
	│           ┌──────────────────────────────┐     reap ticker       │
	│           │   cycle (single-slot chan)    │                      │
	│           └──────┬───────────────┬───────┘                      │
	│                  │               │                               │
	│        startProcessing     processExecution (per tracked id)     │
	│                  │               │                               │
	│   ┌──────────────▼───────────────▼──────────────────────┐       │
	│   │  Runtime     ControlAPI     Transfers    RecordStore │       │
	│   │ (containerd) (REST, retried) (pre-signed) (bbolt)    │       │
	│   └──────────────────────────────────────────────────────┘       │
	│                  │                                               │
	│              Publisher ──► job.* and worker.status events        │
	└──────────────────────────────────────────────────────────────────┘

All collaborators are interfaces declared in this package (Runtime,
ControlAPI, Transfers, Publisher) plus storage.RecordStore, so the engine is
tested against in-memory fakes and wired to containerd, pkg/api and
pkg/events by pkg/worker.

# Core Components

Engine:
  - Owns the cycle semaphore shared by dispatch, poll and reaping
  - Drives every job through its lifecycle
  - Publishes lifecycle and status events

Layout:
  - Working directory, shared input and output directories
  - Container log file and archive locations
  - Record namespace processing/<id>/<id>

MountMode:
  - HostMode: bind mounts of the host directories
  - ContainerMode: subpaths of a named volume shared with the worker
  - Chosen once at startup by pkg/worker

Artifacts:
  - Glob matching of outputs against result and metrics patterns
  - Zip archives with an MD5 computed while writing
  - Upload URL reuse per output kind

Permission helper:
  - Disposable busybox container that chowns outputs (host mode)
  - Named burrow-permfix-<ulid> and labelled burrow.role=permfix
  - Reaped by ReapHelpers once older than HelperTTL

# Job Lifecycle

	dispatch ──► prepare ──► ensure image ──► download dataset ──► launch
	                                                                  │
	                                                                  ▼
	                   ┌──────────── poll (every PollInterval) ── RUNNING
	                   │                        │
	              still running           exited / vanished
	                   │                        │
	            report progress     fix permissions, capture logs,
	                                zip + upload, report result,
	                                cleanup

Dispatch (PENDING):

 1. Enter the cycle, waiting at most DispatchWait
 2. Reject invalid ids and ignore ids that already have a record
 3. Fetch the descriptor (retried by the Control API client)
 4. Validate it and create the working directories
 5. Write the record with layout_version 1 and status PENDING

Launch (PENDING → RUNNING):

 1. Pull the processor image when it is not present locally (retried)
 2. Check the dataset URL is public and not expired, then download it;
    the check runs again before every retry attempt
 3. Build the argument vector: command, --<input arg> <input value>/<file>,
    --<output arg> <output value>, then every --key value of the extra
    configuration
 4. Remove a leftover container with the same name, create and start
 5. Force remove the container if start fails
 6. Store container_id, publish job.acquired

Poll (RUNNING):

 1. Inspect the container of every tracked job, one after the other
 2. Running: report progress, best effort
 3. Exited: fix permissions, copy the full log into the outputs, list
    outputs, zip and upload, then settle on the exit code
 4. Vanished: cancel quietly when the server already finished the job,
    fail otherwise

Success:

 1. Record internal status SUCCEEDED
 2. Report success
 3. Remove container, working directory and record
 4. Publish job.succeeded

Failure:

 1. Log the last LogTailLines lines of the container log
 2. Remove container, working directory and record
 3. Report the reason ("[key]: message", see fault.Message)
 4. Publish job.failed

A non-zero exit code always leads the reason ("Container exited with code
137.") even when a later step such as output listing failed as well.

# Usage

Creating an engine:

	engine := processing.NewEngine(processing.Config{
		DataDir:      "/var/lib/burrow",
		Version:      version,
		PollInterval: 5 * time.Second,
		DispatchWait: 15 * time.Second,
		Retry:        retry.Default(),
		Mode:         processing.HostMode(),
		Telemetry:    host.Telemetry,
	}, store, containerdRuntime, apiClient, api.NewTransfer(nil), broker)

	go engine.Run(ctx)

Dispatching work from the control channel:

	func (d *dispatcher) OnWork(id string) {
		if err := d.engine.Dispatch(d.ctx, id); err != nil &&
			!errors.Is(err, processing.ErrDispatchDropped) {
			d.logger.Warn().Err(err).Msg("Dispatch failed")
		}
	}

Answering a status request:

	engine.ReportStatus()

Listing tracked jobs:

	ids, err := engine.TrackedIDs()

Zero values in Config fall back to defaults: 5s poll, 15s dispatch wait,
1m status refresh, 5m helper TTL, 1m reap interval, 10 tail lines, the
busybox:1.36 helper image and retry.Default().

# Concurrency

Dispatch, Poll and ReapHelpers share a single-slot semaphore, so at most
one of them calls the container engine at any time and jobs within a poll
are handled sequentially. Poll waits for the slot until its context ends.
Dispatch gives up after Config.DispatchWait and returns
ErrDispatchDropped, so a dispatch that arrives during a long upload is
dropped instead of queued; the server learns which jobs are tracked from
the status published after every cycle and dispatches again. ReapHelpers
waits one second and skips the tick when the engine is busy.

Run re-arms the poll timer only after a cycle settles, so slow cycles
stretch the schedule instead of piling up.

# On-disk Layout

	<data-dir>/processing/<id>/
	    container.log            container stdout and stderr
	    <id>_result_file.zip     archives, written before upload
	    <id>_metrics_file.zip
	    shared/inputs/           mounted at dataset_input_value
	    shared/outputs/          mounted at dataset_output_value
	    shared/outputs/<id>.log  copy of container.log, part of the results

Records live in the store under processing/<id>/<id> and carry a layout
version; records of another version fail with UNSUPPORTED_LAYOUT and are
cleaned up.

In host mode the shared directories are bind mounted. When the worker runs
in a container (ContainerMode) they are mounted as subpaths of a named
volume shared with the worker, and permissions are left alone.

# Artifacts

Outputs are matched against the processor's result and metrics glob
patterns (doublestar syntax, relative to the output directory). Each
non-empty set is zipped with its relative paths kept; the captured
<id>.log always joins the result archive. When neither pattern set matches
a file the job fails with NO_MATCHING_FILES; a miss for one kind is only a
warning.

For every archive the engine sends {filename, mime_type, size, md5_hash}
to generate_upload, PUTs the archive to the returned URL and confirms with
uploaded. Upload URLs are taken from the record, then the descriptor, and
only then generated, so a retried completion uploads to the same target.

# Failure Scenarios

Dataset URL expired:

  - Detected before any container exists
  - Reason DATASET_EXPIRED, no container id is ever stored

Container exits non-zero:

  - Outputs are still uploaded when they match
  - Reason names the exit code (CONTAINER_FAILED)

No outputs:

  - NO_OUTPUT_FILES, prefixed by the exit code when it was non-zero

Success report fails:

  - Transient (retries exhausted, server unavailable): the record stays
    with status SUCCEEDED and the next poll retries only the report
  - Rejected (4xx): the job is cleaned up anyway and job.succeeded carries
    "rejected"

Container vanished:

  - Server status terminal: job.cancelled, no failure report
  - Otherwise MISSING_CONTAINER

Worker crash:

  - The record and working directory survive
  - The next poll inspects the container and continues
  - Helper containers left behind are reaped after HelperTTL

# Performance Characteristics

  - One container engine call at a time, by construction
  - A slow job step delays every other job in the same poll
  - Archives stream to disk; memory does not grow with output size
  - Status events are sent only when (state, job count) changes, on request
    and every StatusRefresh

# Integration Points

This package integrates with:

  - pkg/runtime: ContainerdRuntime implements Runtime
  - pkg/api: Client implements ControlAPI, Transfer implements Transfers
  - pkg/events: Broker implements Publisher
  - pkg/storage: records of tracked jobs
  - pkg/retry: image pulls, dataset downloads and uploads
  - pkg/worker: wiring, mode selection, dispatcher

# Design Patterns

Single-slot semaphore:

  - A buffered channel of size one guards every cycle
  - Bounded waits make contention visible instead of queueing work

Record as source of truth:

  - Tracked jobs are exactly the records under processing/
  - No in-memory job table to drift from disk

Versioned layout:

  - Old or unknown layouts fail loudly and are cleaned up

# Troubleshooting

Jobs stay tracked forever:

  - Check the success report in the logs ("will retry")
  - Inspect the record: burrow jobs list

Dispatches are dropped:

  - burrow_dispatch_dropped_total increases
  - A poll is busy with a long upload or pull; raise dispatch_wait

Output files owned by root:

  - Check the helper image can be pulled (helper_image)
  - Look for "Permission helper failed" warnings

# Monitoring

  - burrow_jobs_started_total, burrow_jobs_finished_total{result}
  - burrow_jobs_tracked
  - burrow_cycle_duration_seconds{kind="dispatch"|"poll"}
  - burrow_dispatch_dropped_total
  - burrow_artifact_bytes_total{kind}
  - burrow_helper_containers_reaped_total

# See Also

  - pkg/runtime for the containerd integration
  - pkg/api for the Control API contract
  - pkg/worker for startup and mode selection
*/
package processing
