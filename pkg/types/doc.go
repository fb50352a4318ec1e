/*
Package types defines the data model shared by the burrow worker packages.

# Core Types

Session:
  - Session: registration identity plus refresh and access credentials,
    persisted under the "authentication" record namespace
  - RegisterRequest, Credentials: bodies of the registration and token
    renewal calls
  - RefreshGrant, AccessGrant: credentials returned by those calls

Jobs:
  - Processing: job descriptor returned by GET /worker/processing/{id}
  - Processor, ProcessorConfiguration: image, command and argument names
  - Dataset, DatasetFile: input file with its time-boxed public URL
  - Param: extra `--key value` argument supplied by the server
  - JobRecord: persisted per-job state, versioned by LayoutVersion
  - ProcessingStatus: PENDING, RUNNING, SUCCEEDED, FAILED, CANCELLED

Artifacts:
  - OutputKind: result_file or metrics_file
  - FileData: archive metadata sent when requesting an upload URL
  - OutputFile: artifact slot on the descriptor, may carry an upload URL

Containers:
  - Mount: bind mount or named-volume subpath, built with BindMount or
    VolumeSubpathMount
  - Environment: host or container, decided once at startup
  - Volume: named shared volume

Status:
  - WorkerStatus: payload of worker:status events
  - SystemInfo, Telemetry: static identity attributes and dynamic load

The JSON field names match the Control API wire format, so descriptors are
decoded straight into these types and persisted as received.
*/
package types
