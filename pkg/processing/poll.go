package processing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/types"
)

// processExecution inspects one tracked job and advances it
func (e *Engine) processExecution(ctx context.Context, id string) {
	logger := log.WithJobID(id)

	var rec types.JobRecord
	found, err := e.store.Get(RecordNamespace(id), &rec)
	if err != nil {
		e.handleFailure(ctx, id, "", err)
		return
	}
	if !found {
		return
	}

	if rec.LayoutVersion != types.CurrentLayoutVersion {
		e.handleFailure(ctx, id, rec.ContainerID, fault.Newf(fault.KindJob, "processing/UNSUPPORTED_LAYOUT",
			"Job record uses layout version %d, expected %d.", rec.LayoutVersion, types.CurrentLayoutVersion))
		return
	}
	if rec.Data == nil {
		e.handleFailure(ctx, id, rec.ContainerID, fault.New(fault.KindJob, "processing/MISSING_PROCESSING_DATA", "Missing processing data."))
		return
	}
	if rec.ContainerID == "" {
		e.handleFailure(ctx, id, "", fault.Newf(fault.KindJob, "processing/NO_CONTAINER_ID_FOR_PROCESSING", "Unable to find container ID for %s.", id))
		return
	}

	// Uploads already went through; only the success report is missing.
	if rec.InternalStatus == types.ProcessingSucceeded {
		e.handleSuccess(ctx, id, rec.ContainerID)
		return
	}

	state, err := e.rt.InspectContainer(ctx, rec.ContainerID)
	if errors.Is(err, runtime.ErrContainerNotFound) {
		e.containerGone(ctx, id, rec.ContainerID)
		return
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to inspect container, retrying next tick")
		return
	}

	if state.Running {
		if err := e.api.ReportProgress(ctx, id); err != nil {
			logger.Warn().Str("error", fault.Message(err)).Msg("Failed to report progress")
		}
		return
	}

	if !state.Started {
		e.handleFailure(ctx, id, rec.ContainerID, fault.New(fault.KindJob, "processing/CONTAINER_NOT_STARTED", "Container was created but never started."))
		return
	}

	e.complete(ctx, &rec, state)
}

// containerGone handles a tracked job whose container vanished. If the
// server already finished the job it is cancelled quietly, otherwise it
// fails.
func (e *Engine) containerGone(ctx context.Context, id, containerID string) {
	p, err := e.api.GetProcessing(ctx, id)
	if err == nil && p.Status.Terminal() {
		e.cancel(ctx, id, p.Status)
		return
	}

	e.handleFailure(ctx, id, "", fault.Newf(fault.KindJob, "processing/MISSING_CONTAINER", "Unable to find container %s.", containerID))
}

// complete runs once a container has exited: fix permissions, capture the
// logs, bundle and upload outputs, then settle on the exit code
func (e *Engine) complete(ctx context.Context, rec *types.JobRecord, state runtime.ContainerState) {
	id := rec.Data.ID
	layout := NewLayout(e.cfg.DataDir, id)

	e.fixPermissions(ctx, layout)
	e.captureLogs(ctx, rec.ContainerID, layout)

	fail := func(cause error) {
		e.handleFailure(ctx, id, rec.ContainerID, exitFailure(state.ExitCode, cause))
	}

	files, err := listOutputs(layout.OutputDir, layout.CapturedLogName())
	if err != nil || len(files) == 0 {
		fail(fault.Newf(fault.KindJob, "processing/NO_OUTPUT_FILES",
			"Process completed but no files found on output directory of processing id %s.", id))
		return
	}

	if err := e.zipAndUpload(ctx, rec, layout); err != nil {
		fail(err)
		return
	}

	if state.ExitCode != 0 {
		fail(nil)
		return
	}

	if err := e.store.Set(RecordNamespace(id), map[string]any{"internal_status": types.ProcessingSucceeded}); err != nil {
		logger := log.WithJobID(id)
		logger.Warn().Err(err).Msg("Failed to record success")
	}
	e.handleSuccess(ctx, id, rec.ContainerID)
}

// exitFailure puts a non-zero exit code in front of cause so the reported
// reason always names it. A zero exit code leaves cause untouched.
func exitFailure(code uint32, cause error) error {
	if code == 0 {
		return cause
	}
	msg := fmt.Sprintf("Container exited with code %d.", code)
	if cause == nil {
		return fault.New(fault.KindJob, "processing/CONTAINER_FAILED", msg)
	}
	return fault.Wrap(fault.KindJob, "processing/CONTAINER_FAILED", cause, msg)
}

// captureLogs copies the container's full output next to its outputs.
// Failures are logged only.
func (e *Engine) captureLogs(ctx context.Context, containerID string, layout Layout) {
	logger := log.WithJobID(layout.ID)

	f, err := os.Create(filepath.Join(layout.OutputDir, layout.CapturedLogName()))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to create log file")
		return
	}
	defer f.Close()

	if err := e.rt.CopyLogs(ctx, containerID, f); err != nil {
		logger.Warn().Err(err).Msg("Failed to capture container logs")
	}
}
