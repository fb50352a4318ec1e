package processing

import (
	"context"
	"path"
	"path/filepath"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/types"
)

// startProcessing moves a dispatched job from PENDING to RUNNING. Every
// failure is routed through handleFailure.
func (e *Engine) startProcessing(ctx context.Context, id string) {
	logger := log.WithJobID(id)
	metrics.JobsStartedTotal.Inc()

	rec, layout, err := e.prepare(ctx, id)
	if err != nil {
		e.handleFailure(ctx, id, "", err)
		return
	}
	p := rec.Data

	if err := e.ensureImage(ctx, p.Processor.ImageTag); err != nil {
		e.handleFailure(ctx, id, "", err)
		return
	}

	if _, err := e.fetchDataset(ctx, p, layout); err != nil {
		e.handleFailure(ctx, id, "", err)
		return
	}

	containerID, err := e.launch(ctx, p, layout)
	if err != nil {
		e.handleFailure(ctx, id, "", err)
		return
	}

	now := e.cfg.Now().UTC()
	err = e.store.Set(RecordNamespace(id), map[string]any{
		"container_id":    containerID,
		"internal_status": types.ProcessingRunning,
		"started_at":      now,
	})
	if err != nil {
		e.handleFailure(ctx, id, containerID, err)
		return
	}

	logger.Info().Str("container", containerID).Str("image", p.Processor.ImageTag).Msg("Job container started")
	e.events.Publish(&events.Event{
		Type:         events.EventJobAcquired,
		ProcessingID: id,
		Message:      containerID,
	})
}

// prepare fetches and validates the descriptor, creates the working
// directories and writes the initial record
func (e *Engine) prepare(ctx context.Context, id string) (*types.JobRecord, Layout, error) {
	layout := NewLayout(e.cfg.DataDir, id)

	p, err := e.api.GetProcessing(ctx, id)
	if err != nil {
		return nil, layout, err
	}
	if err := validateProcessing(id, p); err != nil {
		return nil, layout, err
	}
	if err := layout.Create(); err != nil {
		return nil, layout, err
	}

	rec := &types.JobRecord{
		LayoutVersion:  types.CurrentLayoutVersion,
		Data:           p,
		InternalStatus: types.ProcessingPending,
		WorkingDir:     layout.WorkingDir,
		InputDir:       layout.InputDir,
		OutputDir:      layout.OutputDir,
		VolumeInputDir: layout.VolumeInputDir,
		VolumeOutput:   layout.VolumeOutputDir,
	}
	if err := e.store.Put(RecordNamespace(id), rec); err != nil {
		return nil, layout, err
	}
	return rec, layout, nil
}

func validateProcessing(id string, p *types.Processing) error {
	missing := func(what string) error {
		return fault.Newf(fault.KindJob, "processing/MISSING_PROCESSING_DATA", "Missing processing data: %s.", what)
	}

	switch {
	case p == nil:
		return missing("descriptor")
	case p.ID != id:
		return fault.Newf(fault.KindJob, "processing/MISSING_PROCESSING_DATA", "Descriptor id %q does not match %q.", p.ID, id)
	case p.Processor.ImageTag == "":
		return missing("processor.image_tag")
	case p.Dataset.File.PublicURL == "":
		return missing("dataset.file.public_url")
	case p.Dataset.File.Filename == "":
		return missing("dataset.file.filename")
	case !filepath.IsLocal(p.Dataset.File.Filename):
		return fault.Newf(fault.KindJob, "processing/INVALID_DATASET_FILENAME", "Dataset filename %q is not a plain file name.", p.Dataset.File.Filename)
	case !path.IsAbs(p.Processor.Configuration.DatasetInputValue) || !path.IsAbs(p.Processor.Configuration.DatasetOutputValue):
		return missing("absolute dataset input and output values")
	}
	return nil
}

// ensureImage pulls the processor image when it is not present locally
func (e *Engine) ensureImage(ctx context.Context, ref string) error {
	exists, err := e.rt.ImageExists(ctx, ref)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	e.logger.Info().Str("image", ref).Msg("Image not present locally, pulling")
	return e.cfg.Retry.Do(ctx, "processing/PULL_IMAGE", func(ctx context.Context, _ int) error {
		return e.rt.PullImage(ctx, ref)
	})
}

// buildArgs assembles the command vector: the processor command followed
// by --key value pairs for the dataset input, the output and any extra
// server configuration
func buildArgs(p *types.Processing) []string {
	conf := p.Processor.Configuration
	var args []string
	if conf.Command != "" {
		args = append(args, conf.Command)
	}

	add := func(key, value string) {
		if key == "" {
			return
		}
		args = append(args, "--"+key, value)
	}
	add(conf.DatasetInputArgument, path.Join(conf.DatasetInputValue, p.Dataset.File.Filename))
	add(conf.DatasetOutputArgument, conf.DatasetOutputValue)
	for _, param := range p.Configuration {
		add(param.Key, param.Value)
	}
	return args
}

// launch creates and starts the job container. A container that fails to
// start is force removed.
func (e *Engine) launch(ctx context.Context, p *types.Processing, layout Layout) (string, error) {
	logPath, err := e.cfg.Mode.logPath(layout)
	if err != nil {
		return "", err
	}

	spec := runtime.ContainerSpec{
		Name:        ContainerName(p.ID),
		Image:       p.Processor.ImageTag,
		Args:        buildArgs(p),
		Mounts:      e.cfg.Mode.jobMounts(layout, p.Processor.Configuration),
		Labels:      map[string]string{"burrow.processing-id": p.ID, runtime.LabelRole: "job"},
		LogPath:     logPath,
		LogViewPath: layout.LogPath(),
	}

	// A container left over from an earlier attempt would block the name.
	if err := e.rt.RemoveContainer(ctx, spec.Name); err != nil {
		return "", err
	}

	containerID, err := e.rt.CreateContainer(ctx, spec)
	if err != nil {
		return "", fault.Wrap(fault.KindJob, "processing/CREATE_CONTAINER", err, "Failed to create container.")
	}

	if err := e.rt.StartContainer(ctx, containerID); err != nil {
		if rerr := e.rt.RemoveContainer(ctx, containerID); rerr != nil {
			logger := log.WithJobID(p.ID)
			logger.Warn().Err(rerr).Msg("Failed to remove container after start failure")
		}
		return "", fault.Wrap(fault.KindJob, "processing/START_CONTAINER", err, "Failed to start container.")
	}
	return containerID, nil
}

// handleSuccess reports success and cleans up. When the report fails with a
// transient error the job stays tracked so the next tick retries it. A
// rejected report is final: the job is cleaned up anyway.
func (e *Engine) handleSuccess(ctx context.Context, id, containerID string) {
	logger := log.WithJobID(id)

	outcome := "succeeded"
	if err := e.api.ReportSuccess(ctx, id); err != nil {
		if fault.Is(err, fault.KindTransient) {
			logger.Error().Str("error", fault.Message(err)).Msg("Failed to report success, will retry")
			return
		}
		outcome = "rejected"
		logger.Warn().Str("error", fault.Message(err)).Msg("Server rejected success report, cleaning up")
	}

	e.cleanup(ctx, id, containerID)
	metrics.JobsFinishedTotal.WithLabelValues(outcome).Inc()
	logger.Info().Str("outcome", outcome).Msg("Job succeeded")
	e.events.Publish(&events.Event{Type: events.EventJobSucceeded, ProcessingID: id, Message: outcome})
}

// handleFailure captures a log tail, cleans up, then reports the failure.
// Cleanup runs whatever the report's outcome.
func (e *Engine) handleFailure(ctx context.Context, id, containerID string, cause error) {
	logger := log.WithJobID(id)
	reason := fault.Message(cause)

	if containerID != "" {
		tail, err := e.rt.TailLogs(ctx, containerID, e.cfg.LogTailLines)
		if err != nil {
			logger.Warn().Err(err).Msg("Unable to get logs from container")
		} else {
			logger.Info().Str("container", containerID).Str("logs", tail).Msg("Latest logs from container")
		}
	}

	e.cleanup(ctx, id, containerID)

	if err := e.api.ReportFailure(ctx, id, reason); err != nil {
		logger.Error().Str("error", fault.Message(err)).Msg("Failed to report failure")
	}

	metrics.JobsFinishedTotal.WithLabelValues("failed").Inc()
	logger.Error().Str("reason", reason).Msg("Job failed")
	e.events.Publish(&events.Event{Type: events.EventJobFailed, ProcessingID: id, Message: reason})
}

// cancel drops a job the server already considers finished
func (e *Engine) cancel(ctx context.Context, id string, status types.ProcessingStatus) {
	e.cleanup(ctx, id, "")

	metrics.JobsFinishedTotal.WithLabelValues("cancelled").Inc()
	logger := log.WithJobID(id)
	logger.Info().Str("server_status", string(status)).Msg("Job cancelled")
	e.events.Publish(&events.Event{Type: events.EventJobCancelled, ProcessingID: id, Message: string(status)})
}

// cleanup removes the container, the working directory and the record.
// Errors are logged and never returned.
func (e *Engine) cleanup(ctx context.Context, id, containerID string) {
	logger := log.WithJobID(id)

	if containerID != "" {
		if err := e.rt.RemoveContainer(ctx, containerID); err != nil {
			logger.Warn().Err(err).Str("container", containerID).Msg("Failed to remove container")
		}
	}
	if err := NewLayout(e.cfg.DataDir, id).Remove(); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove working directory")
	}
	if err := e.store.Delete(RecordNamespace(id)); err != nil {
		logger.Warn().Err(err).Msg("Failed to delete job record")
	}
}
