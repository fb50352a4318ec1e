package processing

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/oklog/ulid/v2"
)

const (
	helperInputs  = "/burrow/inputs"
	helperOutputs = "/burrow/outputs"
	helperTimeout = 2 * time.Minute
	reapWait      = time.Second
)

// HelperName returns a new time-sortable name for a permission helper
func HelperName() string {
	return helperPrefix + ulid.Make().String()
}

// permissionScript hands the job directories back to uid:gid
func permissionScript(uid, gid int) []string {
	return []string{"sh", "-c", fmt.Sprintf(
		"chown -R %d:%d %s %s && chmod -R u+rwX %s %s",
		uid, gid, helperInputs, helperOutputs, helperInputs, helperOutputs,
	)}
}

// fixPermissions runs a disposable container that chowns the job
// directories to this process's user, since files written by the job
// container are usually owned by root. Host mode only; failures are logged.
func (e *Engine) fixPermissions(ctx context.Context, layout Layout) {
	if e.cfg.Mode.containerized() {
		return
	}
	logger := log.WithJobID(layout.ID)

	if err := e.ensureImage(ctx, e.cfg.HelperImage); err != nil {
		logger.Warn().Err(err).Msg("Permission helper image unavailable")
		return
	}

	spec := runtime.ContainerSpec{
		Name:  HelperName(),
		Image: e.cfg.HelperImage,
		Args:  permissionScript(os.Getuid(), os.Getgid()),
		Mounts: []types.Mount{
			types.BindMount(layout.InputDir, helperInputs),
			types.BindMount(layout.OutputDir, helperOutputs),
		},
		Labels: map[string]string{runtime.LabelRole: helperRole, "burrow.processing-id": layout.ID},
	}

	id, err := e.rt.CreateContainer(ctx, spec)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to create permission helper")
		return
	}
	defer func() {
		if err := e.rt.RemoveContainer(ctx, id); err != nil {
			logger.Warn().Err(err).Str("container", id).Msg("Failed to remove permission helper")
		}
	}()

	if err := e.rt.StartContainer(ctx, id); err != nil {
		logger.Warn().Err(err).Msg("Failed to start permission helper")
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, helperTimeout)
	defer cancel()
	code, err := e.rt.WaitContainer(waitCtx, id)
	if err != nil {
		logger.Warn().Err(err).Msg("Permission helper did not finish")
		return
	}
	if code != 0 {
		logger.Warn().Uint32("exit_code", code).Msg("Permission helper failed")
	}
}

// ReapHelpers removes permission helpers older than the helper TTL that
// their own lifecycle failed to clean up. It runs inside the cycle and is
// skipped when a cycle holds the engine longer than reapWait; the next
// tick tries again. Failures are logged.
func (e *Engine) ReapHelpers(ctx context.Context) int {
	if !e.acquire(ctx, reapWait) {
		e.logger.Debug().Msg("Engine busy, skipping helper reaping")
		return 0
	}
	defer e.release()

	helpers, err := e.rt.ListContainers(ctx, runtime.LabelFilter(runtime.LabelRole, helperRole))
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to list permission helpers")
		return 0
	}

	cutoff := e.cfg.Now().Add(-e.cfg.HelperTTL)
	reaped := 0
	for _, h := range helpers {
		if h.Labels[runtime.LabelRole] != helperRole || h.CreatedAt.After(cutoff) {
			continue
		}
		if err := e.rt.RemoveContainer(ctx, h.ID); err != nil {
			e.logger.Warn().Err(err).Str("container", h.ID).Msg("Failed to reap permission helper")
			continue
		}
		reaped++
		metrics.HelperContainersReapedTotal.Inc()
		e.logger.Info().Str("container", h.ID).Time("created_at", h.CreatedAt).Msg("Reaped stale permission helper")
	}
	return reaped
}
