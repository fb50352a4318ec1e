package worker

import (
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/processing"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/volume"
)

// environmentDetector tells whether this process runs inside a container
type environmentDetector interface {
	Environment() types.Environment
}

// resolveEnvironment maps the configured mode to an environment, asking
// the host for "auto"
func resolveEnvironment(mode string, detector environmentDetector) types.Environment {
	switch mode {
	case config.ModeHost:
		return types.EnvironmentHost
	case config.ModeContainer:
		return types.EnvironmentContainer
	}
	return detector.Environment()
}

// selectMode decides once how job directories reach job containers. In
// containerized mode the shared volume must already exist: it is the
// worker's own data dir seen from the host.
func (w *Worker) selectMode() (processing.MountMode, error) {
	env := resolveEnvironment(w.cfg.Mode, w.host)
	if env == types.EnvironmentHost {
		return processing.HostMode(), nil
	}

	vm, err := volume.NewVolumeManager(w.cfg.VolumesPath)
	if err != nil {
		return processing.MountMode{}, fault.Wrap(fault.KindFatal, "worker/VOLUMES", err, "Failed to open volumes.")
	}
	mode, err := sharedVolumeMode(vm, w.cfg.SharedVolume)
	if err != nil {
		return processing.MountMode{}, err
	}

	w.volumes = vm
	return mode, nil
}

func sharedVolumeMode(vm *volume.VolumeManager, name string) (processing.MountMode, error) {
	v, err := vm.InspectVolume(name)
	if err != nil {
		return processing.MountMode{}, fault.Wrap(fault.KindFatal, "worker/MISSING_SHARED_VOLUME", err,
			"Shared volume "+name+" is required when running in a container.")
	}
	return processing.ContainerMode(v.Name, vm), nil
}
