package processing

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// JobsFolder is both the record namespace root and the directory under the
// data dir that holds job working directories
const JobsFolder = "processing"

const (
	containerPrefix = "burrow-job-"
	helperPrefix    = "burrow-permfix-"
	helperRole      = "permfix"
	containerLog    = "container.log"
)

// RecordNamespace is where a job's record lives in the store
func RecordNamespace(id string) string {
	return storage.Namespace(JobsFolder, id, id)
}

// ContainerName is the containerd id given to a job's container
func ContainerName(id string) string {
	return containerPrefix + id
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fault.Newf(fault.KindJob, "processing/INVALID_ID", "Invalid processing id %q.", id)
	}
	return nil
}

// Layout is the on-disk arrangement of one job. Worker-side paths are
// absolute; Volume* paths are relative to the shared volume root, which is
// the data dir in containerized mode.
type Layout struct {
	ID         string
	WorkingDir string
	InputDir   string
	OutputDir  string

	VolumeWorkingDir string
	VolumeInputDir   string
	VolumeOutputDir  string
}

// NewLayout computes the layout of job id under dataDir
func NewLayout(dataDir, id string) Layout {
	rel := path.Join(JobsFolder, id)
	work := filepath.Join(dataDir, JobsFolder, id)
	return Layout{
		ID:               id,
		WorkingDir:       work,
		InputDir:         filepath.Join(work, "shared", "inputs"),
		OutputDir:        filepath.Join(work, "shared", "outputs"),
		VolumeWorkingDir: rel,
		VolumeInputDir:   path.Join(rel, "shared", "inputs"),
		VolumeOutputDir:  path.Join(rel, "shared", "outputs"),
	}
}

// Create makes the input and output directories
func (l Layout) Create() error {
	for _, dir := range []string{l.InputDir, l.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fault.Wrap(fault.KindJob, "processing/MISSING_DIRECTORY", err, fmt.Sprintf("Failed to create %s.", dir))
		}
	}
	return nil
}

// Remove deletes the working directory and everything in it
func (l Layout) Remove() error {
	return os.RemoveAll(l.WorkingDir)
}

// LogPath is where the container's output is written while it runs
func (l Layout) LogPath() string {
	return filepath.Join(l.WorkingDir, containerLog)
}

// CapturedLogName is the file name of the log copy placed among the outputs
func (l Layout) CapturedLogName() string {
	return l.ID + ".log"
}

// ArchivePath is where the bundle of kind is written before upload
func (l Layout) ArchivePath(kind types.OutputKind) string {
	return filepath.Join(l.WorkingDir, fmt.Sprintf("%s_%s.zip", l.ID, kind))
}

// MountMode is the mount strategy chosen once at startup: bind mounts of
// host directories, or subpaths of a shared named volume when the worker
// itself runs in a container.
type MountMode struct {
	Environment types.Environment
	Volume      string
	Volumes     runtime.SubpathResolver
}

// HostMode returns the bind-mount strategy
func HostMode() MountMode {
	return MountMode{Environment: types.EnvironmentHost}
}

// ContainerMode returns the volume-subpath strategy over volume
func ContainerMode(volume string, volumes runtime.SubpathResolver) MountMode {
	return MountMode{Environment: types.EnvironmentContainer, Volume: volume, Volumes: volumes}
}

func (m MountMode) containerized() bool {
	return m.Environment == types.EnvironmentContainer
}

// jobMounts maps the job's input and output directories onto the container
// paths declared by the processor
func (m MountMode) jobMounts(l Layout, conf types.ProcessorConfiguration) []types.Mount {
	if m.containerized() {
		return []types.Mount{
			types.VolumeSubpathMount(m.Volume, l.VolumeInputDir, conf.DatasetInputValue),
			types.VolumeSubpathMount(m.Volume, l.VolumeOutputDir, conf.DatasetOutputValue),
		}
	}
	return []types.Mount{
		types.BindMount(l.InputDir, conf.DatasetInputValue),
		types.BindMount(l.OutputDir, conf.DatasetOutputValue),
	}
}

// logPath returns the container log location as containerd sees it
func (m MountMode) logPath(l Layout) (string, error) {
	if !m.containerized() {
		return l.LogPath(), nil
	}
	if m.Volumes == nil {
		return "", fault.New(fault.KindFatal, "processing/NO_VOLUMES", "Containerized mode requires a volume resolver.")
	}
	return m.Volumes.ResolveSubpath(m.Volume, path.Join(l.VolumeWorkingDir, containerLog))
}
