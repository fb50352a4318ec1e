package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	refdocker "github.com/containerd/containerd/reference/docker"
	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultNamespace is the containerd namespace for burrow
	DefaultNamespace = "burrow"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// MinimumVersion is the oldest containerd release burrow supports
	MinimumVersion = "1.7.0"

	// LabelLogPath records where the shim writes a container's output
	LabelLogPath = "burrow.log-path"
	// LabelRole marks containers by purpose, e.g. permission helpers
	LabelRole = "burrow.role"
)

// ErrContainerNotFound is returned when a container does not exist
var ErrContainerNotFound = errors.New("container not found")

// ContainerSpec describes a container to create
type ContainerSpec struct {
	Name   string
	Image  string
	Args   []string
	Mounts []types.Mount
	Labels map[string]string
	// LogPath is where the shim writes stdout and stderr, as seen by containerd.
	LogPath string
	// LogViewPath is the same file as seen by this process. Defaults to LogPath.
	LogViewPath string
}

// ContainerState is the inspected state of a container
type ContainerState struct {
	ID       string
	Running  bool
	Started  bool
	ExitCode uint32
}

// ContainerInfo is a listed container
type ContainerInfo struct {
	ID        string
	Image     string
	Labels    map[string]string
	CreatedAt time.Time
}

// SubpathResolver maps a volume subpath to a host directory
type SubpathResolver interface {
	ResolveSubpath(volume, subpath string) (string, error)
}

// ContainerdRuntime implements container runtime using containerd
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	volumes   SubpathResolver
	logger    zerolog.Logger
}

// NewContainerdRuntime creates a new containerd runtime client. volumes may
// be nil when only bind mounts are used.
func NewContainerdRuntime(socketPath, namespace string, volumes SubpathResolver) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fault.Wrap(fault.KindFatal, "runtime/CONNECT", err, "Failed to connect to containerd.")
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
		volumes:   volumes,
		logger:    log.WithComponent("runtime"),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// CheckVersion fails with a fatal error when the daemon is older than minimum
func (r *ContainerdRuntime) CheckVersion(ctx context.Context, minimum string) (string, error) {
	v, err := r.client.Version(r.ctx(ctx))
	if err != nil {
		return "", fault.Wrap(fault.KindFatal, "runtime/VERSION", err, "Failed to query containerd version.")
	}
	if err := checkVersion(v.Version, minimum); err != nil {
		return v.Version, err
	}
	return v.Version, nil
}

// ImageExists reports whether ref is present locally
func (r *ContainerdRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	name, err := normalizeRef(ref)
	if err != nil {
		return false, err
	}

	_, err = r.client.GetImage(r.ctx(ctx), name)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get image %s: %w", name, err)
	}
	return true, nil
}

// PullImage pulls and unpacks a container image
func (r *ContainerdRuntime) PullImage(ctx context.Context, ref string) error {
	name, err := normalizeRef(ref)
	if err != nil {
		return err
	}

	start := time.Now()
	if _, err := r.client.Pull(r.ctx(ctx), name, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", name, err)
	}
	r.logger.Info().Str("image", name).Dur("elapsed", time.Since(start)).Msg("Image pulled")
	return nil
}

// CreateContainer creates a container without a TTY. Its output is sent to
// spec.LogPath once started.
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx = r.ctx(ctx)

	name, err := normalizeRef(spec.Image)
	if err != nil {
		return "", err
	}
	image, err := r.client.GetImage(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", name, err)
	}

	mounts, err := toSpecMounts(spec.Mounts, r.volumes)
	if err != nil {
		return "", err
	}

	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	view := spec.LogViewPath
	if view == "" {
		view = spec.LogPath
	}
	labels[LabelLogPath] = spec.LogPath
	labels[LabelLogPath+".view"] = view

	container, err := r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfigArgs(image, spec.Args),
			oci.WithMounts(mounts),
		),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return container.ID(), nil
}

// StartContainer starts a created container
func (r *ContainerdRuntime) StartContainer(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)

	container, err := r.load(ctx, containerID)
	if err != nil {
		return err
	}
	labels, err := container.Labels(ctx)
	if err != nil {
		return fmt.Errorf("failed to read labels of %s: %w", containerID, err)
	}

	creator := cio.NullIO
	if path := labels[LabelLogPath]; path != "" {
		creator = cio.LogFile(path)
	}

	task, err := container.NewTask(ctx, creator)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

// InspectContainer returns whether a container runs and how it exited
func (r *ContainerdRuntime) InspectContainer(ctx context.Context, containerID string) (ContainerState, error) {
	ctx = r.ctx(ctx)
	state := ContainerState{ID: containerID}

	container, err := r.load(ctx, containerID)
	if err != nil {
		return state, err
	}

	task, err := container.Task(ctx, nil)
	if errdefs.IsNotFound(err) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("failed to get task: %w", err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return state, fmt.Errorf("failed to get task status: %w", err)
	}

	state.Started = true
	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		state.Running = true
	case containerd.Created:
		state.Started = false
	case containerd.Stopped:
		state.ExitCode = status.ExitStatus
	default:
		state.Running = true
	}
	return state, nil
}

// WaitContainer blocks until the container's task exits
func (r *ContainerdRuntime) WaitContainer(ctx context.Context, containerID string) (uint32, error) {
	ctx = r.ctx(ctx)

	container, err := r.load(ctx, containerID)
	if err != nil {
		return 0, err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get task: %w", err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case st := <-statusC:
		code, _, err := st.Result()
		return code, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// CopyLogs writes the full output of a container to w
func (r *ContainerdRuntime) CopyLogs(ctx context.Context, containerID string, w io.Writer) error {
	path, err := r.logViewPath(ctx, containerID)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open logs: %w", err)
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}

// TailLogs returns the last n lines a container wrote
func (r *ContainerdRuntime) TailLogs(ctx context.Context, containerID string, n int) (string, error) {
	path, err := r.logViewPath(ctx, containerID)
	if err != nil {
		return "", err
	}
	return tailFile(path, n)
}

func (r *ContainerdRuntime) logViewPath(ctx context.Context, containerID string) (string, error) {
	ctx = r.ctx(ctx)
	container, err := r.load(ctx, containerID)
	if err != nil {
		return "", err
	}
	labels, err := container.Labels(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read labels of %s: %w", containerID, err)
	}
	path := labels[LabelLogPath+".view"]
	if path == "" {
		return "", fmt.Errorf("container %s has no log file", containerID)
	}
	return path, nil
}

// RemoveContainer kills any running task and deletes the container and its
// snapshot. Missing containers are not an error.
func (r *ContainerdRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)

	container, err := r.load(ctx, containerID)
	if errors.Is(err, ErrContainerNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	task, err := container.Task(ctx, nil)
	if err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to get task: %w", err)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// ListContainers returns containers matching the containerd filters
func (r *ContainerdRuntime) ListContainers(ctx context.Context, filters ...string) ([]ContainerInfo, error) {
	ctx = r.ctx(ctx)

	containers, err := r.client.Containers(ctx, filters...)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		info, err := c.Info(ctx)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to inspect container %s: %w", c.ID(), err)
		}
		infos = append(infos, ContainerInfo{
			ID:        info.ID,
			Image:     info.Image,
			Labels:    info.Labels,
			CreatedAt: info.CreatedAt,
		})
	}
	return infos, nil
}

func (r *ContainerdRuntime) load(ctx context.Context, containerID string) (containerd.Container, error) {
	container, err := r.client.LoadContainer(ctx, containerID)
	if errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}
	return container, nil
}

// LabelFilter builds a containerd filter matching a label value
func LabelFilter(key, value string) string {
	return fmt.Sprintf("labels.%q==%s", key, value)
}

func normalizeRef(ref string) (string, error) {
	named, err := refdocker.ParseDockerRef(ref)
	if err != nil {
		return "", fault.Wrap(fault.KindJob, "runtime/INVALID_IMAGE", err, fmt.Sprintf("Invalid image reference %q.", ref))
	}
	return named.String(), nil
}
