/*
Package runtime is the worker's container engine client, built on containerd.

ContainerdRuntime wraps containerd's client API with the operations the job
engine needs: image presence checks and pulls, container creation with a
command vector and mounts, start, inspection of the running flag and exit
code, log capture, forced removal, and label-filtered listing. All calls run
inside a dedicated containerd namespace (default "burrow").

# Containers

Containers are created without a TTY. When a container starts, its task is
attached to cio.LogFile so that stdout and stderr land in a file chosen by
the caller. The path is stored as a container label, which lets CopyLogs and
TailLogs find the output again after a worker restart. In containerized mode
the shim and the worker see the same file under different paths, so the
spec carries both LogPath and LogViewPath.

Mounts arrive as types.Mount values. Bind mounts pass through unchanged.
Volume subpath mounts are resolved to a host directory by a SubpathResolver
(normally volume.VolumeManager) and become bind mounts too.

# Lifecycle

	CreateContainer ──▶ StartContainer ──▶ InspectContainer ... ──▶ RemoveContainer
	                         │                                          ▲
	                         └── start failed ──────────────────────────┘

RemoveContainer kills a live task, deletes it, then deletes the container
along with its snapshot. Missing containers are ignored so that cleanup can
be repeated safely.

# Versions

CheckVersion queries the daemon and refuses anything older than
MinimumVersion. Distribution suffixes such as "~ds1" or "-0ubuntu1" are
ignored when comparing.
*/
package runtime
