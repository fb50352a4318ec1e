/*
Package volume manages the named volumes a containerized worker shares with
the containers it starts.

When the worker itself runs inside a container, job working directories
live on a shared named volume rather than on the host filesystem. Job
containers then mount a subpath of that volume, and this package resolves
such a volume subpath into the host directory that containerd bind mounts.

A VolumeManager routes operations to drivers. The only driver is
LocalDriver, which keeps each volume as a directory under a base path
(default /var/lib/burrow/volumes):

	/var/lib/burrow/volumes/
	└── burrow_worker_data/
	    └── processing/<id>/shared/{inputs,outputs}

Subpaths are validated to stay inside their volume. At startup the worker
inspects the configured shared volume and refuses to start in container
mode when it does not exist.
*/
package volume
