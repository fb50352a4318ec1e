package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	// DefaultVolumesPath is the base directory for local volumes
	DefaultVolumesPath = "/var/lib/burrow/volumes"

	// LocalDriverName is the name of the built-in driver
	LocalDriverName = "local"
)

// VolumeDriver defines the interface for volume drivers
type VolumeDriver interface {
	// Create creates a volume, or returns the existing one
	Create(name string) (*types.Volume, error)

	// Inspect returns a volume or an error keyed volume/NOT_FOUND
	Inspect(name string) (*types.Volume, error)

	// List returns every volume known to the driver
	List() ([]types.Volume, error)

	// Delete removes a volume and its contents
	Delete(name string) error

	// GetPath returns the host path backing a volume
	GetPath(name string) string
}

// LocalDriver keeps each volume as a directory under a base path
type LocalDriver struct {
	basePath string
}

// NewLocalDriver creates a new local volume driver
func NewLocalDriver(basePath string) (*LocalDriver, error) {
	if basePath == "" {
		basePath = DefaultVolumesPath
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volumes directory: %w", err)
	}

	return &LocalDriver{basePath: basePath}, nil
}

// Create creates the volume directory
func (d *LocalDriver) Create(name string) (*types.Volume, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(d.GetPath(name), 0755); err != nil {
		return nil, fmt.Errorf("failed to create volume directory: %w", err)
	}
	return d.Inspect(name)
}

// Inspect describes an existing volume
func (d *LocalDriver) Inspect(name string) (*types.Volume, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	path := d.GetPath(name)
	info, err := os.Stat(path)
	if os.IsNotExist(err) || (err == nil && !info.IsDir()) {
		return nil, fault.Newf(fault.KindValidation, "volume/NOT_FOUND", "Volume %q does not exist.", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to inspect volume %s: %w", name, err)
	}

	return &types.Volume{
		Name:      name,
		Driver:    LocalDriverName,
		MountPath: path,
		CreatedAt: info.ModTime().UTC(),
	}, nil
}

// List returns the volumes under the base path sorted by name
func (d *LocalDriver) List() ([]types.Volume, error) {
	entries, err := os.ReadDir(d.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}

	volumes := make([]types.Volume, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := d.Inspect(e.Name())
		if err != nil {
			continue
		}
		volumes = append(volumes, *v)
	}

	sort.Slice(volumes, func(i, j int) bool { return volumes[i].Name < volumes[j].Name })
	return volumes, nil
}

// Delete removes a local volume directory
func (d *LocalDriver) Delete(name string) error {
	if err := validName(name); err != nil {
		return err
	}

	if err := os.RemoveAll(d.GetPath(name)); err != nil {
		return fmt.Errorf("failed to delete volume directory: %w", err)
	}
	return nil
}

// GetPath returns the host path for a volume
func (d *LocalDriver) GetPath(name string) string {
	return filepath.Join(d.basePath, name)
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fault.Newf(fault.KindValidation, "volume/INVALID_NAME", "Invalid volume name %q.", name)
	}
	return nil
}

// VolumeManager routes volume operations to drivers
type VolumeManager struct {
	drivers       map[string]VolumeDriver
	defaultDriver string
}

// NewVolumeManager creates a manager backed by a local driver rooted at basePath
func NewVolumeManager(basePath string) (*VolumeManager, error) {
	localDriver, err := NewLocalDriver(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create local driver: %w", err)
	}

	return &VolumeManager{
		drivers:       map[string]VolumeDriver{LocalDriverName: localDriver},
		defaultDriver: LocalDriverName,
	}, nil
}

// GetDriver returns the named driver, or the default one for ""
func (vm *VolumeManager) GetDriver(driverName string) (VolumeDriver, error) {
	if driverName == "" {
		driverName = vm.defaultDriver
	}
	driver, ok := vm.drivers[driverName]
	if !ok {
		return nil, fmt.Errorf("unknown volume driver: %s", driverName)
	}
	return driver, nil
}

// EnsureVolume creates a volume on the default driver if it is missing
func (vm *VolumeManager) EnsureVolume(name string) (*types.Volume, error) {
	driver, err := vm.GetDriver("")
	if err != nil {
		return nil, err
	}
	return driver.Create(name)
}

// InspectVolume returns a volume from the default driver
func (vm *VolumeManager) InspectVolume(name string) (*types.Volume, error) {
	driver, err := vm.GetDriver("")
	if err != nil {
		return nil, err
	}
	return driver.Inspect(name)
}

// ListVolumes lists volumes across all drivers
func (vm *VolumeManager) ListVolumes() ([]types.Volume, error) {
	var all []types.Volume
	for _, driver := range vm.drivers {
		vols, err := driver.List()
		if err != nil {
			return nil, err
		}
		all = append(all, vols...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

// DeleteVolume deletes a volume from the default driver
func (vm *VolumeManager) DeleteVolume(name string) error {
	driver, err := vm.GetDriver("")
	if err != nil {
		return err
	}
	return driver.Delete(name)
}

// ResolveSubpath returns the host path of subpath inside a volume. The
// subpath must stay within the volume.
func (vm *VolumeManager) ResolveSubpath(name, subpath string) (string, error) {
	v, err := vm.InspectVolume(name)
	if err != nil {
		return "", err
	}

	clean := filepath.Clean(strings.TrimPrefix(subpath, "/"))
	if clean != "." && !filepath.IsLocal(clean) {
		return "", fault.Newf(fault.KindValidation, "volume/INVALID_SUBPATH", "Subpath %q escapes volume %q.", subpath, name)
	}

	return filepath.Join(v.MountPath, clean), nil
}
