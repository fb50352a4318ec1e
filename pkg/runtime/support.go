package runtime

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// toSpecMounts turns mount strategies into OCI bind mounts
func toSpecMounts(mounts []types.Mount, volumes SubpathResolver) ([]specs.Mount, error) {
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		source := m.Source
		switch m.Type {
		case types.MountBind:
		case types.MountVolumeSubpath:
			if volumes == nil {
				return nil, fault.New(fault.KindFatal, "runtime/NO_VOLUMES", "Volume mounts are not available in host mode.")
			}
			resolved, err := volumes.ResolveSubpath(m.Source, m.Subpath)
			if err != nil {
				return nil, err
			}
			source = resolved
		default:
			return nil, fault.Newf(fault.KindValidation, "runtime/INVALID_MOUNT", "Unknown mount type %q.", m.Type)
		}

		out = append(out, specs.Mount{
			Source:      source,
			Destination: m.Target,
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		})
	}
	return out, nil
}

// parseVersion accepts daemon versions such as "v1.7.24", "1.6.33~ds1" or
// "2.0" and returns the numeric part
func parseVersion(raw string) (*semver.Version, error) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "v")
	if i := strings.IndexFunc(s, func(r rune) bool { return (r < '0' || r > '9') && r != '.' }); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, ".")

	parts := strings.Split(s, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return semver.NewVersion(strings.Join(parts[:3], "."))
}

func checkVersion(actual, minimum string) error {
	v, err := parseVersion(actual)
	if err != nil {
		return fault.Wrap(fault.KindFatal, "runtime/UNSUPPORTED_VERSION", err, fmt.Sprintf("Unrecognised containerd version %q.", actual))
	}
	min, err := semver.NewVersion(minimum)
	if err != nil {
		return fmt.Errorf("invalid minimum version %q: %w", minimum, err)
	}
	if v.LessThan(*min) {
		return fault.Newf(fault.KindFatal, "runtime/UNSUPPORTED_VERSION", "containerd %s is older than the required %s.", actual, minimum)
	}
	return nil
}

const tailChunk = 4096

// tailFile returns the last n lines of a file, reading backwards in chunks
func tailFile(path string, n int) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open logs: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if n <= 0 {
		return "", nil
	}

	var buf []byte
	offset := info.Size()
	for offset > 0 && bytes.Count(bytes.TrimRight(buf, "\n"), []byte{'\n'}) < n {
		size := int64(tailChunk)
		if offset < size {
			size = offset
		}
		offset -= size

		chunk := make([]byte, size)
		if _, err := f.ReadAt(chunk, offset); err != nil && err != io.EOF {
			return "", err
		}
		buf = append(chunk, buf...)
	}

	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}
