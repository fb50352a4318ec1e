package sysinfo

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Host reads host attributes. Root is prepended to every absolute path
// it inspects; tests point it at a fixture tree.
type Host struct {
	Root    string
	DataDir string
}

// NewHost returns a reader of the real host. dataDir is the directory whose
// filesystem is reported in telemetry.
func NewHost(dataDir string) *Host {
	return &Host{Root: "/", DataDir: dataDir}
}

func (p *Host) path(name string) string {
	return filepath.Join(p.Root, name)
}

// Environment reports whether the worker itself runs inside a container
func (p *Host) Environment() types.Environment {
	for _, marker := range []string{"/.dockerenv", "/run/.containerenv"} {
		if _, err := os.Stat(p.path(marker)); err == nil {
			return types.EnvironmentContainer
		}
	}
	return types.EnvironmentHost
}

// Static collects the attributes that identify this machine. The result is
// stable across restarts and feeds the session signature.
func (p *Host) Static() types.SystemInfo {
	info := types.SystemInfo{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		CPUCores:    runtime.NumCPU(),
		Environment: string(p.Environment()),
	}

	info.Hostname, _ = os.Hostname()
	info.MachineID = p.readTrimmed("/etc/machine-id")
	info.Distribution = p.distribution()

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		info.Kernel = unix.ByteSliceToString(uts.Release[:])
	}

	if fs, err := procfs.NewFS(p.path("/proc")); err == nil {
		if cpus, err := fs.CPUInfo(); err == nil && len(cpus) > 0 {
			info.CPUModel = cpus[0].ModelName
		}
		if mem, err := fs.Meminfo(); err == nil && mem.MemTotal != nil {
			info.MemoryBytes = *mem.MemTotal * 1024
		}
	}

	return info
}

// Telemetry samples current load. Fields that cannot be read stay zero.
func (p *Host) Telemetry() *types.Telemetry {
	t := &types.Telemetry{
		Goroutines:  runtime.NumGoroutine(),
		CollectedAt: time.Now().UTC(),
	}

	if fs, err := procfs.NewFS(p.path("/proc")); err == nil {
		if load, err := fs.LoadAvg(); err == nil {
			t.LoadAverage = [3]float64{load.Load1, load.Load5, load.Load15}
		}
		if mem, err := fs.Meminfo(); err == nil {
			if mem.MemTotal != nil {
				t.MemoryTotal = *mem.MemTotal * 1024
			}
			if mem.MemAvailable != nil {
				t.MemoryFree = *mem.MemAvailable * 1024
			} else if mem.MemFree != nil {
				t.MemoryFree = *mem.MemFree * 1024
			}
		}
		if stat, err := fs.Stat(); err == nil && stat.BootTime > 0 {
			t.UptimeSeconds = time.Since(time.Unix(int64(stat.BootTime), 0)).Seconds()
		}
	}

	if p.DataDir != "" {
		var st unix.Statfs_t
		if err := unix.Statfs(p.DataDir, &st); err == nil {
			t.DiskTotal = st.Blocks * uint64(st.Bsize)
			t.DiskFree = st.Bavail * uint64(st.Bsize)
		}
	}

	return t
}

func (p *Host) readTrimmed(name string) string {
	data, err := os.ReadFile(p.path(name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// distribution returns PRETTY_NAME from os-release
func (p *Host) distribution() string {
	data, err := os.ReadFile(p.path("/etc/os-release"))
	if err != nil {
		return ""
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if ok && key == "PRETTY_NAME" {
			return strings.Trim(value, `"'`)
		}
	}
	return ""
}
