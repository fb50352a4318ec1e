package types

import (
	"time"
)

// Session is the persisted worker identity plus its rotating credentials.
// Empty strings stand for absent values.
type Session struct {
	RegistrationToken string `json:"registration_token,omitempty" yaml:"registration_token,omitempty"`

	InternalID string `json:"internal_id,omitempty" yaml:"internal_id,omitempty"`
	Signature  string `json:"signature,omitempty" yaml:"signature,omitempty"`

	WorkerID string `json:"worker_id,omitempty" yaml:"worker_id,omitempty"`

	RefreshToken          string `json:"refresh_token,omitempty" yaml:"refresh_token,omitempty"`
	RefreshTokenExpiresAt string `json:"refresh_token_expires_at,omitempty" yaml:"refresh_token_expires_at,omitempty"`

	AccessToken          string `json:"access_token,omitempty" yaml:"access_token,omitempty"`
	AccessTokenExpiresAt string `json:"access_token_expires_at,omitempty" yaml:"access_token_expires_at,omitempty"`
}

// Redacted returns a copy safe to print, with every token masked.
func (s Session) Redacted() Session {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "********"
	}
	s.RegistrationToken = mask(s.RegistrationToken)
	s.RefreshToken = mask(s.RefreshToken)
	s.AccessToken = mask(s.AccessToken)
	return s
}

// RegisterRequest is the body of POST /worker/register
type RegisterRequest struct {
	Name              string     `json:"name"`
	RegistrationToken string     `json:"registration_token"`
	InternalID        string     `json:"internal_id"`
	Signature         string     `json:"signature"`
	SystemInfo        SystemInfo `json:"system_info"`
}

// Credentials is the body of the token renewal endpoints
type Credentials struct {
	Name              string     `json:"name"`
	SystemInfo        SystemInfo `json:"system_info"`
	RegistrationToken string     `json:"registration_token"`
	InternalID        string     `json:"internal_id"`
	Signature         string     `json:"signature"`
	WorkerID          string     `json:"worker_id"`
	RefreshToken      string     `json:"refresh_token"`
}

// RefreshGrant is returned by registration and refresh-token rotation
type RefreshGrant struct {
	ID                    string `json:"id"`
	RefreshToken          string `json:"refresh_token"`
	RefreshTokenExpiresAt string `json:"refresh_token_expires_at"`
}

// AccessGrant is returned by access-token issuance
type AccessGrant struct {
	AccessToken          string `json:"access_token"`
	AccessTokenExpiresAt string `json:"access_token_expires_at"`
}

// ProcessingStatus is the lifecycle state of a job
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "PENDING"
	ProcessingRunning   ProcessingStatus = "RUNNING"
	ProcessingSucceeded ProcessingStatus = "SUCCEEDED"
	ProcessingFailed    ProcessingStatus = "FAILED"
	ProcessingCancelled ProcessingStatus = "CANCELLED"
)

// Terminal reports whether no further transition is expected
func (s ProcessingStatus) Terminal() bool {
	switch s {
	case ProcessingSucceeded, ProcessingFailed, ProcessingCancelled:
		return true
	}
	return false
}

// OutputKind names one of the two artifact bundles a job produces
type OutputKind string

const (
	OutputResult  OutputKind = "result_file"
	OutputMetrics OutputKind = "metrics_file"
)

// OutputKinds lists the bundle kinds in upload order
var OutputKinds = []OutputKind{OutputResult, OutputMetrics}

// Processing is the job descriptor served by the Control API
type Processing struct {
	ID            string           `json:"id"`
	Status        ProcessingStatus `json:"status,omitempty"`
	Processor     Processor        `json:"processor"`
	Dataset       Dataset          `json:"dataset"`
	Configuration []Param          `json:"configuration"`
	ResultFile    *OutputFile      `json:"result_file,omitempty"`
	MetricsFile   *OutputFile      `json:"metrics_file,omitempty"`
}

// Output returns the descriptor's file entry for kind, if any
func (p *Processing) Output(kind OutputKind) *OutputFile {
	switch kind {
	case OutputResult:
		return p.ResultFile
	case OutputMetrics:
		return p.MetricsFile
	}
	return nil
}

// Processor describes the container image that executes a job
type Processor struct {
	ID            string                 `json:"id,omitempty"`
	Name          string                 `json:"name,omitempty"`
	Version       string                 `json:"version,omitempty"`
	ImageTag      string                 `json:"image_tag"`
	Configuration ProcessorConfiguration `json:"configuration"`
}

// ProcessorConfiguration names the command and its dataset arguments
type ProcessorConfiguration struct {
	Command                       string   `json:"command"`
	DatasetInputArgument          string   `json:"dataset_input_argument"`
	DatasetInputValue             string   `json:"dataset_input_value"`
	DatasetOutputArgument         string   `json:"dataset_output_argument"`
	DatasetOutputValue            string   `json:"dataset_output_value"`
	OutputResultFileGlobPatterns  []string `json:"output_result_file_glob_patterns"`
	OutputMetricsFileGlobPatterns []string `json:"output_metrics_file_glob_patterns"`
}

// Patterns returns the glob patterns selecting files for kind
func (c ProcessorConfiguration) Patterns(kind OutputKind) []string {
	if kind == OutputMetrics {
		return c.OutputMetricsFileGlobPatterns
	}
	return c.OutputResultFileGlobPatterns
}

// Dataset is the job input
type Dataset struct {
	ID   string      `json:"id,omitempty"`
	Name string      `json:"name,omitempty"`
	File DatasetFile `json:"file"`
}

// DatasetFile carries the time-boxed download location of a dataset
type DatasetFile struct {
	Filename           string `json:"filename"`
	MimeType           string `json:"mime_type,omitempty"`
	Size               int64  `json:"size,omitempty"`
	MD5Hash            string `json:"md5_hash,omitempty"`
	PublicURL          string `json:"public_url,omitempty"`
	PublicURLExpiresAt string `json:"public_url_expires_at,omitempty"`
	// AllowPublicAccess nil means the server did not restrict access.
	AllowPublicAccess *bool `json:"allow_public_access,omitempty"`
}

// Param is one extra `--key value` command argument
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// OutputFile is an artifact slot on the job descriptor
type OutputFile struct {
	Filename  string `json:"filename,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
	MD5Hash   string `json:"md5_hash,omitempty"`
	UploadURL string `json:"upload_url,omitempty"`
}

// FileData describes an archive about to be uploaded
type FileData struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	MD5Hash  string `json:"md5_hash"`
}

// CurrentLayoutVersion is the on-disk layout written by this build
const CurrentLayoutVersion = 1

// JobRecord is the persisted state of a tracked job
type JobRecord struct {
	LayoutVersion  int                   `json:"layout_version" yaml:"layout_version"`
	Data           *Processing           `json:"data,omitempty" yaml:"-"`
	ContainerID    string                `json:"container_id,omitempty" yaml:"container_id,omitempty"`
	InternalStatus ProcessingStatus      `json:"internal_status,omitempty" yaml:"internal_status,omitempty"`
	WorkingDir     string                `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	InputDir       string                `json:"input_dir,omitempty" yaml:"input_dir,omitempty"`
	OutputDir      string                `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	VolumeInputDir string                `json:"volume_input_dir,omitempty" yaml:"volume_input_dir,omitempty"`
	VolumeOutput   string                `json:"volume_output_dir,omitempty" yaml:"volume_output_dir,omitempty"`
	UploadURLs     map[OutputKind]string `json:"upload_urls,omitempty" yaml:"-"`
	StartedAt      *time.Time            `json:"started_at,omitempty" yaml:"started_at,omitempty"`
}

// Environment is where the worker process itself runs
type Environment string

const (
	EnvironmentHost      Environment = "host"
	EnvironmentContainer Environment = "container"
)

// MountType selects how a job directory reaches the container
type MountType string

const (
	MountBind          MountType = "bind"
	MountVolumeSubpath MountType = "volume"
)

// Mount is either a bind of a host path or a subpath of a named volume
type Mount struct {
	Type    MountType
	Source  string // Host path for binds, volume name otherwise
	Subpath string // Only for volume mounts
	Target  string
}

// BindMount binds a host directory into the container
func BindMount(hostPath, target string) Mount {
	return Mount{Type: MountBind, Source: hostPath, Target: target}
}

// VolumeSubpathMount mounts a subdirectory of a named volume
func VolumeSubpathMount(volume, subpath, target string) Mount {
	return Mount{Type: MountVolumeSubpath, Source: volume, Subpath: subpath, Target: target}
}

// Volume is a named shared volume
type Volume struct {
	Name      string            `json:"name"`
	Driver    string            `json:"driver"`
	MountPath string            `json:"mount_path,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// WorkerState is the coarse activity flag sent with status events
type WorkerState string

const (
	WorkerIdle WorkerState = "IDLE"
	WorkerWork WorkerState = "WORK"
)

// WorkerStatus is the payload of a status event
type WorkerStatus struct {
	Status        WorkerState `json:"status"`
	Version       string      `json:"version"`
	ProcessingIDs []string    `json:"processing_ids"`
	Telemetry     *Telemetry  `json:"telemetry,omitempty"`
}

// SystemInfo holds the static host attributes used for identity
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	Kernel       string `json:"kernel,omitempty"`
	Distribution string `json:"distribution,omitempty"`
	CPUModel     string `json:"cpu_model,omitempty"`
	CPUCores     int    `json:"cpu_cores"`
	MemoryBytes  uint64 `json:"memory_bytes"`
	MachineID    string `json:"machine_id,omitempty"`
	Environment  string `json:"environment"`
}

// Telemetry is a snapshot of dynamic host load
type Telemetry struct {
	LoadAverage   [3]float64 `json:"load_average"`
	MemoryTotal   uint64     `json:"memory_total"`
	MemoryFree    uint64     `json:"memory_free"`
	DiskTotal     uint64     `json:"disk_total"`
	DiskFree      uint64     `json:"disk_free"`
	UptimeSeconds float64    `json:"uptime_seconds"`
	Goroutines    int        `json:"goroutines"`
	CollectedAt   time.Time  `json:"collected_at"`
}
