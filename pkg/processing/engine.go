package processing

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/retry"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// ErrDispatchDropped is returned when a dispatch could not enter the cycle
// before the dispatch wait elapsed
var ErrDispatchDropped = errors.New("dispatch dropped: another cycle is still running")

// Runtime is the container engine the job engine drives
type Runtime interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (runtime.ContainerState, error)
	WaitContainer(ctx context.Context, id string) (uint32, error)
	CopyLogs(ctx context.Context, id string, w io.Writer) error
	TailLogs(ctx context.Context, id string, n int) (string, error)
	RemoveContainer(ctx context.Context, id string) error
	ListContainers(ctx context.Context, filters ...string) ([]runtime.ContainerInfo, error)
}

// ControlAPI is the job side of the Control API. Implementations retry
// on their own.
type ControlAPI interface {
	GetProcessing(ctx context.Context, id string) (*types.Processing, error)
	ReportProgress(ctx context.Context, id string) error
	GenerateUpload(ctx context.Context, id string, kind types.OutputKind, file types.FileData) (string, error)
	ConfirmUpload(ctx context.Context, id string, kind types.OutputKind) error
	ReportSuccess(ctx context.Context, id string) error
	ReportFailure(ctx context.Context, id, reason string) error
}

// Transfers moves files to and from pre-signed URLs in a single attempt
type Transfers interface {
	Download(ctx context.Context, url, dst string) (int64, error)
	Upload(ctx context.Context, url, src, contentType string) error
}

// Publisher receives lifecycle and status events
type Publisher interface {
	Publish(event *events.Event)
}

// Config tunes the engine
type Config struct {
	DataDir       string
	Version       string
	HelperImage   string
	PollInterval  time.Duration
	DispatchWait  time.Duration
	StatusRefresh time.Duration
	HelperTTL     time.Duration
	ReapInterval  time.Duration
	LogTailLines  int
	Retry         retry.Policy
	Mode          MountMode
	// Telemetry is attached to status events when set.
	Telemetry func() *types.Telemetry
	Now       func() time.Time
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.DispatchWait <= 0 {
		c.DispatchWait = 15 * time.Second
	}
	if c.StatusRefresh <= 0 {
		c.StatusRefresh = time.Minute
	}
	if c.HelperTTL <= 0 {
		c.HelperTTL = 5 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.LogTailLines <= 0 {
		c.LogTailLines = 10
	}
	if c.HelperImage == "" {
		c.HelperImage = "docker.io/library/busybox:1.36"
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.Default()
	}
	if c.Mode.Environment == "" {
		c.Mode = HostMode()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type statusKey struct {
	state types.WorkerState
	count int
}

// Engine runs dispatched jobs to completion. A single-slot semaphore makes
// dispatch and poll cycles mutually exclusive, so at most one cycle touches
// the container engine at a time.
type Engine struct {
	cfg       Config
	store     storage.RecordStore
	rt        Runtime
	api       ControlAPI
	transfers Transfers
	events    Publisher
	logger    zerolog.Logger

	cycle chan struct{}

	statusMu   sync.Mutex
	lastStatus *statusKey
}

// NewEngine creates a job engine
func NewEngine(cfg Config, store storage.RecordStore, rt Runtime, api ControlAPI, transfers Transfers, publisher Publisher) *Engine {
	cfg.setDefaults()
	return &Engine{
		cfg:       cfg,
		store:     store,
		rt:        rt,
		api:       api,
		transfers: transfers,
		events:    publisher,
		logger:    log.WithComponent("processing"),
		cycle:     make(chan struct{}, 1),
	}
}

// acquire enters the cycle, giving up after wait. A zero wait blocks until
// ctx is done.
func (e *Engine) acquire(ctx context.Context, wait time.Duration) bool {
	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case e.cycle <- struct{}{}:
		return true
	case <-timeout:
		return false
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) release() {
	<-e.cycle
}

// Dispatch starts job id unless it is already tracked. When another cycle
// holds the engine for longer than the dispatch wait, the dispatch is
// dropped and ErrDispatchDropped returned.
func (e *Engine) Dispatch(ctx context.Context, id string) error {
	logger := log.WithJobID(id)

	if !e.acquire(ctx, e.cfg.DispatchWait) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.DispatchDroppedTotal.Inc()
		logger.Warn().Dur("waited", e.cfg.DispatchWait).Msg("Dropping dispatch, engine busy")
		return ErrDispatchDropped
	}
	defer e.release()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CycleDuration, "dispatch")

	if err := validID(id); err != nil {
		logger.Warn().Str("error", err.Error()).Msg("Ignoring dispatch")
		return err
	}

	tracked, err := e.isTracked(id)
	if err != nil {
		return err
	}
	if tracked {
		logger.Info().Msg("Job already tracked, ignoring dispatch")
		return nil
	}

	logger.Info().Msg("Worker is about to process job")
	e.startProcessing(ctx, id)
	e.reportStatus(false)
	return nil
}

// Poll runs one reconciliation pass over every tracked job, sequentially
func (e *Engine) Poll(ctx context.Context) error {
	if !e.acquire(ctx, 0) {
		return ctx.Err()
	}
	defer e.release()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CycleDuration, "poll")

	ids, err := e.TrackedIDs()
	if err != nil {
		return err
	}

	if len(ids) > 0 {
		e.logger.Debug().Int("jobs", len(ids)).Msg("Reconciling tracked jobs")
	} else {
		e.logger.Debug().Msg("Idle, waiting for jobs")
	}
	e.publishStatus(ids, false)

	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.processExecution(ctx, id)
	}

	e.reportStatus(false)
	return nil
}

// Run drives the poll, status refresh and reaper schedules until ctx is
// done. The poll timer is re-armed only after a cycle settles.
func (e *Engine) Run(ctx context.Context) {
	poll := time.NewTimer(e.cfg.PollInterval)
	defer poll.Stop()
	refresh := time.NewTicker(e.cfg.StatusRefresh)
	defer refresh.Stop()
	reap := time.NewTicker(e.cfg.ReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if err := e.Poll(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error().Err(err).Msg("Reconciliation cycle failed")
			}
			poll.Reset(e.cfg.PollInterval)
		case <-refresh.C:
			e.reportStatus(true)
		case <-reap.C:
			e.ReapHelpers(ctx)
		}
	}
}

// TrackedIDs lists job ids that have a record, in namespace order
func (e *Engine) TrackedIDs() ([]string, error) {
	keys, err := e.store.List(JobsFolder + "/")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		parts := strings.Split(key, "/")
		if len(parts) != 3 || parts[1] != parts[2] || seen[parts[1]] {
			continue
		}
		seen[parts[1]] = true
		ids = append(ids, parts[1])
	}
	sort.Strings(ids)
	return ids, nil
}

// TrackedJobs returns the number of tracked jobs, or 0 when the store
// cannot be read
func (e *Engine) TrackedJobs() int {
	ids, err := e.TrackedIDs()
	if err != nil {
		return 0
	}
	return len(ids)
}

func (e *Engine) isTracked(id string) (bool, error) {
	var rec types.JobRecord
	return e.store.Get(RecordNamespace(id), &rec)
}

// ReportStatus publishes the current status unconditionally
func (e *Engine) ReportStatus() {
	e.reportStatus(true)
}

func (e *Engine) reportStatus(force bool) {
	ids, err := e.TrackedIDs()
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to list tracked jobs for status")
		return
	}
	e.publishStatus(ids, force)
}

// publishStatus emits a status event when forced or when the state or the
// number of tracked jobs changed since the last one
func (e *Engine) publishStatus(ids []string, force bool) {
	key := statusKey{state: types.WorkerIdle, count: len(ids)}
	if len(ids) > 0 {
		key.state = types.WorkerWork
	}

	e.statusMu.Lock()
	changed := e.lastStatus == nil || *e.lastStatus != key
	if !force && !changed {
		e.statusMu.Unlock()
		return
	}
	e.lastStatus = &key
	e.statusMu.Unlock()

	status := types.WorkerStatus{
		Status:        key.state,
		Version:       e.cfg.Version,
		ProcessingIDs: append([]string{}, ids...),
	}
	if e.cfg.Telemetry != nil {
		status.Telemetry = e.cfg.Telemetry()
	}

	metrics.JobsTracked.Set(float64(len(ids)))
	e.events.Publish(&events.Event{
		Type:    events.EventStatusChanged,
		Message: string(key.state),
		Payload: status,
	})
}
