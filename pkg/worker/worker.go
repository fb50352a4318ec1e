package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/channel"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/processing"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/sysinfo"
	"github.com/cuemby/burrow/pkg/volume"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

// Worker wires the session, the Control API, the control channel and the
// job engine together
type Worker struct {
	cfg     *config.Config
	version string
	logger  zerolog.Logger

	store     storage.RecordStore
	host      *sysinfo.Host
	volumes   *volume.VolumeManager
	session   *session.Manager
	runtime   *runtime.ContainerdRuntime
	broker    *events.Broker
	engine    *processing.Engine
	channel   *channel.Client
	forwarder *forwarder
	monitor   *HealthMonitor
	collector *metrics.Collector
	server    *metrics.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a worker from a validated configuration
func NewWorker(cfg *config.Config, version string) *Worker {
	return &Worker{
		cfg:     cfg,
		version: version,
		logger:  log.WithComponent("worker"),
	}
}

// Start runs the startup sequence. Any error is fatal to the process; the
// caller should still call Stop to release what was opened.
func (w *Worker) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	cfg := w.cfg
	metrics.SetVersion(w.version)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fault.Wrap(fault.KindFatal, "worker/DATA_DIR", err, fmt.Sprintf("Failed to create %s.", cfg.DataDir))
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentStorage, false, err.Error())
		return fault.Wrap(fault.KindFatal, "worker/STORAGE", err, "Failed to open record store.")
	}
	w.store = store
	metrics.RegisterComponent(metrics.ComponentStorage, true, "")

	w.host = sysinfo.NewHost(cfg.DataDir)
	mode, err := w.selectMode()
	if err != nil {
		return err
	}
	w.logger.Info().Str("mode", string(mode.Environment)).Str("data_dir", cfg.DataDir).Msg("Starting worker")

	// Session
	policy := cfg.Retry.Policy()
	apiOpts := api.Options{BaseURL: cfg.APIURL, UserAgent: "burrow/" + w.version}
	w.session, err = session.NewManager(store, api.NewAuthClient(apiOpts), w.host, session.Config{
		Name:              cfg.Name,
		RegistrationToken: cfg.RegistrationToken,
		Retry:             policy,
	})
	if err != nil {
		return err
	}
	metrics.RegisterComponent(metrics.ComponentSession, false, "initializing")
	if err := w.session.Init(ctx); err != nil {
		return fault.Wrap(fault.KindFatal, "worker/SESSION", err, "Failed to initialize session.")
	}
	workerID := w.session.Snapshot().WorkerID
	metrics.SetWorkerID(workerID)
	log.SetWorkerID(workerID)

	// Container engine
	var resolver runtime.SubpathResolver
	if w.volumes != nil {
		resolver = w.volumes
	}
	w.runtime, err = runtime.NewContainerdRuntime(cfg.ContainerdSocket, cfg.ContainerdNamespace, resolver)
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentContainerd, false, err.Error())
		return err
	}
	version, err := w.runtime.CheckVersion(ctx, runtime.MinimumVersion)
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentContainerd, false, fault.Message(err))
		return err
	}
	metrics.RegisterComponent(metrics.ComponentContainerd, true, version)
	w.logger.Info().Str("containerd", version).Msg("Container engine ready")

	// Job engine
	w.broker = events.NewBroker()
	w.broker.Start()

	client := api.NewClient(apiOpts, w.session, policy, nil)
	w.engine = processing.NewEngine(processing.Config{
		DataDir:       cfg.DataDir,
		Version:       w.version,
		HelperImage:   cfg.HelperImage,
		PollInterval:  cfg.PollInterval,
		DispatchWait:  cfg.DispatchWait,
		StatusRefresh: cfg.StatusRefresh,
		HelperTTL:     cfg.HelperTTL,
		ReapInterval:  cfg.ReapInterval,
		LogTailLines:  cfg.LogTailLines,
		Retry:         policy,
		Mode:          mode,
		Telemetry:     w.host.Telemetry,
	}, store, w.runtime, client, api.NewTransfer(nil), w.broker)
	metrics.RegisterComponent(metrics.ComponentEngine, true, "")

	// Control channel
	w.channel, err = channel.New(channel.Options{
		Addr:     cfg.ChannelAddr,
		Insecure: cfg.ChannelInsecure,
	}, w.session, &dispatcher{ctx: ctx, engine: w.engine, logger: w.logger})
	if err != nil {
		return fault.Wrap(fault.KindFatal, "worker/CHANNEL", err, "Failed to create control channel.")
	}
	w.forwarder = newForwarder(w.broker, w.channel)
	w.forwarder.Start()

	metrics.RegisterComponent(metrics.ComponentChannel, false, "connecting")
	if err := w.channel.Connect(ctx); err != nil {
		return err
	}

	// Background loops
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.engine.Run(ctx)
	}()

	w.monitor = NewHealthMonitor(w.runtime, store, 30*time.Second)
	w.monitor.Start()

	w.collector = metrics.NewCollector(source{engine: w.engine, channel: w.channel}, 15*time.Second)
	w.collector.Start()

	if cfg.MetricsAddr != "" {
		w.server = metrics.NewServer(cfg.MetricsAddr)
		errCh := w.server.Start()
		go func() {
			if err := <-errCh; err != nil {
				w.logger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("Metrics server failed")
			}
		}()
		w.logger.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics and health endpoints")
	}

	w.logger.Info().Str("worker_id", w.session.Snapshot().WorkerID).Msg("Worker started")
	return nil
}

// Stop shuts the worker down. In-flight containers keep running and are
// picked up again by the next start.
func (w *Worker) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}

	var errs []error
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, w.server.Shutdown(ctx))
		cancel()
	}
	if w.collector != nil {
		w.collector.Stop()
	}
	if w.monitor != nil {
		w.monitor.Stop()
	}
	if w.channel != nil {
		errs = append(errs, w.channel.Close())
	}
	if w.forwarder != nil {
		w.forwarder.Stop()
	}

	// The engine finishes its current cycle before the store closes.
	w.wg.Wait()

	if w.broker != nil {
		w.broker.Stop()
	}
	if w.runtime != nil {
		errs = append(errs, w.runtime.Close())
	}
	if w.store != nil {
		errs = append(errs, w.store.Close())
	}

	w.logger.Info().Msg("Worker stopped")
	return errors.Join(errs...)
}

// Run starts the worker and blocks until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		if stopErr := w.Stop(); stopErr != nil {
			w.logger.Warn().Err(stopErr).Msg("Cleanup after failed start")
		}
		return err
	}

	<-ctx.Done()
	w.logger.Info().Msg("Shutting down")
	return w.Stop()
}

// dispatcher routes inbound channel events to the engine
type dispatcher struct {
	ctx    context.Context
	engine *processing.Engine
	logger zerolog.Logger
}

func (d *dispatcher) OnWork(id string) {
	err := d.engine.Dispatch(d.ctx, id)
	if err != nil && d.ctx.Err() == nil && !errors.Is(err, processing.ErrDispatchDropped) {
		d.logger.Warn().Str("processing_id", id).Str("error", fault.Message(err)).Msg("Dispatch rejected")
	}
}

func (d *dispatcher) OnGetStatus() {
	d.engine.ReportStatus()
}

func (d *dispatcher) OnConnected() {
	d.engine.ReportStatus()
}

// source feeds the metrics collector
type source struct {
	engine  *processing.Engine
	channel *channel.Client
}

func (s source) TrackedJobs() int       { return s.engine.TrackedJobs() }
func (s source) ChannelConnected() bool { return s.channel.Connected() }
