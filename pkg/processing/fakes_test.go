package processing

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/retry"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeContainer struct {
	spec      runtime.ContainerSpec
	started   bool
	running   bool
	exitCode  uint32
	createdAt time.Time
}

// fakeRuntime records every call and how many overlap
type fakeRuntime struct {
	mu         sync.Mutex
	images     map[string]bool
	pulls      map[string]int
	containers map[string]*fakeContainer
	created    []runtime.ContainerSpec
	ops        []string
	logs       string
	failStart  bool
	exitCode   uint32
	// onStart simulates what the job container writes into its mounts.
	onStart func(spec runtime.ContainerSpec)
	delay   time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		images:     map[string]bool{},
		pulls:      map[string]int{},
		containers: map[string]*fakeContainer{},
		logs:       "starting\nworking\ndone\n",
	}
}

func (f *fakeRuntime) enter(op string) func() {
	n := f.inflight.Add(1)
	for {
		max := f.maxInflight.Load()
		if n <= max || f.maxInflight.CompareAndSwap(max, n) {
			break
		}
	}
	f.mu.Lock()
	f.ops = append(f.ops, op)
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return func() { f.inflight.Add(-1) }
}

func (f *fakeRuntime) ImageExists(_ context.Context, ref string) (bool, error) {
	defer f.enter("image-exists:" + ref)()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *fakeRuntime) PullImage(_ context.Context, ref string) error {
	defer f.enter("pull:" + ref)()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls[ref]++
	f.images[ref] = true
	return nil
}

func (f *fakeRuntime) CreateContainer(_ context.Context, spec runtime.ContainerSpec) (string, error) {
	defer f.enter("create:" + spec.Name)()
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[spec.Name]; ok {
		return "", fmt.Errorf("container %s already exists", spec.Name)
	}
	f.created = append(f.created, spec)
	f.containers[spec.Name] = &fakeContainer{spec: spec, createdAt: time.Now()}
	return spec.Name, nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, id string) error {
	defer f.enter("start:" + id)()
	f.mu.Lock()
	c, ok := f.containers[id]
	fail := f.failStart && !strings.HasPrefix(id, helperPrefix)
	hook := f.onStart
	f.mu.Unlock()

	if !ok {
		return runtime.ErrContainerNotFound
	}
	if fail {
		return fmt.Errorf("start refused")
	}
	if hook != nil && !strings.HasPrefix(id, helperPrefix) {
		hook(c.spec)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	c.started = true
	c.running = !strings.HasPrefix(id, helperPrefix)
	return nil
}

func (f *fakeRuntime) InspectContainer(_ context.Context, id string) (runtime.ContainerState, error) {
	defer f.enter("inspect:" + id)()
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return runtime.ContainerState{}, fmt.Errorf("%w: %s", runtime.ErrContainerNotFound, id)
	}
	return runtime.ContainerState{ID: id, Running: c.running, Started: c.started, ExitCode: c.exitCode}, nil
}

func (f *fakeRuntime) WaitContainer(_ context.Context, id string) (uint32, error) {
	defer f.enter("wait:" + id)()
	return 0, nil
}

func (f *fakeRuntime) CopyLogs(_ context.Context, id string, w io.Writer) error {
	defer f.enter("logs:" + id)()
	f.mu.Lock()
	logs := f.logs
	f.mu.Unlock()
	_, err := io.WriteString(w, logs)
	return err
}

func (f *fakeRuntime) TailLogs(_ context.Context, id string, n int) (string, error) {
	defer f.enter("tail:" + id)()
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := strings.Split(strings.TrimRight(f.logs, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, id string) error {
	defer f.enter("remove:" + id)()
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	return nil
}

func (f *fakeRuntime) ListContainers(_ context.Context, _ ...string) ([]runtime.ContainerInfo, error) {
	defer f.enter("list")()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.ContainerInfo
	for id, c := range f.containers {
		out = append(out, runtime.ContainerInfo{ID: id, Labels: c.spec.Labels, CreatedAt: c.createdAt})
	}
	return out, nil
}

// exit stops the job container with code
func (f *fakeRuntime) exit(id string, code uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.running = false
		c.exitCode = code
	}
}

func (f *fakeRuntime) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[id]
	return ok
}

// lastOp returns the position of the latest call to op, or -1
func (f *fakeRuntime) lastOp(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.ops) - 1; i >= 0; i-- {
		if f.ops[i] == op {
			return i
		}
	}
	return -1
}

func (f *fakeRuntime) createdCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.created {
		if strings.HasPrefix(s.Name, prefix) {
			n++
		}
	}
	return n
}

// fakeAPI is an in-memory Control API
type fakeAPI struct {
	mu          sync.Mutex
	processing  map[string]*types.Processing
	uploadBase  string
	progress    map[string]int
	generated   map[types.OutputKind]types.FileData
	confirmed   []types.OutputKind
	successes   []string
	failures    map[string]string
	failSuccess bool
	// rejectSuccess answers the success report with a permanent 409.
	rejectSuccess bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		processing: map[string]*types.Processing{},
		progress:   map[string]int{},
		generated:  map[types.OutputKind]types.FileData{},
		failures:   map[string]string{},
	}
}

func (f *fakeAPI) GetProcessing(_ context.Context, id string) (*types.Processing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.processing[id]
	if !ok {
		return nil, &api.Error{Method: http.MethodGet, Path: "/worker/processing/" + id, Status: http.StatusNotFound, Message: "not found"}
	}
	cp := *p
	return &cp, nil
}

func (f *fakeAPI) ReportProgress(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[id]++
	return nil
}

func (f *fakeAPI) GenerateUpload(_ context.Context, id string, kind types.OutputKind, file types.FileData) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generated[kind] = file
	return f.uploadBase + "/upload/" + string(kind), nil
}

func (f *fakeAPI) ConfirmUpload(_ context.Context, _ string, kind types.OutputKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, kind)
	return nil
}

func (f *fakeAPI) ReportSuccess(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSuccess {
		return fault.New(fault.KindTransient, "api/REPORT_SUCCESS", "server unavailable")
	}
	if f.rejectSuccess {
		return &api.Error{Method: "POST", Path: "/worker/processing/" + id + "/success", Status: 409, Message: "processing already finished"}
	}
	f.successes = append(f.successes, id)
	return nil
}

func (f *fakeAPI) ReportFailure(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = reason
	return nil
}

func (f *fakeAPI) failure(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.failures[id]
	return r, ok
}

func (f *fakeAPI) successCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.successes)
}

// storageServer plays the pre-signed URL host
type storageServer struct {
	*httptest.Server
	mu        sync.Mutex
	dataset   []byte
	downloads int
	uploads   map[string][]byte
	puts      int
}

func newStorageServer(t *testing.T) *storageServer {
	s := &storageServer{dataset: []byte("x,y\n1,2\n"), uploads: map[string][]byte{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/dataset":
			s.downloads++
			_, _ = w.Write(s.dataset)
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/upload/"):
			body, _ := io.ReadAll(r.Body)
			s.uploads[strings.TrimPrefix(r.URL.Path, "/upload/")] = body
			s.puts++
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *storageServer) downloadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloads
}

func (s *storageServer) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func (s *storageServer) upload(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads[name]
}

func (s *storageServer) uploadMD5(kind types.OutputKind) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.uploads[string(kind)]
	if !ok {
		return ""
	}
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Publish(ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(t events.EventType) []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	engine  *Engine
	rt      *fakeRuntime
	api     *fakeAPI
	storage *storageServer
	store   *storage.MemoryStore
	events  *recorder
	dataDir string
}

func newHarness(t *testing.T, configure func(*Config)) *harness {
	t.Helper()

	h := &harness{
		rt:      newFakeRuntime(),
		api:     newFakeAPI(),
		storage: newStorageServer(t),
		store:   storage.NewMemoryStore(),
		events:  &recorder{},
		dataDir: t.TempDir(),
	}
	h.api.uploadBase = h.storage.URL
	h.rt.images["docker.io/library/busybox:1.36"] = true

	cfg := Config{
		DataDir:      h.dataDir,
		Version:      "test",
		Retry:        retry.Fixed(2, time.Millisecond),
		DispatchWait: 5 * time.Second,
	}
	if configure != nil {
		configure(&cfg)
	}

	h.engine = NewEngine(cfg, h.store, h.rt, h.api, api.NewTransfer(nil), h.events)
	return h
}

// job registers a descriptor whose dataset expires after ttl
func (h *harness) job(id string, ttl time.Duration) *types.Processing {
	p := &types.Processing{
		ID:     id,
		Status: types.ProcessingPending,
		Processor: types.Processor{
			ImageTag: "img:1",
			Configuration: types.ProcessorConfiguration{
				Command:                       "run",
				DatasetInputArgument:          "input",
				DatasetInputValue:             "/data/inputs",
				DatasetOutputArgument:         "output",
				DatasetOutputValue:            "/data/outputs",
				OutputResultFileGlobPatterns:  []string{"*.csv"},
				OutputMetricsFileGlobPatterns: []string{"*.json"},
			},
		},
		Dataset: types.Dataset{File: types.DatasetFile{
			Filename:           "data.csv",
			PublicURL:          h.storage.URL + "/dataset",
			PublicURLExpiresAt: time.Now().Add(ttl).UTC().Format(time.RFC3339),
		}},
		Configuration: []types.Param{{Key: "epochs", Value: "3"}},
	}
	h.api.mu.Lock()
	h.api.processing[id] = p
	h.api.mu.Unlock()
	return p
}

// writesOutputs makes job containers produce files in their output mount
func writesOutputs(t *testing.T, files map[string]string) func(runtime.ContainerSpec) {
	return func(spec runtime.ContainerSpec) {
		for _, m := range spec.Mounts {
			if m.Target != "/data/outputs" {
				continue
			}
			for name, content := range files {
				path := filepath.Join(m.Source, filepath.FromSlash(name))
				require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
				require.NoError(t, os.WriteFile(path, []byte(content), 0644))
			}
		}
	}
}
