package processing

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var standardOutputs = map[string]string{
	"a.csv":  "id,score\n1,0.9\n",
	"b.json": `{"accuracy":0.9}`,
	"c.txt":  "scratch",
}

func TestJobSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	h.job("J1", time.Hour)
	h.rt.onStart = writesOutputs(t, standardOutputs)
	ctx := context.Background()

	require.NoError(t, h.engine.Dispatch(ctx, "J1"))

	assert.Equal(t, 1, h.rt.pulls["img:1"])
	assert.True(t, h.rt.has("burrow-job-J1"))
	assert.Equal(t, []string{"J1"}, mustTracked(t, h.engine))
	assert.Equal(t, 1, h.storage.downloadCount())

	data, err := os.ReadFile(filepath.Join(NewLayout(h.dataDir, "J1").InputDir, "data.csv"))
	require.NoError(t, err)
	assert.Equal(t, "x,y\n1,2\n", string(data))

	acquired := h.events.ofType(events.EventJobAcquired)
	require.Len(t, acquired, 1)
	assert.Equal(t, "J1", acquired[0].ProcessingID)
	assert.Equal(t, "burrow-job-J1", acquired[0].Message)

	var rec types.JobRecord
	found, err := h.store.Get(RecordNamespace("J1"), &rec)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.ProcessingRunning, rec.InternalStatus)
	assert.Equal(t, "burrow-job-J1", rec.ContainerID)
	assert.NotNil(t, rec.StartedAt)

	// Still running: progress only
	require.NoError(t, h.engine.Poll(ctx))
	assert.Equal(t, 1, h.api.progress["J1"])
	assert.Equal(t, 0, h.api.successCount())

	h.rt.exit("burrow-job-J1", 0)
	require.NoError(t, h.engine.Poll(ctx))

	assert.Equal(t, 1, h.api.successCount())
	assert.ElementsMatch(t, []types.OutputKind{types.OutputResult, types.OutputMetrics}, h.api.confirmed)
	assert.False(t, h.rt.has("burrow-job-J1"))
	assert.Empty(t, mustTracked(t, h.engine))
	_, err = os.Stat(NewLayout(h.dataDir, "J1").WorkingDir)
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, h.api.generated[types.OutputResult].MD5Hash, h.storage.uploadMD5(types.OutputResult))
	assert.Equal(t, h.api.generated[types.OutputMetrics].MD5Hash, h.storage.uploadMD5(types.OutputMetrics))
	assert.Equal(t, zipMimeType, h.api.generated[types.OutputResult].MimeType)
	assert.Equal(t, "J1_result_file.zip", h.api.generated[types.OutputResult].Filename)

	assert.Equal(t, 1, h.rt.createdCount(helperPrefix))
	assert.Len(t, h.events.ofType(events.EventJobSucceeded), 1)
	_, failed := h.api.failure("J1")
	assert.False(t, failed)
}

func TestExpiredDatasetFailsBeforeContainer(t *testing.T) {
	h := newHarness(t, nil)
	h.job("J2", -time.Minute)

	require.NoError(t, h.engine.Dispatch(context.Background(), "J2"))

	reason, ok := h.api.failure("J2")
	require.True(t, ok)
	assert.Contains(t, reason, "DATASET_EXPIRED")
	assert.Equal(t, 0, h.rt.createdCount(containerPrefix))
	assert.Equal(t, 0, h.storage.downloadCount())
	assert.Empty(t, mustTracked(t, h.engine))
	assert.Len(t, h.events.ofType(events.EventJobFailed), 1)
}

func TestMissingDescriptorFails(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.engine.Dispatch(context.Background(), "ghost"))

	reason, ok := h.api.failure("ghost")
	require.True(t, ok)
	assert.Contains(t, reason, "404")
	assert.Empty(t, mustTracked(t, h.engine))
}

func TestNonZeroExitFails(t *testing.T) {
	h := newHarness(t, nil)
	h.job("J3", time.Hour)
	h.rt.onStart = writesOutputs(t, standardOutputs)
	ctx := context.Background()

	require.NoError(t, h.engine.Dispatch(ctx, "J3"))
	h.rt.exit("burrow-job-J3", 137)
	require.NoError(t, h.engine.Poll(ctx))

	reason, ok := h.api.failure("J3")
	require.True(t, ok)
	assert.Contains(t, reason, "CONTAINER_FAILED")
	assert.Contains(t, reason, "137")
	assert.Equal(t, 0, h.api.successCount())

	// Outputs are still uploaded for failed runs
	assert.Len(t, h.api.confirmed, 2)

	tail := h.rt.lastOp("tail:burrow-job-J3")
	remove := h.rt.lastOp("remove:burrow-job-J3")
	require.NotEqual(t, -1, tail)
	assert.Less(t, tail, remove)
	assert.False(t, h.rt.has("burrow-job-J3"))
	assert.Empty(t, mustTracked(t, h.engine))
}

func TestNoOutputFilesFails(t *testing.T) {
	h := newHarness(t, nil)
	h.job("J4", time.Hour)
	ctx := context.Background()

	require.NoError(t, h.engine.Dispatch(ctx, "J4"))
	h.rt.exit("burrow-job-J4", 0)
	require.NoError(t, h.engine.Poll(ctx))

	reason, ok := h.api.failure("J4")
	require.True(t, ok)
	assert.Contains(t, reason, "NO_OUTPUT_FILES")
	assert.NotContains(t, reason, "CONTAINER_FAILED")
	assert.Empty(t, h.api.confirmed)
}

func TestKilledContainerWithoutOutputsNamesExitCode(t *testing.T) {
	h := newHarness(t, nil)
	h.job("J4k", time.Hour)
	ctx := context.Background()

	require.NoError(t, h.engine.Dispatch(ctx, "J4k"))
	h.rt.exit("burrow-job-J4k", 137)
	require.NoError(t, h.engine.Poll(ctx))

	reason, ok := h.api.failure("J4k")
	require.True(t, ok)
	assert.Contains(t, reason, "137")
	assert.Contains(t, reason, "NO_OUTPUT_FILES")
	assert.Less(t, strings.Index(reason, "137"), strings.Index(reason, "NO_OUTPUT_FILES"))
	assert.Empty(t, mustTracked(t, h.engine))
}

func TestKilledContainerWithUnmatchedOutputsNamesExitCode(t *testing.T) {
	h := newHarness(t, nil)
	h.job("J4u", time.Hour)
	h.rt.onStart = writesOutputs(t, map[string]string{"notes.txt": "partial"})
	ctx := context.Background()

	require.NoError(t, h.engine.Dispatch(ctx, "J4u"))
	h.rt.exit("burrow-job-J4u", 137)
	require.NoError(t, h.engine.Poll(ctx))

	reason, ok := h.api.failure("J4u")
	require.True(t, ok)
	assert.Contains(t, reason, "137")
	assert.Contains(t, reason, "NO_MATCHING_FILES")
}

func TestUnmatchedOutputsFail(t *testing.T) {
	h := newHarness(t, nil)
	h.job("J5", time.Hour)
	h.rt.onStart = writesOutputs(t, map[string]string{"notes.txt": "x"})
	ctx := context.Background()

	require.NoError(t, h.engine.Dispatch(ctx, "J5"))
	h.rt.exit("burrow-job-J5", 0)
	require.NoError(t, h.engine.Poll(ctx))

	reason, ok := h.api.failure("J5")
	require.True(t, ok)
	assert.Contains(t, reason, "NO_MATCHING_FILES")
}

func TestDispatchIgnoresTrackedJob(t *testing.T) {
	h := newHarness(t, nil)
	h.job("J1", time.Hour)
	ctx := context.Background()

	require.NoError(t, h.engine.Dispatch(ctx, "J1"))
	require.NoError(t, h.engine.Dispatch(ctx, "J1"))

	assert.Equal(t, 1, h.rt.createdCount(containerPrefix))
	assert.Len(t, h.events.ofType(events.EventJobAcquired), 1)
}

func TestDispatchRejectsInvalidID(t *testing.T) {
	h := newHarness(t, nil)

	err := h.engine.Dispatch(context.Background(), "../etc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processing/INVALID_ID")
	assert.Equal(t, 0, h.rt.createdCount(containerPrefix))
}

func TestDispatchDroppedWhileCycleRuns(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DispatchWait = 20 * time.Millisecond })
	h.job("J1", time.Hour)

	h.engine.cycle <- struct{}{}
	err := h.engine.Dispatch(context.Background(), "J1")
	<-h.engine.cycle

	assert.ErrorIs(t, err, ErrDispatchDropped)
	assert.Equal(t, 0, h.rt.createdCount(containerPrefix))
}

func TestCyclesNeverOverlap(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.delay = time.Millisecond
	h.rt.onStart = writesOutputs(t, standardOutputs)
	ctx := context.Background()

	ids := []string{"C1", "C2", "C3", "C4"}
	for _, id := range ids {
		h.job(id, time.Hour)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, h.engine.Dispatch(ctx, id))
		}(id)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.engine.Poll(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.rt.maxInflight.Load())
	assert.Equal(t, 4, h.rt.createdCount(containerPrefix))
}

func TestVanishedContainerCancelledWhenServerFinished(t *testing.T) {
	h := newHarness(t, nil)
	p := h.job("J6", time.Hour)
	ctx := context.Background()

	require.NoError(t, h.engine.Dispatch(ctx, "J6"))
	require.NoError(t, h.rt.RemoveContainer(ctx, "burrow-job-J6"))
	h.api.mu.Lock()
	p.Status = types.ProcessingCancelled
	h.api.mu.Unlock()

	require.NoError(t, h.engine.Poll(ctx))

	_, failed := h.api.failure("J6")
	assert.False(t, failed)
	assert.Empty(t, mustTracked(t, h.engine))
	cancelled := h.events.ofType(events.EventJobCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "CANCELLED", cancelled[0].Message)
}

func TestVanishedContainerFails(t *testing.T) {
	h := newHarness(t, nil)
	h.job("J7", time.Hour)
	ctx := context.Background()

	require.NoError(t, h.engine.Dispatch(ctx, "J7"))
	require.NoError(t, h.rt.RemoveContainer(ctx, "burrow-job-J7"))
	require.NoError(t, h.engine.Poll(ctx))

	reason, ok := h.api.failure("J7")
	require.True(t, ok)
	assert.Contains(t, reason, "MISSING_CONTAINER")
	assert.Empty(t, mustTracked(t, h.engine))
}

func TestSuccessReportRetriedWithoutReupload(t *testing.T) {
	h := newHarness(t, nil)
	h.job("J8", time.Hour)
	h.rt.onStart = writesOutputs(t, standardOutputs)
	ctx := context.Background()

	require.NoError(t, h.engine.Dispatch(ctx, "J8"))
	h.rt.exit("burrow-job-J8", 0)
	h.api.failSuccess = true
	require.NoError(t, h.engine.Poll(ctx))

	assert.Equal(t, []string{"J8"}, mustTracked(t, h.engine))
	assert.Equal(t, 2, h.storage.putCount())

	var rec types.JobRecord
	_, err := h.store.Get(RecordNamespace("J8"), &rec)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessingSucceeded, rec.InternalStatus)
	assert.Len(t, rec.UploadURLs, 2)

	h.api.mu.Lock()
	h.api.failSuccess = false
	h.api.mu.Unlock()
	require.NoError(t, h.engine.Poll(ctx))

	assert.Equal(t, 1, h.api.successCount())
	assert.Equal(t, 2, h.storage.putCount())
	assert.Empty(t, mustTracked(t, h.engine))
}

func TestRejectedSuccessReportStillCleansUp(t *testing.T) {
	h := newHarness(t, nil)
	h.job("J8b", time.Hour)
	h.rt.onStart = writesOutputs(t, standardOutputs)
	h.api.rejectSuccess = true
	ctx := context.Background()

	require.NoError(t, h.engine.Dispatch(ctx, "J8b"))
	h.rt.exit("burrow-job-J8b", 0)
	require.NoError(t, h.engine.Poll(ctx))

	assert.Empty(t, mustTracked(t, h.engine))
	assert.False(t, h.rt.has("burrow-job-J8b"))
	assert.NoDirExists(t, NewLayout(h.dataDir, "J8b").WorkingDir)
	_, failed := h.api.failure("J8b")
	assert.False(t, failed)

	succeeded := h.events.ofType(events.EventJobSucceeded)
	require.Len(t, succeeded, 1)
	assert.Equal(t, "rejected", succeeded[0].Message)

	// Later ticks find nothing left to do
	require.NoError(t, h.engine.Poll(ctx))
	assert.Len(t, h.events.ofType(events.EventJobSucceeded), 1)
}

func TestUnsupportedLayoutFails(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.Put(RecordNamespace("old"), types.JobRecord{
		LayoutVersion: 0,
		ContainerID:   "burrow-job-old",
		Data:          &types.Processing{ID: "old"},
	}))

	require.NoError(t, h.engine.Poll(context.Background()))

	reason, ok := h.api.failure("old")
	require.True(t, ok)
	assert.Contains(t, reason, "UNSUPPORTED_LAYOUT")
	assert.Empty(t, mustTracked(t, h.engine))
}

func TestRecordWithoutContainerFails(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.Put(RecordNamespace("bare"), types.JobRecord{
		LayoutVersion: types.CurrentLayoutVersion,
		Data:          &types.Processing{ID: "bare"},
	}))

	require.NoError(t, h.engine.Poll(context.Background()))

	reason, ok := h.api.failure("bare")
	require.True(t, ok)
	assert.Contains(t, reason, "NO_CONTAINER_ID_FOR_PROCESSING")
}

func TestStartFailureRemovesContainer(t *testing.T) {
	h := newHarness(t, nil)
	h.job("J9", time.Hour)
	h.rt.failStart = true

	require.NoError(t, h.engine.Dispatch(context.Background(), "J9"))

	reason, ok := h.api.failure("J9")
	require.True(t, ok)
	assert.Contains(t, reason, "START_CONTAINER")
	assert.False(t, h.rt.has("burrow-job-J9"))
	assert.Empty(t, mustTracked(t, h.engine))
}

func TestUploadURLFromDescriptor(t *testing.T) {
	h := newHarness(t, nil)
	p := h.job("J10", time.Hour)
	p.ResultFile = &types.OutputFile{UploadURL: h.storage.URL + "/upload/presigned"}
	h.rt.onStart = writesOutputs(t, standardOutputs)
	ctx := context.Background()

	require.NoError(t, h.engine.Dispatch(ctx, "J10"))
	h.rt.exit("burrow-job-J10", 0)
	require.NoError(t, h.engine.Poll(ctx))

	assert.Equal(t, 1, h.api.successCount())
	_, generated := h.api.generated[types.OutputResult]
	assert.False(t, generated)
	assert.NotEmpty(t, h.storage.upload("presigned"))
	assert.NotEmpty(t, h.storage.upload(string(types.OutputMetrics)))
}

func TestStatusPublishedOnChange(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.engine.ReportStatus()
	require.NoError(t, h.engine.Poll(ctx))
	require.Len(t, h.events.ofType(events.EventStatusChanged), 1)

	h.engine.ReportStatus()
	require.Len(t, h.events.ofType(events.EventStatusChanged), 2)

	h.job("J1", time.Hour)
	require.NoError(t, h.engine.Dispatch(ctx, "J1"))

	statuses := h.events.ofType(events.EventStatusChanged)
	require.Len(t, statuses, 3)
	status, ok := statuses[2].Payload.(types.WorkerStatus)
	require.True(t, ok)
	assert.Equal(t, types.WorkerWork, status.Status)
	assert.Equal(t, []string{"J1"}, status.ProcessingIDs)
	assert.Equal(t, "test", status.Version)
}

func TestStatusCarriesTelemetry(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Telemetry = func() *types.Telemetry { return &types.Telemetry{Goroutines: 7} }
	})

	h.engine.ReportStatus()

	statuses := h.events.ofType(events.EventStatusChanged)
	require.Len(t, statuses, 1)
	status := statuses[0].Payload.(types.WorkerStatus)
	assert.Equal(t, types.WorkerIdle, status.Status)
	require.NotNil(t, status.Telemetry)
	assert.Equal(t, 7, status.Telemetry.Goroutines)
}

func TestReapHelpers(t *testing.T) {
	h := newHarness(t, nil)
	helper := map[string]string{runtime.LabelRole: helperRole}
	h.rt.containers["burrow-permfix-old"] = &fakeContainer{
		spec:      runtime.ContainerSpec{Name: "burrow-permfix-old", Labels: helper},
		createdAt: time.Now().Add(-time.Hour),
	}
	h.rt.containers["burrow-permfix-new"] = &fakeContainer{
		spec:      runtime.ContainerSpec{Name: "burrow-permfix-new", Labels: helper},
		createdAt: time.Now(),
	}
	h.rt.containers["burrow-job-X"] = &fakeContainer{
		spec:      runtime.ContainerSpec{Name: "burrow-job-X", Labels: map[string]string{runtime.LabelRole: "job"}},
		createdAt: time.Now().Add(-time.Hour),
	}

	assert.Equal(t, 1, h.engine.ReapHelpers(context.Background()))
	assert.False(t, h.rt.has("burrow-permfix-old"))
	assert.True(t, h.rt.has("burrow-permfix-new"))
	assert.True(t, h.rt.has("burrow-job-X"))
}

func TestReapHelpersWaitsForCycle(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.containers["burrow-permfix-old"] = &fakeContainer{
		spec:      runtime.ContainerSpec{Name: "burrow-permfix-old", Labels: map[string]string{runtime.LabelRole: helperRole}},
		createdAt: time.Now().Add(-time.Hour),
	}

	h.engine.cycle <- struct{}{}
	assert.Equal(t, 0, h.engine.ReapHelpers(context.Background()))
	assert.Equal(t, -1, h.rt.lastOp("list"))
	<-h.engine.cycle

	assert.Equal(t, 1, h.engine.ReapHelpers(context.Background()))
	assert.False(t, h.rt.has("burrow-permfix-old"))
}

func TestTrackedIDs(t *testing.T) {
	h := newHarness(t, nil)
	rec := types.JobRecord{LayoutVersion: types.CurrentLayoutVersion}
	require.NoError(t, h.store.Put(RecordNamespace("b"), rec))
	require.NoError(t, h.store.Put(RecordNamespace("a"), rec))
	require.NoError(t, h.store.Put("processing/a/extra", rec))
	require.NoError(t, h.store.Put("authentication", rec))

	assert.Equal(t, []string{"a", "b"}, mustTracked(t, h.engine))
	assert.Equal(t, 2, h.engine.TrackedJobs())
}

func TestRunStopsWithContext(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PollInterval = 5 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.engine.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(h.events.ofType(events.EventStatusChanged)) > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func mustTracked(t *testing.T, e *Engine) []string {
	t.Helper()
	ids, err := e.TrackedIDs()
	require.NoError(t, err)
	return ids
}
