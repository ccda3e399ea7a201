package workers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amaumene/episodarr/internal/metrics"
	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
	"github.com/amaumene/episodarr/internal/ports/portstest"
)

type testSettings struct {
	workers  atomic.Int64
	interval time.Duration
}

func newTestSettings(workers int, interval time.Duration) *testSettings {
	s := &testSettings{interval: interval}
	s.workers.Store(int64(workers))
	return s
}

func (s *testSettings) DownloadWorkers() int            { return int(s.workers.Load()) }
func (s *testSettings) ProgressInterval() time.Duration { return s.interval }

type poolFixture struct {
	db     *models.Database
	series *models.Series
	bc     *portstest.Broadcaster
	dl     *portstest.Downloader
	pool   *DownloadPool
	items  []*models.MediaItem
}

func newPoolFixture(t *testing.T, settings LiveSettings, episodes int) *poolFixture {
	t.Helper()
	db := newTestDatabase(t)
	f := &poolFixture{
		db:     db,
		series: newTestSeries(t, db, models.SourceVideo),
		bc:     &portstest.Broadcaster{},
		dl:     &portstest.Downloader{},
	}
	f.pool = NewDownloadPool(db, f.dl, newTestStatus(db, f.bc), f.bc, settings, 5*time.Millisecond, metrics.New(), newTestLogger())

	for ep := 1; ep <= episodes; ep++ {
		item := &models.MediaItem{
			UniqueID:     fmt.Sprintf("ep%d", ep),
			SeriesID:     f.series.ID,
			Season:       1,
			EpisodeStart: ep,
			VideoURL:     fmt.Sprintf("https://video.example.com/ep%d.mp4", ep),
			PlanStatus:   models.PlanInPlanSingle,
			Status:       models.MediaPending,
		}
		if _, err := db.UpsertMediaItem(item); err != nil {
			t.Fatalf("UpsertMediaItem() error = %v", err)
		}
		if _, err := f.pool.Enqueue(f.series, item); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		f.items = append(f.items, item)
	}
	return f
}

// start runs the pool and returns a stop function that fails the test if Run hangs
func (f *poolFixture) start(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.pool.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("download pool did not stop")
		}
	}
}

// settled waits until every task is gone or in error
func (f *poolFixture) settled(t *testing.T) []*models.DownloadTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tasks, err := f.db.ListDownloadTasks()
		if err != nil {
			t.Fatalf("ListDownloadTasks() error = %v", err)
		}
		busy := false
		for _, task := range tasks {
			if task.Status != models.DownloadError {
				busy = true
			}
		}
		if !busy {
			return tasks
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("downloads did not settle")
	return nil
}

func TestPoolBoundsConcurrencyAndIsolatesFailures(t *testing.T) {
	f := newPoolFixture(t, newTestSettings(2, 0), 5)

	var running, peak atomic.Int32
	f.dl.Fn = func(ctx context.Context, url, destination string, progress ports.ProgressFunc) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		progress(ports.Progress{Downloaded: 50, Total: 100, Speed: 10})
		time.Sleep(30 * time.Millisecond)
		if strings.HasSuffix(url, "ep3.mp4") {
			return errors.New("connection reset")
		}
		return (&portstest.Downloader{}).Download(ctx, url, destination, progress)
	}

	stop := f.start(t)
	tasks := f.settled(t)
	stop()

	if got := peak.Load(); got != 2 {
		t.Errorf("peak concurrency = %d, want 2", got)
	}
	if len(tasks) != 1 || tasks[0].TaskKey != "ep3" {
		t.Fatalf("remaining tasks = %+v, want only the failed ep3", tasks)
	}
	if tasks[0].LastError == "" || tasks[0].Attempts != 1 {
		t.Errorf("failed task = %+v, want error recorded after one attempt", tasks[0])
	}

	for _, item := range f.items {
		stored, err := f.db.GetMediaItem(item.UniqueID)
		if err != nil {
			t.Fatalf("GetMediaItem() error = %v", err)
		}
		want := models.MediaCompleted
		if item.UniqueID == "ep3" {
			want = models.MediaError
		}
		if stored.Status != want {
			t.Errorf("%s status = %s, want %s", item.UniqueID, stored.Status, want)
		}
		if want == models.MediaCompleted && stored.FinalFilename != fmt.Sprintf("Show - S01E%02d.mp4", item.EpisodeStart) {
			t.Errorf("%s final filename = %q", item.UniqueID, stored.FinalFilename)
		}
	}

	flags, err := f.db.GetStatusFlags(f.series.ID)
	if err != nil {
		t.Fatalf("GetStatusFlags() error = %v", err)
	}
	if flags.IsDownloading || !flags.IsReady {
		t.Errorf("flags = %+v, want ready and not downloading", flags)
	}
}

func TestPoolResizeKeepsInFlightWork(t *testing.T) {
	settings := newTestSettings(1, 0)
	f := newPoolFixture(t, settings, 3)

	release := make(chan struct{})
	var running atomic.Int32
	f.dl.Fn = func(ctx context.Context, url, destination string, progress ports.ProgressFunc) error {
		running.Add(1)
		defer running.Add(-1)
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return (&portstest.Downloader{}).Download(ctx, url, destination, progress)
	}

	stop := f.start(t)
	defer stop()

	waitFor(t, func() bool { return running.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := running.Load(); got != 1 {
		t.Fatalf("running = %d with one worker", got)
	}

	settings.workers.Store(3)
	waitFor(t, func() bool { return running.Load() == 3 })

	close(release)
	tasks := f.settled(t)
	if len(tasks) != 0 {
		t.Errorf("remaining tasks = %d, want 0", len(tasks))
	}
}

func TestProgressReporterThrottles(t *testing.T) {
	f := newPoolFixture(t, newTestSettings(1, time.Hour), 1)
	tasks, _ := f.db.ListDownloadTasks()
	task := tasks[0]

	report := f.pool.progressReporter(task)
	report(ports.Progress{Downloaded: 10, Total: 100})
	report(ports.Progress{Downloaded: 50, Total: 100})
	report(ports.Progress{Downloaded: 100, Total: 100})
	report(ports.Progress{Downloaded: 100, Total: 100})

	events := f.bc.Events(ports.EventDownloadProgress)
	if len(events) != 2 {
		t.Fatalf("progress events = %d, want 2", len(events))
	}
	stored, _ := f.db.ListDownloadTasks()
	if stored[0].Progress != 100 || stored[0].ETA != 0 {
		t.Errorf("stored progress = %v eta = %d, want 100 and 0", stored[0].Progress, stored[0].ETA)
	}
}

func TestPoolRecoveryResetsInterruptedTasks(t *testing.T) {
	f := newPoolFixture(t, newTestSettings(1, 0), 2)
	tasks, _ := f.db.ListDownloadTasks()
	tasks[0].Status = models.DownloadDownloading
	tasks[1].Status = models.DownloadError
	for _, task := range tasks {
		if err := f.db.UpdateDownloadTask(task); err != nil {
			t.Fatalf("UpdateDownloadTask() error = %v", err)
		}
	}

	stop := f.start(t)
	remaining := f.settled(t)
	stop()

	if len(remaining) != 0 {
		t.Errorf("remaining tasks = %d, want 0", len(remaining))
	}
}

func TestEnqueueRejectsDuplicates(t *testing.T) {
	f := newPoolFixture(t, newTestSettings(1, 0), 1)
	if _, err := f.pool.Enqueue(f.series, f.items[0]); !errors.Is(err, models.ErrAlreadyExists) {
		t.Errorf("duplicate Enqueue() error = %v, want ErrAlreadyExists", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

