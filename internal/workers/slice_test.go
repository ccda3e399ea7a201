package workers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/amaumene/episodarr/internal/metrics"
	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
	"github.com/amaumene/episodarr/internal/ports/portstest"
)

const compilationFile = "Show - S01E01-E04.mkv"

type sliceFixture struct {
	db         *models.Database
	series     *models.Series
	item       *models.MediaItem
	transcoder *portstest.Transcoder
	bc         *portstest.Broadcaster
	worker     *SliceWorker
}

func newSliceFixture(t *testing.T, chapters int) *sliceFixture {
	t.Helper()
	db := newTestDatabase(t)
	f := &sliceFixture{
		db:         db,
		series:     newTestSeries(t, db, models.SourceTorrent),
		transcoder: portstest.NewTranscoder(),
		bc:         &portstest.Broadcaster{},
	}
	source := filepath.Join(f.series.SavePath, compilationFile)
	if err := os.WriteFile(source, []byte("compilation"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	f.transcoder.SetChapters(source, portstest.EvenChapters(chapters, 10*time.Minute))

	end := 4
	f.item = &models.MediaItem{
		UniqueID:      "pack",
		SeriesID:      f.series.ID,
		Season:        1,
		EpisodeStart:  1,
		EpisodeEnd:    &end,
		Resolution:    1080,
		PlanStatus:    models.PlanInPlanCompilation,
		Status:        models.MediaCompleted,
		FinalFilename: compilationFile,
	}
	if _, err := db.UpsertMediaItem(f.item); err != nil {
		t.Fatalf("UpsertMediaItem() error = %v", err)
	}
	f.worker = f.newWorker()
	return f
}

func (f *sliceFixture) newWorker() *SliceWorker {
	return NewSliceWorker(f.db, f.transcoder, newTestStatus(f.db, f.bc), f.bc, false, metrics.New(), newTestLogger())
}

func (f *sliceFixture) enqueue(t *testing.T) *models.SliceTask {
	t.Helper()
	task, err := f.worker.Enqueue(f.item)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return task
}

func (f *sliceFixture) files(t *testing.T) []string {
	t.Helper()
	files, err := portstest.Files(f.series.SavePath)
	if err != nil {
		t.Fatalf("Files() error = %v", err)
	}
	return files
}

func TestSliceCompilation(t *testing.T) {
	f := newSliceFixture(t, 4)
	task := f.enqueue(t)

	f.worker.Drain(context.Background())

	want := []string{
		"Show - S01E01-E04.mkv",
		"Show - S01E01.mkv",
		"Show - S01E02.mkv",
		"Show - S01E03.mkv",
		"Show - S01E04.mkv",
	}
	if got := f.files(t); !reflect.DeepEqual(got, want) {
		t.Fatalf("files = %v, want %v", got, want)
	}

	last, _ := os.ReadFile(filepath.Join(f.series.SavePath, "Show - S01E04.mkv"))
	if !strings.HasSuffix(string(last), "+0s") {
		t.Errorf("last chapter extracted as %q, want an open-ended duration", last)
	}

	stored, err := f.db.GetSliceTask(task.ID)
	if err != nil {
		t.Fatalf("GetSliceTask() error = %v", err)
	}
	if stored.Status != models.SliceCompleted || len(stored.Remaining()) != 0 || len(stored.ProgressChapters) != 4 {
		t.Errorf("task = %+v, want completed with 4 chapters", stored)
	}

	item, _ := f.db.GetMediaItem("pack")
	if item.SlicingStatus != models.SlicingCompleted || !item.IsIgnoredByUser {
		t.Errorf("compilation = %+v, want sliced and ignored", item)
	}
	for ep := 1; ep <= 4; ep++ {
		single, err := f.db.GetMediaItem(models.EpisodeUniqueID(f.series.ID, 1, ep))
		if err != nil {
			t.Fatalf("episode %d not registered: %v", ep, err)
		}
		if single.Status != models.MediaCompleted || single.IsCompilation() || single.Resolution != 1080 {
			t.Errorf("episode %d = %+v", ep, single)
		}
	}
	if n := len(f.bc.Events(ports.EventSliceProgress)); n != 4 {
		t.Errorf("slice_progress events = %d, want 4", n)
	}
}

func TestSliceResumeMatchesUninterruptedRun(t *testing.T) {
	reference := newSliceFixture(t, 4)
	reference.enqueue(t)
	reference.worker.Drain(context.Background())
	want := reference.files(t)

	f := newSliceFixture(t, 4)
	task := f.enqueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	f.transcoder.OnExtract = func(n int, destination string) error {
		if n == 3 {
			cancel()
			return context.Canceled
		}
		return nil
	}
	f.worker.Drain(ctx)

	interrupted, _ := f.db.GetSliceTask(task.ID)
	if interrupted.Status != models.SliceSlicing {
		t.Fatalf("interrupted task status = %s, want slicing", interrupted.Status)
	}
	if got := interrupted.Remaining(); !reflect.DeepEqual(got, []int{3, 4}) {
		t.Fatalf("remaining after interruption = %v, want [3 4]", got)
	}

	// restart
	f.transcoder.OnExtract = nil
	if _, err := f.db.ResetSlicingTasks(); err != nil {
		t.Fatalf("ResetSlicingTasks() error = %v", err)
	}
	f.worker = f.newWorker()
	f.worker.Drain(context.Background())

	if got := f.files(t); !reflect.DeepEqual(got, want) {
		t.Errorf("files after resume = %v, want %v", got, want)
	}
	first := 0
	for _, dest := range f.transcoder.Extractions() {
		if filepath.Base(dest) == "Show - S01E01.mkv" {
			first++
		}
	}
	if first != 1 {
		t.Errorf("episode 1 extracted %d times, want once", first)
	}
}

func TestSliceAdoptsExistingEpisodes(t *testing.T) {
	f := newSliceFixture(t, 4)
	existing := filepath.Join(f.series.SavePath, "Show - S01E02.mkv")
	if err := os.WriteFile(existing, []byte("already here"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	f.enqueue(t)

	f.worker.Drain(context.Background())

	if n := len(f.transcoder.Extractions()); n != 3 {
		t.Errorf("extractions = %d, want 3", n)
	}
	data, _ := os.ReadFile(existing)
	if string(data) != "already here" {
		t.Error("adopted episode was overwritten")
	}
	if _, err := f.db.GetMediaItem(models.EpisodeUniqueID(f.series.ID, 1, 2)); err != nil {
		t.Errorf("adopted episode not registered: %v", err)
	}
}

func TestSliceChapterMismatch(t *testing.T) {
	f := newSliceFixture(t, 3)
	task := f.enqueue(t)

	f.worker.Drain(context.Background())

	stored, _ := f.db.GetSliceTask(task.ID)
	if stored.Status != models.SliceError || !strings.Contains(stored.LastError, "3 chapters for 4 episodes") {
		t.Errorf("task = %+v, want chapter count error", stored)
	}
	item, _ := f.db.GetMediaItem("pack")
	if item.SlicingStatus != models.SlicingError {
		t.Errorf("slicing status = %s, want error", item.SlicingStatus)
	}
	if len(f.transcoder.Extractions()) != 0 {
		t.Error("nothing should be extracted")
	}
}

func TestSliceTranscoderFailureAbortsTask(t *testing.T) {
	f := newSliceFixture(t, 4)
	task := f.enqueue(t)
	f.transcoder.OnExtract = func(n int, destination string) error {
		if n == 2 {
			return errors.New("ffmpeg exited with status 1")
		}
		return nil
	}

	f.worker.Drain(context.Background())

	stored, _ := f.db.GetSliceTask(task.ID)
	if stored.Status != models.SliceError {
		t.Fatalf("task status = %s, want error", stored.Status)
	}
	if got := stored.Remaining(); !reflect.DeepEqual(got, []int{2, 3, 4}) {
		t.Errorf("remaining = %v, want [2 3 4]", got)
	}
	if n := len(f.transcoder.Extractions()); n != 2 {
		t.Errorf("extractions = %d, want 2 (no retry)", n)
	}
	if len(f.bc.Events(ports.EventTaskError)) != 1 {
		t.Error("failure should be broadcast")
	}
}

func TestSliceEnqueueRejectsSingles(t *testing.T) {
	f := newSliceFixture(t, 4)
	single := &models.MediaItem{UniqueID: "single", SeriesID: f.series.ID, Season: 1, EpisodeStart: 1}
	if _, err := f.worker.Enqueue(single); !models.IsBusinessError(err) {
		t.Errorf("Enqueue(single) error = %v, want business error", err)
	}
}
