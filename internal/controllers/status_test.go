package controllers

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
	"github.com/amaumene/episodarr/internal/ports/portstest"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestDatabase(t *testing.T) *models.Database {
	t.Helper()
	db, err := models.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDatabase() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSetStatusBroadcastsChanges(t *testing.T) {
	bc := &portstest.Broadcaster{}
	agg := NewStatusAggregator(newTestDatabase(t), bc, newTestLogger())

	if err := agg.SetStatus(1, models.FlagScanning, true); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := agg.SetStatus(1, models.FlagScanning, true); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if n := len(bc.Events(ports.EventSeriesStatus)); n != 1 {
		t.Errorf("events = %d, want 1 (unchanged flags are not broadcast)", n)
	}

	if err := agg.SetStatus(1, models.FlagError, true); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	flags, err := agg.Get(1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if flags.Status != string(models.FlagError) {
		t.Errorf("Status = %q, want error over scanning", flags.Status)
	}
	if flags.IsWaiting {
		t.Error("IsWaiting = true with flags raised")
	}
}

func TestGetUnknownSeriesIsWaiting(t *testing.T) {
	agg := NewStatusAggregator(newTestDatabase(t), nil, newTestLogger())

	flags, err := agg.Get(42)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !flags.IsWaiting || flags.Status != string(models.FlagWaiting) {
		t.Errorf("flags = %+v, want waiting", flags)
	}
}

func TestSyncAgentStagesClearsAbsentSeries(t *testing.T) {
	agg := NewStatusAggregator(newTestDatabase(t), nil, newTestLogger())

	err := agg.SyncAgentStages(map[uint64][]models.Stage{
		1: {models.StageRenaming},
		2: {models.StageActivating},
	})
	if err != nil {
		t.Fatalf("SyncAgentStages() error = %v", err)
	}
	if f, _ := agg.Get(2); f.Status != string(models.FlagActivating) {
		t.Fatalf("series 2 = %q, want activating", f.Status)
	}

	if err := agg.SyncAgentStages(map[uint64][]models.Stage{1: {models.StageRechecking}}); err != nil {
		t.Fatalf("SyncAgentStages() error = %v", err)
	}
	one, _ := agg.Get(1)
	if one.IsRenaming || !one.IsChecking {
		t.Errorf("series 1 = %+v, want checking only", one)
	}
	two, _ := agg.Get(2)
	if two.IsActivating || two.Status != string(models.FlagWaiting) {
		t.Errorf("series 2 = %+v, want waiting", two)
	}
}

func TestCheckingMergesAgentAndTorrentSources(t *testing.T) {
	agg := NewStatusAggregator(newTestDatabase(t), nil, newTestLogger())

	if err := agg.SyncTorrentFlags(map[uint64]ports.TorrentFlags{7: {Checking: true}}); err != nil {
		t.Fatalf("SyncTorrentFlags() error = %v", err)
	}
	// an idle agent cycle must not undo the snapshot's checking flag
	if err := agg.SyncAgentStages(nil); err != nil {
		t.Fatalf("SyncAgentStages() error = %v", err)
	}
	if f, _ := agg.Get(7); !f.IsChecking || f.Status != string(models.FlagChecking) {
		t.Fatalf("after idle agent sync = %+v, want checking", f)
	}

	if err := agg.SyncAgentStages(map[uint64][]models.Stage{7: {models.StageRechecking}}); err != nil {
		t.Fatalf("SyncAgentStages() error = %v", err)
	}
	if err := agg.SyncTorrentFlags(map[uint64]ports.TorrentFlags{7: {}}); err != nil {
		t.Fatalf("SyncTorrentFlags() error = %v", err)
	}
	if f, _ := agg.Get(7); !f.IsChecking {
		t.Fatal("snapshot cleared checking while the agent is rechecking")
	}

	if err := agg.SyncAgentStages(nil); err != nil {
		t.Fatalf("SyncAgentStages() error = %v", err)
	}
	if f, _ := agg.Get(7); f.IsChecking || f.Status != string(models.FlagWaiting) {
		t.Errorf("flags = %+v, want waiting once both sources cleared", f)
	}
}

func TestSyncMediaStates(t *testing.T) {
	agg := NewStatusAggregator(newTestDatabase(t), nil, newTestLogger())

	items := []*models.MediaItem{
		{UniqueID: "a", Status: models.MediaCompleted, FinalFilename: "a.mkv"},
		{UniqueID: "b", Status: models.MediaCompleted, SlicingStatus: models.SlicingQueued},
	}
	if err := agg.SyncMediaStates(1, items); err != nil {
		t.Fatalf("SyncMediaStates() error = %v", err)
	}
	f, _ := agg.Get(1)
	if !f.IsSlicing || !f.IsReady || f.Status != string(models.FlagSlicing) {
		t.Errorf("flags = %+v, want slicing and ready", f)
	}

	items[1].SlicingStatus = models.SlicingCompleted
	if err := agg.SyncMediaStates(1, items); err != nil {
		t.Fatalf("SyncMediaStates() error = %v", err)
	}
	if f, _ := agg.Get(1); f.IsSlicing || f.Status != string(models.FlagReady) {
		t.Errorf("flags = %+v, want ready", f)
	}
}

func TestSyncDownloads(t *testing.T) {
	agg := NewStatusAggregator(newTestDatabase(t), nil, newTestLogger())

	if err := agg.SyncDownloads(1, []*models.DownloadTask{{Status: models.DownloadPending}}); err != nil {
		t.Fatalf("SyncDownloads() error = %v", err)
	}
	if f, _ := agg.Get(1); !f.IsDownloading {
		t.Error("IsDownloading = false with a pending task")
	}
	if err := agg.SyncDownloads(1, nil); err != nil {
		t.Fatalf("SyncDownloads() error = %v", err)
	}
	if f, _ := agg.Get(1); f.IsDownloading {
		t.Error("IsDownloading = true with no tasks left")
	}
}

func TestExpireViewing(t *testing.T) {
	agg := NewStatusAggregator(newTestDatabase(t), nil, newTestLogger())
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return now }

	if err := agg.Touch(1); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	now = now.Add(10 * time.Minute)
	if err := agg.Touch(2); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}

	now = now.Add(55 * time.Minute)
	expired, err := agg.ExpireViewing(time.Hour)
	if err != nil {
		t.Fatalf("ExpireViewing() error = %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}
	if f, _ := agg.Get(1); f.ViewingAt != nil || f.Status != string(models.FlagWaiting) {
		t.Errorf("series 1 = %+v, want heartbeat cleared", f)
	}
	if f, _ := agg.Get(2); f.ViewingAt == nil {
		t.Error("series 2 heartbeat expired early")
	}
}
