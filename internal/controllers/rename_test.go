package controllers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
	"github.com/amaumene/episodarr/internal/ports/portstest"
	"github.com/amaumene/episodarr/internal/services/rules"
)

func newTestRenamer(t *testing.T) (*RenameController, *models.Database, *portstest.TorrentClient) {
	t.Helper()
	db := newTestDatabase(t)
	torrent := portstest.NewTorrentClient()
	logger := newTestLogger()
	return NewRenameController(db, torrent, rules.NewEngine(logger), logger), db, torrent
}

func results(outcomes []models.RenameOutcome) map[string]models.RenameResult {
	out := make(map[string]models.RenameResult, len(outcomes))
	for _, o := range outcomes {
		out[o.From] = o.Result
	}
	return out
}

func TestRenameTorrentFiles(t *testing.T) {
	c, db, torrent := newTestRenamer(t)
	series := &models.Series{ID: 1, Title: "Show", Season: 1}

	torrent.Put(ports.TorrentInfo{Hash: "h1", State: "pausedUP"},
		ports.TorrentFile{Index: 0, Name: "Pack/Show.S01E02.720p.mkv"},
		ports.TorrentFile{Index: 1, Name: "Pack/Show - S01E03.mkv"},
		ports.TorrentFile{Index: 2, Name: "Pack/Extras.mkv"},
		ports.TorrentFile{Index: 3, Name: "Pack/readme.txt"},
	)
	item := &models.MediaItem{UniqueID: "1:h1", SeriesID: 1, Season: 1, EpisodeStart: 2, TorrentHash: "h1", Status: models.MediaCompleted}
	if _, err := db.UpsertMediaItem(item); err != nil {
		t.Fatalf("UpsertMediaItem() error = %v", err)
	}

	outcomes, err := c.RenameTorrentFiles(context.Background(), series, "h1")
	if err != nil {
		t.Fatalf("RenameTorrentFiles() error = %v", err)
	}

	got := results(outcomes)
	if len(got) != 3 {
		t.Fatalf("outcomes = %v, want 3 video files", got)
	}
	if got["Pack/Show.S01E02.720p.mkv"] != models.RenameRenamed {
		t.Errorf("S01E02 = %s, want renamed", got["Pack/Show.S01E02.720p.mkv"])
	}
	if got["Pack/Show - S01E03.mkv"] != models.RenameSkipped {
		t.Errorf("S01E03 = %s, want skipped", got["Pack/Show - S01E03.mkv"])
	}
	if got["Pack/Extras.mkv"] != models.RenameFailed {
		t.Errorf("Extras = %s, want failed", got["Pack/Extras.mkv"])
	}
	if n := torrent.Count("rename", "h1"); n != 1 {
		t.Errorf("rename calls = %d, want 1", n)
	}

	stored, err := db.GetMediaItem("1:h1")
	if err != nil {
		t.Fatalf("GetMediaItem() error = %v", err)
	}
	if stored.FinalFilename != "Pack/Show - S01E02.mkv" {
		t.Errorf("FinalFilename = %q", stored.FinalFilename)
	}
}

func TestRenameTorrentFilesTargetTaken(t *testing.T) {
	c, _, torrent := newTestRenamer(t)
	series := &models.Series{ID: 1, Title: "Show", Season: 1}

	torrent.Put(ports.TorrentInfo{Hash: "h1"},
		ports.TorrentFile{Name: "Show - S01E02.mkv"},
		ports.TorrentFile{Name: "Show.S01E02.REPACK.mkv"},
	)

	outcomes, err := c.RenameTorrentFiles(context.Background(), series, "h1")
	if err != nil {
		t.Fatalf("RenameTorrentFiles() error = %v", err)
	}
	got := results(outcomes)
	if got["Show.S01E02.REPACK.mkv"] != models.RenameFailed {
		t.Errorf("REPACK = %s, want failed on an existing target", got["Show.S01E02.REPACK.mkv"])
	}
	if torrent.Count("rename", "h1") != 0 {
		t.Error("client asked to overwrite an existing file")
	}
}

func TestRenameSeriesTorrentsRecordsClientErrors(t *testing.T) {
	c, db, _ := newTestRenamer(t)
	series := &models.Series{ID: 1, Title: "Show", Season: 1}

	// completed but gone from the client
	if _, err := db.UpsertMediaItem(&models.MediaItem{UniqueID: "a", SeriesID: 1, Season: 1, EpisodeStart: 1, TorrentHash: "gone", Status: models.MediaCompleted}); err != nil {
		t.Fatalf("UpsertMediaItem() error = %v", err)
	}

	outcomes, err := c.RenameSeriesTorrents(context.Background(), series)
	if err != nil {
		t.Fatalf("RenameSeriesTorrents() error = %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Item != "gone" || outcomes[0].Result != models.RenameFailed {
		t.Errorf("outcomes = %+v, want one failure for the missing torrent", outcomes)
	}
}

func TestRenameLocalFiles(t *testing.T) {
	c, db, _ := newTestRenamer(t)
	dir := t.TempDir()
	series := &models.Series{ID: 1, Title: "Show", Season: 1, SavePath: dir}

	if err := os.WriteFile(filepath.Join(dir, "show.e04.mp4"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	items := []*models.MediaItem{
		{UniqueID: "a", SeriesID: 1, Season: 1, EpisodeStart: 4, Status: models.MediaCompleted, FinalFilename: "show.e04.mp4"},
		{UniqueID: "b", SeriesID: 1, Season: 1, EpisodeStart: 5, Status: models.MediaCompleted, FinalFilename: "show.e05.mp4"},
		{UniqueID: "c", SeriesID: 1, Season: 1, EpisodeStart: 6, Status: models.MediaPending},
	}
	for _, item := range items {
		if _, err := db.UpsertMediaItem(item); err != nil {
			t.Fatalf("UpsertMediaItem() error = %v", err)
		}
	}

	outcomes, err := c.RenameLocalFiles(context.Background(), series)
	if err != nil {
		t.Fatalf("RenameLocalFiles() error = %v", err)
	}
	got := results(outcomes)
	if len(got) != 2 {
		t.Fatalf("outcomes = %v, want the two completed items", got)
	}
	if got["show.e04.mp4"] != models.RenameRenamed {
		t.Errorf("e04 = %s, want renamed", got["show.e04.mp4"])
	}
	if got["show.e05.mp4"] != models.RenameFailed {
		t.Errorf("e05 = %s, want failed (missing source)", got["show.e05.mp4"])
	}

	if _, err := os.Stat(filepath.Join(dir, "Show - S01E04.mp4")); err != nil {
		t.Errorf("renamed file missing: %v", err)
	}
	stored, _ := db.GetMediaItem("a")
	if stored.FinalFilename != "Show - S01E04.mp4" {
		t.Errorf("FinalFilename = %q", stored.FinalFilename)
	}
}

func TestRenameLocalFilesStopsOnCancel(t *testing.T) {
	c, db, _ := newTestRenamer(t)
	series := &models.Series{ID: 1, Title: "Show", Season: 1, SavePath: t.TempDir()}
	if _, err := db.UpsertMediaItem(&models.MediaItem{UniqueID: "a", SeriesID: 1, Season: 1, EpisodeStart: 1, Status: models.MediaCompleted, FinalFilename: "a.mkv"}); err != nil {
		t.Fatalf("UpsertMediaItem() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.RenameLocalFiles(ctx, series); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
