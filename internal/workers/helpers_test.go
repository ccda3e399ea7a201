package workers

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/controllers"
	"github.com/amaumene/episodarr/internal/models"
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

func newTestSeries(t *testing.T, db *models.Database, source models.SeriesSource) *models.Series {
	t.Helper()
	series := &models.Series{
		Title:    "Show",
		Source:   source,
		SavePath: t.TempDir(),
		Season:   1,
		AutoScan: true,
	}
	if err := db.CreateSeries(series); err != nil {
		t.Fatalf("CreateSeries() error = %v", err)
	}
	return series
}

func newTestStatus(db *models.Database, bc *portstest.Broadcaster) *controllers.StatusAggregator {
	return controllers.NewStatusAggregator(db, bc, newTestLogger())
}

// fakeRenamer records the torrents it was asked to rename
type fakeRenamer struct {
	mu      sync.Mutex
	hashes  []string
	series  []uint64
	err     error
	outcome models.RenameResult
}

func (r *fakeRenamer) RenameTorrentFiles(ctx context.Context, series *models.Series, hash string) ([]models.RenameOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashes = append(r.hashes, hash)
	if r.err != nil {
		return nil, r.err
	}
	return []models.RenameOutcome{{Item: hash, Result: models.RenameRenamed}}, nil
}

func (r *fakeRenamer) RenameSeriesTorrents(ctx context.Context, series *models.Series) ([]models.RenameOutcome, error) {
	return r.record(series)
}

func (r *fakeRenamer) RenameLocalFiles(ctx context.Context, series *models.Series) ([]models.RenameOutcome, error) {
	return r.record(series)
}

func (r *fakeRenamer) record(series *models.Series) ([]models.RenameOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.series = append(r.series, series.ID)
	if r.err != nil {
		return nil, r.err
	}
	result := r.outcome
	if result == "" {
		result = models.RenameSkipped
	}
	return []models.RenameOutcome{{Item: series.Title, Result: result}}, nil
}

func (r *fakeRenamer) seriesCalls() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.series...)
}
