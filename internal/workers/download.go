package workers

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/metrics"
	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
	"github.com/amaumene/episodarr/internal/utils"
)

// LiveSettings are the hot-reloadable values the download pool reads every tick
type LiveSettings interface {
	DownloadWorkers() int
	ProgressInterval() time.Duration
}

// generation is one set of workers sharing a job channel
type generation struct {
	size int
	jobs chan *models.DownloadTask
}

// DownloadPool runs web video downloads with bounded, reconfigurable concurrency
type DownloadPool struct {
	db          ports.TaskStore
	downloader  ports.Downloader
	status      ports.StatusReporter
	broadcaster ports.Broadcaster
	settings    LiveSettings
	metrics     *metrics.Metrics
	logger      *logrus.Logger

	tick       time.Duration
	wake       *waker
	wg         sync.WaitGroup
	finalizeMu sync.Mutex // orders flag reconciliation between workers

	mu     sync.Mutex
	active map[uint64]*models.DownloadTask
	gen    *generation
}

// NewDownloadPool creates a new download pool
func NewDownloadPool(
	db ports.TaskStore,
	downloader ports.Downloader,
	status ports.StatusReporter,
	broadcaster ports.Broadcaster,
	settings LiveSettings,
	tick time.Duration,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *DownloadPool {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	return &DownloadPool{
		db:          db,
		downloader:  downloader,
		status:      status,
		broadcaster: broadcaster,
		settings:    settings,
		metrics:     m,
		logger:      logger,
		tick:        tick,
		wake:        newWaker(),
		active:      make(map[uint64]*models.DownloadTask),
	}
}

// Enqueue creates the download task of a planned media item
func (p *DownloadPool) Enqueue(series *models.Series, item *models.MediaItem) (*models.DownloadTask, error) {
	if item.VideoURL == "" {
		return nil, models.NewBusinessError("enqueue download", "media item %s has no video url", item.UniqueID)
	}
	task := &models.DownloadTask{
		TaskKey:  item.UniqueID,
		SeriesID: series.ID,
		VideoURL: item.VideoURL,
		SavePath: series.SavePath,
		Status:   models.DownloadPending,
		ETA:      -1,
	}
	if err := p.db.CreateDownloadTask(task); err != nil {
		return nil, fmt.Errorf("failed to create download task for %s: %w", item.UniqueID, err)
	}

	p.logger.WithFields(logrus.Fields{
		"series_id":  series.ID,
		"media_item": item.UniqueID,
		"task_id":    task.ID,
	}).Info("Download queued")

	p.wake.Wake()
	return task, nil
}

// Trigger wakes the pool before its next tick
func (p *DownloadPool) Trigger() {
	p.wake.Wake()
}

// Snapshot returns every download task, oldest first
func (p *DownloadPool) Snapshot() ([]*models.DownloadTask, error) {
	return p.db.ListDownloadTasks()
}

// Clear drops every task that is not downloading
func (p *DownloadPool) Clear() error {
	if err := p.db.DeleteAllDownloadTasks(); err != nil {
		return fmt.Errorf("failed to clear download queue: %w", err)
	}
	p.logger.Info("Download queue cleared")
	return nil
}

// Active returns how many downloads are queued to or running on a worker
func (p *DownloadPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Run resets interrupted tasks, then fills free worker slots every tick until ctx is done.
// In-flight downloads are cancelled with ctx and awaited before Run returns.
func (p *DownloadPool) Run(ctx context.Context) {
	p.logger.Info("Download pool started")

	if n, err := p.db.ResetDownloadTasks(); err != nil {
		p.logger.WithError(err).Error("Failed to reset interrupted downloads")
	} else if n > 0 {
		p.logger.WithField("count", n).Info("Interrupted downloads reset to pending")
	}

	for {
		p.fill(ctx)
		if !p.wake.sleep(ctx, p.tick) {
			break
		}
	}

	p.mu.Lock()
	if p.gen != nil {
		close(p.gen.jobs)
		p.gen = nil
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("Download pool stopped")
}

// fill runs one tick: resize the pool if needed, then hand the oldest pending tasks to the
// free slots
func (p *DownloadPool) fill(ctx context.Context) {
	limit := p.settings.DownloadWorkers()
	if limit < 1 {
		limit = 1
	}
	gen := p.resize(ctx, limit)

	p.publishSnapshot()

	free := limit - p.Active()
	if free <= 0 {
		return
	}
	tasks, err := p.db.OldestPendingDownloadTasks(free)
	if err != nil {
		p.logger.WithError(err).Error("Failed to fetch pending downloads")
		return
	}

	for _, task := range tasks {
		task.Status = models.DownloadDownloading
		task.Attempts++
		if err := p.db.UpdateDownloadTask(task); err != nil {
			p.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to claim download")
			continue
		}
		p.mu.Lock()
		p.active[task.ID] = task
		p.metrics.DownloadsActive.Set(float64(len(p.active)))
		p.mu.Unlock()

		select {
		case gen.jobs <- task:
		case <-ctx.Done():
			return
		}
	}
}

// resize starts a new generation when the configured size changed; the previous one
// drains its in-flight items and exits
func (p *DownloadPool) resize(ctx context.Context, limit int) *generation {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != nil && p.gen.size == limit {
		return p.gen
	}
	if p.gen != nil {
		close(p.gen.jobs)
		p.logger.WithFields(logrus.Fields{
			"from": p.gen.size,
			"to":   limit,
		}).Info("Download worker count changed, rebuilding pool")
	}

	gen := &generation{size: limit, jobs: make(chan *models.DownloadTask, limit)}
	for i := 0; i < limit; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range gen.jobs {
				p.process(ctx, task)
			}
		}()
	}
	p.gen = gen
	p.metrics.DownloadWorkers.Set(float64(limit))
	return gen
}

// process downloads one task; the deferred finalizer always reconciles the series flags
func (p *DownloadPool) process(ctx context.Context, task *models.DownloadTask) {
	defer func() {
		p.mu.Lock()
		delete(p.active, task.ID)
		p.metrics.DownloadsActive.Set(float64(len(p.active)))
		p.mu.Unlock()
		p.finalize(task.SeriesID)
	}()

	if err := p.status.SetStatus(task.SeriesID, models.FlagDownloading, true); err != nil {
		p.logger.WithError(err).Warn("Failed to raise downloading flag")
	}

	err := p.guardedDownload(ctx, task)
	switch {
	case err == nil:
		p.metrics.DownloadsTotal.WithLabelValues("success").Inc()
	case ctx.Err() != nil && !errors.Is(err, errUnexpected):
		// interrupted by shutdown, reset on next start
	default:
		p.fail(task, err, errors.Is(err, errUnexpected))
	}
}

func (p *DownloadPool) guardedDownload(ctx context.Context, task *models.DownloadTask) (err error) {
	defer recoverTask(p.logger, "download", &err)
	return p.download(ctx, task)
}

func (p *DownloadPool) download(ctx context.Context, task *models.DownloadTask) error {
	item, err := p.db.GetMediaItem(task.TaskKey)
	if err != nil {
		return fmt.Errorf("failed to get media item %s: %w", task.TaskKey, err)
	}
	series, err := p.db.GetSeries(task.SeriesID)
	if err != nil {
		return fmt.Errorf("failed to get series: %w", err)
	}

	item.Status = models.MediaDownloading
	if err := p.db.UpdateMediaItem(item); err != nil {
		return fmt.Errorf("failed to mark media item downloading: %w", err)
	}

	name := outputName(series, item, task.VideoURL)
	destination := filepath.Join(task.SavePath, name)

	log := p.logger.WithFields(logrus.Fields{
		"task_id":     task.ID,
		"media_item":  item.UniqueID,
		"destination": destination,
	})
	log.Info("Download started")

	reporter := p.progressReporter(task)
	started := time.Now()
	if err := p.downloader.Download(ctx, task.VideoURL, destination, reporter); err != nil {
		return err
	}
	reporter(ports.Progress{Downloaded: 1, Total: 1})

	item.Status = models.MediaCompleted
	item.FinalFilename = name
	if err := p.db.UpdateMediaItem(item); err != nil {
		return fmt.Errorf("failed to mark media item completed: %w", err)
	}
	if err := p.db.DeleteDownloadTask(task.ID); err != nil {
		return fmt.Errorf("failed to delete download task: %w", err)
	}

	log.WithField("elapsed", humanize.RelTime(started, time.Now(), "", "")).Info("Download completed")
	return nil
}

// progressReporter throttles progress writes to one per interval, always flushing 100%
func (p *DownloadPool) progressReporter(task *models.DownloadTask) ports.ProgressFunc {
	var last time.Time
	done := false
	return func(pr ports.Progress) {
		percent := pr.Percent()
		if done {
			return
		}
		complete := percent >= 100
		if !complete && time.Since(last) < p.settings.ProgressInterval() {
			return
		}
		last = time.Now()
		done = complete

		task.Progress = percent
		task.DLSpeed = pr.Speed
		task.ETA = pr.ETA()
		if complete {
			task.ETA = 0
		}
		if err := p.db.UpdateDownloadTask(task); err != nil {
			p.logger.WithError(err).WithField("task_id", task.ID).Debug("Failed to store download progress")
		}
		p.broadcaster.Publish(ports.EventDownloadProgress, map[string]interface{}{
			"task_id":   task.ID,
			"series_id": task.SeriesID,
			"task_key":  task.TaskKey,
			"progress":  task.Progress,
			"dlspeed":   task.DLSpeed,
			"eta":       task.ETA,
		})
		p.logger.WithFields(logrus.Fields{
			"task_id":  task.ID,
			"progress": fmt.Sprintf("%.1f%%", percent),
			"speed":    humanize.Bytes(uint64(pr.Speed)) + "/s",
		}).Debug("Download progress")
	}
}

// fail records a failed download on its task and media item
func (p *DownloadPool) fail(task *models.DownloadTask, cause error, unexpected bool) {
	p.logger.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"attempts": task.Attempts,
	}).WithError(cause).Error("Download failed")

	task.Status = models.DownloadError
	task.LastError = cause.Error()
	if err := p.db.UpdateDownloadTask(task); err != nil && !errors.Is(err, models.ErrNotFound) {
		p.logger.WithError(err).Warn("Failed to record download error")
	}
	if item, err := p.db.GetMediaItem(task.TaskKey); err == nil {
		item.Status = models.MediaError
		if err := p.db.UpdateMediaItem(item); err != nil {
			p.logger.WithError(err).Warn("Failed to mark media item as failed")
		}
	}
	if unexpected {
		flagError(p.status, p.logger, task.SeriesID)
	}
	p.metrics.DownloadsTotal.WithLabelValues("error").Inc()
	p.broadcaster.Publish(ports.EventTaskError, map[string]interface{}{
		"component": "download",
		"series_id": task.SeriesID,
		"task_id":   task.ID,
		"task_key":  task.TaskKey,
		"error":     cause.Error(),
	})
}

// finalize reconciles the downloading and ready flags of a series from the store
func (p *DownloadPool) finalize(seriesID uint64) {
	p.finalizeMu.Lock()
	defer p.finalizeMu.Unlock()

	remaining, err := p.db.ListDownloadTasksForSeries(seriesID)
	if err != nil {
		p.logger.WithError(err).WithField("series_id", seriesID).Warn("Failed to list remaining downloads")
		return
	}
	if err := p.status.SyncDownloads(seriesID, remaining); err != nil {
		p.logger.WithError(err).Warn("Failed to sync download flags")
	}
	items, err := p.db.ListMediaItems(seriesID)
	if err != nil {
		p.logger.WithError(err).Warn("Failed to list media items")
		return
	}
	if err := p.status.SyncMediaStates(seriesID, items); err != nil {
		p.logger.WithError(err).Warn("Failed to sync media flags")
	}
}

func (p *DownloadPool) publishSnapshot() {
	tasks, err := p.db.ListDownloadTasks()
	if err != nil {
		p.logger.WithError(err).Warn("Failed to list download tasks")
		return
	}
	pending := 0
	for _, t := range tasks {
		if t.Status == models.DownloadPending {
			pending++
		}
	}
	p.metrics.DownloadQueueDepth.Set(float64(pending))
	p.broadcaster.Publish(ports.EventQueueSnapshot, map[string]interface{}{
		"queue":   "download",
		"active":  p.Active(),
		"pending": pending,
		"tasks":   tasks,
	})
}

// outputName builds the file name of a downloaded episode, relative to the series save path
func outputName(series *models.Series, item *models.MediaItem, url string) string {
	ext := path.Ext(strings.SplitN(url, "?", 2)[0])
	if !utils.IsVideoFile("x" + ext) {
		ext = ".mp4"
	}
	if item.IsCompilation() {
		return utils.RangeFilename(series.Title, item.Season, item.EpisodeStart, item.LastEpisode(), ext)
	}
	return utils.EpisodeFilename(series.Title, item.Season, item.EpisodeStart, ext)
}
