package workers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/metrics"
	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
	"github.com/amaumene/episodarr/internal/utils"
)

// SliceWorker extracts the chapters of downloaded compilations into single episodes, one
// task at a time
type SliceWorker struct {
	db           ports.TaskStore
	transcoder   ports.Transcoder
	status       ports.StatusReporter
	broadcaster  ports.Broadcaster
	metrics      *metrics.Metrics
	deleteSource bool
	logger       *logrus.Logger

	idle time.Duration
	wake *waker

	mu      sync.Mutex
	current *models.SliceTask
}

// NewSliceWorker creates a new slice worker
func NewSliceWorker(
	db ports.TaskStore,
	transcoder ports.Transcoder,
	status ports.StatusReporter,
	broadcaster ports.Broadcaster,
	deleteSource bool,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *SliceWorker {
	return &SliceWorker{
		db:           db,
		transcoder:   transcoder,
		status:       status,
		broadcaster:  broadcaster,
		metrics:      m,
		deleteSource: deleteSource,
		logger:       logger,
		idle:         time.Minute,
		wake:         newWaker(),
	}
}

// Enqueue queues the extraction of a compilation
func (w *SliceWorker) Enqueue(item *models.MediaItem) (*models.SliceTask, error) {
	if !item.IsCompilation() {
		return nil, models.NewBusinessError("enqueue slice", "media item %s is not a compilation", item.UniqueID)
	}
	task := &models.SliceTask{
		MediaItemID: item.UniqueID,
		SeriesID:    item.SeriesID,
		Status:      models.SliceQueued,
	}
	if err := w.db.CreateSliceTask(task); err != nil {
		return nil, fmt.Errorf("failed to create slice task for %s: %w", item.UniqueID, err)
	}

	item.SlicingStatus = models.SlicingQueued
	if err := w.db.UpdateMediaItem(item); err != nil {
		return task, fmt.Errorf("failed to mark media item queued: %w", err)
	}
	w.syncFlags(item.SeriesID)

	w.logger.WithFields(logrus.Fields{
		"task_id":    task.ID,
		"media_item": item.UniqueID,
	}).Info("Slice queued")

	w.wake.Wake()
	return task, nil
}

// Trigger wakes the worker
func (w *SliceWorker) Trigger() {
	w.wake.Wake()
}

// Snapshot returns every slice task and the one being processed, if any
func (w *SliceWorker) Snapshot() ([]*models.SliceTask, *models.SliceTask, error) {
	tasks, err := w.db.ListSliceTasks()
	if err != nil {
		return nil, nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return tasks, nil, nil
	}
	cp := *w.current
	return tasks, &cp, nil
}

// Clear drops every queued task
func (w *SliceWorker) Clear() error {
	if err := w.db.DeleteQueuedSliceTasks(); err != nil {
		return fmt.Errorf("failed to clear slice queue: %w", err)
	}
	w.logger.Info("Slice queue cleared")
	return nil
}

// Run resets interrupted tasks, then drains the queue on every wake until ctx is done
func (w *SliceWorker) Run(ctx context.Context) {
	w.logger.Info("Slice worker started")
	defer w.logger.Info("Slice worker stopped")

	if n, err := w.db.ResetSlicingTasks(); err != nil {
		w.logger.WithError(err).Error("Failed to reset interrupted slice tasks")
	} else if n > 0 {
		w.logger.WithField("count", n).Info("Interrupted slice tasks requeued")
	}

	for {
		w.Drain(ctx)
		if !w.wake.sleep(ctx, w.idle) {
			return
		}
	}
}

// Drain processes queued tasks one after the other until none is left
func (w *SliceWorker) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		task, err := w.db.NextQueuedSliceTask()
		if errors.Is(err, models.ErrNotFound) {
			return
		}
		if err != nil {
			w.logger.WithError(err).Error("Failed to fetch next slice task")
			return
		}
		w.process(ctx, task)
	}
}

// process runs one task; a failure marks it error, an interruption leaves it slicing
func (w *SliceWorker) process(ctx context.Context, task *models.SliceTask) {
	w.mu.Lock()
	w.current = task
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.current = nil
		w.mu.Unlock()
		w.syncFlags(task.SeriesID)
	}()

	err := w.guardedSlice(ctx, task)
	switch {
	case err == nil:
		w.metrics.SliceTasksTotal.WithLabelValues("completed").Inc()
	case ctx.Err() != nil && !errors.Is(err, errUnexpected):
		w.logger.WithField("task_id", task.ID).Info("Slice interrupted, will resume on restart")
	default:
		w.fail(task, err)
	}
}

func (w *SliceWorker) guardedSlice(ctx context.Context, task *models.SliceTask) (err error) {
	defer recoverTask(w.logger, "slice", &err)
	return w.slice(ctx, task)
}

func (w *SliceWorker) slice(ctx context.Context, task *models.SliceTask) error {
	item, err := w.db.GetMediaItem(task.MediaItemID)
	if err != nil {
		return fmt.Errorf("failed to get media item %s: %w", task.MediaItemID, err)
	}
	series, err := w.db.GetSeries(task.SeriesID)
	if err != nil {
		return fmt.Errorf("failed to get series: %w", err)
	}
	if item.FinalFilename == "" {
		return models.NewBusinessError("slice", "media item %s has no downloaded file", item.UniqueID)
	}
	source := filepath.Join(series.SavePath, item.FinalFilename)
	if _, err := os.Stat(source); err != nil {
		return models.NewBusinessError("slice", "source %s is missing", source)
	}

	chapters, err := w.transcoder.Chapters(ctx, source)
	if err != nil {
		return fmt.Errorf("failed to read chapters: %w", err)
	}
	if len(chapters) != item.Span() {
		return models.NewBusinessError("slice", "%s has %d chapters for %d episodes", item.FinalFilename, len(chapters), item.Span())
	}

	task.Status = models.SliceSlicing
	task.LastError = ""
	if task.ProgressChapters == nil {
		w.seed(series, item, task, source)
	}
	if err := w.db.UpdateSliceTask(task); err != nil {
		return fmt.Errorf("failed to persist slice task: %w", err)
	}
	item.SlicingStatus = models.SlicingActive
	if err := w.db.UpdateMediaItem(item); err != nil {
		return fmt.Errorf("failed to mark media item slicing: %w", err)
	}
	w.syncFlags(series.ID)

	log := w.logger.WithFields(logrus.Fields{
		"task_id":    task.ID,
		"media_item": item.UniqueID,
		"source":     item.FinalFilename,
	})
	remaining := task.Remaining()
	log.WithField("remaining", len(remaining)).Info("Slicing compilation")

	for _, ep := range remaining {
		idx := ep - item.EpisodeStart
		chapter := chapters[idx]
		duration := chapter.End - chapter.Start
		if idx == len(chapters)-1 {
			duration = 0
		}

		name := episodeOutput(series, item, ep, source)
		if err := w.transcoder.Extract(ctx, source, chapter.Start, duration, filepath.Join(series.SavePath, name)); err != nil {
			return fmt.Errorf("failed to extract episode %d: %w", ep, err)
		}

		task.ProgressChapters[ep] = models.ChapterCompleted
		if err := w.db.UpdateSliceTask(task); err != nil {
			return fmt.Errorf("failed to persist slice progress: %w", err)
		}
		if err := w.register(series, item, ep, name); err != nil {
			return err
		}
		w.metrics.SlicedChapters.Inc()
		w.broadcaster.Publish(ports.EventSliceProgress, map[string]interface{}{
			"task_id":    task.ID,
			"series_id":  series.ID,
			"media_item": item.UniqueID,
			"episode":    ep,
			"completed":  len(task.ProgressChapters) - len(task.Remaining()),
			"total":      len(task.ProgressChapters),
		})
	}

	task.Status = models.SliceCompleted
	if err := w.db.UpdateSliceTask(task); err != nil {
		return fmt.Errorf("failed to complete slice task: %w", err)
	}
	item.SlicingStatus = models.SlicingCompleted
	item.Status = models.MediaCompleted
	item.IsIgnoredByUser = true
	if err := w.db.UpdateMediaItem(item); err != nil {
		return fmt.Errorf("failed to complete media item: %w", err)
	}

	if w.deleteSource {
		if err := os.Remove(source); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("Failed to delete sliced source")
		}
	}
	log.Info("Compilation sliced")
	return nil
}

// seed builds the progress map of a first run, adopting episodes already on disk
func (w *SliceWorker) seed(series *models.Series, item *models.MediaItem, task *models.SliceTask, source string) {
	task.ProgressChapters = make(map[int]models.ChapterState, item.Span())
	adopted := 0
	for ep := item.EpisodeStart; ep <= item.LastEpisode(); ep++ {
		task.ProgressChapters[ep] = models.ChapterPending
		name := episodeOutput(series, item, ep, source)
		if _, err := os.Stat(filepath.Join(series.SavePath, name)); err != nil {
			continue
		}
		if err := w.register(series, item, ep, name); err != nil {
			w.logger.WithError(err).Warn("Failed to adopt existing episode")
			continue
		}
		task.ProgressChapters[ep] = models.ChapterCompleted
		adopted++
	}
	if adopted > 0 {
		w.logger.WithFields(logrus.Fields{
			"task_id": task.ID,
			"adopted": adopted,
		}).Info("Adopted episodes already on disk")
	}
}

// register records an extracted episode as a completed single
func (w *SliceWorker) register(series *models.Series, item *models.MediaItem, ep int, name string) error {
	single := &models.MediaItem{
		UniqueID:      models.EpisodeUniqueID(series.ID, item.Season, ep),
		SeriesID:      series.ID,
		Title:         fmt.Sprintf("%s S%02dE%02d", series.Title, item.Season, ep),
		Season:        item.Season,
		EpisodeStart:  ep,
		Resolution:    item.Resolution,
		PlanStatus:    models.PlanInPlanSingle,
		Status:        models.MediaCompleted,
		FinalFilename: name,
	}
	if _, err := w.db.UpsertMediaItem(single); err != nil {
		return fmt.Errorf("failed to register episode %d: %w", ep, err)
	}
	return nil
}

func (w *SliceWorker) fail(task *models.SliceTask, cause error) {
	w.logger.WithFields(logrus.Fields{
		"task_id":    task.ID,
		"media_item": task.MediaItemID,
	}).WithError(cause).Error("Slicing failed")

	task.Status = models.SliceError
	task.LastError = cause.Error()
	if err := w.db.UpdateSliceTask(task); err != nil {
		w.logger.WithError(err).Warn("Failed to record slice error")
	}
	if item, err := w.db.GetMediaItem(task.MediaItemID); err == nil {
		item.SlicingStatus = models.SlicingError
		if err := w.db.UpdateMediaItem(item); err != nil {
			w.logger.WithError(err).Warn("Failed to mark media item slicing error")
		}
	}
	if errors.Is(cause, errUnexpected) {
		flagError(w.status, w.logger, task.SeriesID)
	}
	w.metrics.SliceTasksTotal.WithLabelValues("error").Inc()
	w.broadcaster.Publish(ports.EventTaskError, map[string]interface{}{
		"component":  "slice",
		"series_id":  task.SeriesID,
		"task_id":    task.ID,
		"media_item": task.MediaItemID,
		"error":      cause.Error(),
	})
}

func (w *SliceWorker) syncFlags(seriesID uint64) {
	items, err := w.db.ListMediaItems(seriesID)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to list media items")
		return
	}
	if err := w.status.SyncMediaStates(seriesID, items); err != nil {
		w.logger.WithError(err).Warn("Failed to sync media flags")
	}
}

// episodeOutput is the file name of one extracted episode, relative to the series save path
func episodeOutput(series *models.Series, item *models.MediaItem, ep int, source string) string {
	return utils.EpisodeFilename(series.Title, item.Season, ep, filepath.Ext(source))
}
