package workers

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/metrics"
	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
)

// RenameWorker drains the bulk rename queue whenever it is woken
type RenameWorker struct {
	db          ports.TaskStore
	renamer     Renamer
	status      ports.StatusReporter
	broadcaster ports.Broadcaster
	metrics     *metrics.Metrics
	logger      *logrus.Logger
	wake        *waker
}

// NewRenameWorker creates a new rename worker
func NewRenameWorker(
	db ports.TaskStore,
	renamer Renamer,
	status ports.StatusReporter,
	broadcaster ports.Broadcaster,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *RenameWorker {
	return &RenameWorker{
		db:          db,
		renamer:     renamer,
		status:      status,
		broadcaster: broadcaster,
		metrics:     m,
		logger:      logger,
		wake:        newWaker(),
	}
}

// Enqueue returns the active task of the given type for a series, creating it when needed,
// and wakes the worker
func (w *RenameWorker) Enqueue(seriesID uint64, taskType models.RenameType) (*models.RenameTask, bool, error) {
	task, created, err := w.db.GetOrCreateRenameTask(seriesID, taskType)
	if err != nil {
		return nil, false, fmt.Errorf("failed to queue rename: %w", err)
	}
	w.logger.WithFields(logrus.Fields{
		"series_id": seriesID,
		"type":      taskType,
		"task_id":   task.ID,
		"created":   created,
	}).Info("Rename requested")
	w.wake.Wake()
	return task, created, nil
}

// Trigger wakes the worker
func (w *RenameWorker) Trigger() {
	w.wake.Wake()
}

// Snapshot returns the pending tasks
func (w *RenameWorker) Snapshot() ([]*models.RenameTask, error) {
	return w.db.ListPendingRenameTasks()
}

// Clear drops every pending task
func (w *RenameWorker) Clear() error {
	if err := w.db.DeletePendingRenameTasks(); err != nil {
		return fmt.Errorf("failed to clear rename queue: %w", err)
	}
	w.logger.Info("Rename queue cleared")
	return nil
}

// Run requeues interrupted tasks and drains the queue on every wake until ctx is done
func (w *RenameWorker) Run(ctx context.Context) {
	w.logger.Info("Rename worker started")
	defer w.logger.Info("Rename worker stopped")

	if n, err := w.db.ResetRenameTasks(); err != nil {
		w.logger.WithError(err).Error("Failed to reset interrupted rename tasks")
	} else if n > 0 {
		w.logger.WithField("count", n).Info("Interrupted rename tasks requeued")
		w.wake.Wake()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake.C():
			w.Drain(ctx)
		}
	}
}

// Drain runs every pending task once and broadcasts one completion event per series
func (w *RenameWorker) Drain(ctx context.Context) {
	tasks, err := w.db.ListPendingRenameTasks()
	if err != nil {
		w.logger.WithError(err).Error("Failed to list rename tasks")
		return
	}

	done := make(map[uint64][]*models.RenameTask)
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		claimed, err := w.db.ClaimRenameTask(task.ID)
		if err != nil {
			w.logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to claim rename task")
			continue
		}
		if !claimed {
			continue
		}
		task.Status = models.RenameInProgress
		if w.process(ctx, task) {
			done[task.SeriesID] = append(done[task.SeriesID], task)
		}
	}

	seriesIDs := make([]uint64, 0, len(done))
	for id := range done {
		seriesIDs = append(seriesIDs, id)
	}
	sort.Slice(seriesIDs, func(i, j int) bool { return seriesIDs[i] < seriesIDs[j] })
	for _, id := range seriesIDs {
		summary := make(map[models.RenameResult]int)
		types := make([]models.RenameType, 0, len(done[id]))
		for _, task := range done[id] {
			types = append(types, task.TaskType)
			for _, o := range task.Outcomes {
				summary[o.Result]++
			}
		}
		w.broadcaster.Publish(ports.EventRenameCompleted, map[string]interface{}{
			"series_id": id,
			"types":     types,
			"renamed":   summary[models.RenameRenamed],
			"skipped":   summary[models.RenameSkipped],
			"errors":    summary[models.RenameFailed],
		})
	}
}

// process runs one claimed task; it reports whether the task reached completed
func (w *RenameWorker) process(ctx context.Context, task *models.RenameTask) bool {
	if err := w.status.SetStatus(task.SeriesID, models.FlagRenaming, true); err != nil {
		w.logger.WithError(err).Warn("Failed to raise renaming flag")
	}
	defer func() {
		if err := w.status.SetStatus(task.SeriesID, models.FlagRenaming, false); err != nil {
			w.logger.WithError(err).Warn("Failed to clear renaming flag")
		}
	}()

	outcomes, err := w.guardedRename(ctx, task)
	if err != nil && ctx.Err() != nil {
		// interrupted, requeued on restart
		return false
	}
	if err != nil {
		w.logger.WithFields(logrus.Fields{
			"task_id":   task.ID,
			"series_id": task.SeriesID,
		}).WithError(err).Error("Rename task failed")
		outcomes = append(outcomes, models.RenameOutcome{
			Item:   fmt.Sprintf("series:%d", task.SeriesID),
			Result: models.RenameFailed,
			Error:  err.Error(),
		})
		flagError(w.status, w.logger, task.SeriesID)
		w.broadcaster.Publish(ports.EventTaskError, map[string]interface{}{
			"component": "rename",
			"series_id": task.SeriesID,
			"task_id":   task.ID,
			"error":     err.Error(),
		})
	}

	for _, o := range outcomes {
		w.metrics.RenameOutcomes.WithLabelValues(string(o.Result)).Inc()
	}
	task.Outcomes = outcomes
	task.Status = models.RenameCompleted
	if err := w.db.UpdateRenameTask(task); err != nil {
		w.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to complete rename task")
		return false
	}
	return true
}

func (w *RenameWorker) guardedRename(ctx context.Context, task *models.RenameTask) (outcomes []models.RenameOutcome, err error) {
	defer recoverTask(w.logger, "rename", &err)

	series, err := w.db.GetSeries(task.SeriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to get series: %w", err)
	}
	switch task.TaskType {
	case models.RenameTorrentFiles:
		return w.renamer.RenameSeriesTorrents(ctx, series)
	case models.RenameLocalFiles:
		return w.renamer.RenameLocalFiles(ctx, series)
	}
	return nil, models.NewBusinessError("rename", "unknown task type %q", task.TaskType)
}
