package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
	"github.com/amaumene/episodarr/internal/scheduler"
)

// ScanTrigger starts scan passes on demand
type ScanTrigger interface {
	Trigger() bool
	State() scheduler.State
}

// RenameQueue accepts bulk rename requests
type RenameQueue interface {
	Enqueue(seriesID uint64, taskType models.RenameType) (*models.RenameTask, bool, error)
}

// ViewingTracker records viewing heartbeats
type ViewingTracker interface {
	Touch(seriesID uint64) error
}

// ActionsHandler serves the routes that trigger work
type ActionsHandler struct {
	db      ports.TaskStore
	scans   ScanTrigger
	renames RenameQueue
	viewing ViewingTracker
	logger  *logrus.Logger
}

// NewActionsHandler creates a new actions handler
func NewActionsHandler(db ports.TaskStore, scans ScanTrigger, renames RenameQueue, viewing ViewingTracker, logger *logrus.Logger) *ActionsHandler {
	return &ActionsHandler{
		db:      db,
		scans:   scans,
		renames: renames,
		viewing: viewing,
		logger:  logger,
	}
}

// Scan handles POST /api/scan
func (h *ActionsHandler) Scan(w http.ResponseWriter, r *http.Request) {
	if !h.scans.Trigger() {
		writeJSON(w, http.StatusConflict, map[string]string{
			"status": "busy",
			"state":  string(h.scans.State()),
		})
		return
	}
	h.logger.Info("Scan requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// Viewing handles POST /api/series/{id}/viewing
func (h *ActionsHandler) Viewing(w http.ResponseWriter, r *http.Request) {
	series, ok := h.series(w, r)
	if !ok {
		return
	}
	if err := h.viewing.Touch(series.ID); err != nil {
		h.logger.WithError(err).WithField("series_id", series.ID).Error("Failed to record viewing")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Rename handles POST /api/series/{id}/rename
func (h *ActionsHandler) Rename(w http.ResponseWriter, r *http.Request) {
	series, ok := h.series(w, r)
	if !ok {
		return
	}

	taskType := models.RenameTorrentFiles
	if series.Source == models.SourceVideo {
		taskType = models.RenameLocalFiles
	}
	task, created, err := h.renames.Enqueue(series.ID, taskType)
	if err != nil {
		h.logger.WithError(err).WithField("series_id", series.ID).Error("Failed to queue rename")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id": task.ID,
		"type":    task.TaskType,
		"created": created,
	})
}

func (h *ActionsHandler) series(w http.ResponseWriter, r *http.Request) (*models.Series, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid series id", http.StatusBadRequest)
		return nil, false
	}
	series, err := h.db.GetSeries(id)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "Series not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.logger.WithError(err).WithField("series_id", id).Error("Failed to get series")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}
	return series, true
}
