package handlers

import (
	"net/http"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
)

// StatusHandler handles status requests
type StatusHandler struct {
	db     ports.TaskStore
	scans  ScanTrigger
	logger *logrus.Logger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(db ports.TaskStore, scans ScanTrigger, logger *logrus.Logger) *StatusHandler {
	return &StatusHandler{
		db:     db,
		scans:  scans,
		logger: logger,
	}
}

// SeriesStatus is the status of one series
type SeriesStatus struct {
	ID     uint64                     `json:"id"`
	Title  string                     `json:"title"`
	Source models.SeriesSource        `json:"source"`
	Status string                     `json:"status"`
	Flags  *models.SeriesStatusFlags  `json:"flags"`
	Items  map[models.MediaStatus]int `json:"items"`
}

// StatusResponse represents the status response
type StatusResponse struct {
	Scan         string         `json:"scan"`
	Series       []SeriesStatus `json:"series"`
	Acquisitions int            `json:"acquisitions"`
	Downloads    map[string]int `json:"downloads"`
	Slices       map[string]int `json:"slices"`
	Renames      int            `json:"renames"`
}

// ServeHTTP handles the status endpoint
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response, err := h.build()
	if err != nil {
		h.logger.WithError(err).Error("Failed to build status")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *StatusHandler) build() (*StatusResponse, error) {
	series, err := h.db.ListSeries()
	if err != nil {
		return nil, err
	}
	flags, err := h.db.ListStatusFlags()
	if err != nil {
		return nil, err
	}
	byID := make(map[uint64]*models.SeriesStatusFlags, len(flags))
	for _, f := range flags {
		byID[f.SeriesID] = f
	}

	response := &StatusResponse{
		Scan:      string(h.scans.State()),
		Series:    make([]SeriesStatus, 0, len(series)),
		Downloads: make(map[string]int),
		Slices:    make(map[string]int),
	}

	sort.Slice(series, func(i, j int) bool { return series[i].ID < series[j].ID })
	for _, s := range series {
		f, ok := byID[s.ID]
		if !ok {
			f = &models.SeriesStatusFlags{SeriesID: s.ID, IsWaiting: true, Status: string(models.FlagWaiting)}
		}
		items, err := h.db.ListMediaItems(s.ID)
		if err != nil {
			return nil, err
		}
		counts := make(map[models.MediaStatus]int)
		for _, item := range items {
			if !item.IsIgnoredByUser {
				counts[item.Status]++
			}
		}
		response.Series = append(response.Series, SeriesStatus{
			ID:     s.ID,
			Title:  s.Title,
			Source: s.Source,
			Status: f.Status,
			Flags:  f,
			Items:  counts,
		})
	}

	acquisitions, err := h.db.ListAcquisitionTasks()
	if err != nil {
		return nil, err
	}
	response.Acquisitions = len(acquisitions)

	downloads, err := h.db.ListDownloadTasks()
	if err != nil {
		return nil, err
	}
	for _, t := range downloads {
		response.Downloads[string(t.Status)]++
	}

	slices, err := h.db.ListSliceTasks()
	if err != nil {
		return nil, err
	}
	for _, t := range slices {
		response.Slices[string(t.Status)]++
	}

	renames, err := h.db.ListPendingRenameTasks()
	if err != nil {
		return nil, err
	}
	response.Renames = len(renames)

	return response, nil
}
