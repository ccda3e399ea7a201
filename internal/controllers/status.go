package controllers

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
)

// agentFlags are the flags owned by the acquisition agent's stage cohort. FlagChecking is
// shared with the torrent snapshot cohort and merged separately.
var agentFlags = []models.Flag{models.FlagMetadata, models.FlagRenaming, models.FlagActivating}

// StageFlag maps an acquisition stage to the status flag it raises
func StageFlag(stage models.Stage) (models.Flag, bool) {
	switch stage {
	case models.StageAwaitingMetadata, models.StagePollingForSize:
		return models.FlagMetadata, true
	case models.StageAwaitingPauseBeforeRename, models.StageRenaming:
		return models.FlagRenaming, true
	case models.StageRechecking:
		return models.FlagChecking, true
	case models.StageActivating:
		return models.FlagActivating, true
	}
	return "", false
}

// StatusAggregator stores the per-series flags and projects them into one display status
type StatusAggregator struct {
	mu          sync.Mutex
	db          ports.TaskStore
	broadcaster ports.Broadcaster
	logger      *logrus.Logger
	now         func() time.Time

	// checking as last reported by each source; the stored flag is their union
	agentChecking   map[uint64]bool
	torrentChecking map[uint64]bool
}

// NewStatusAggregator creates a new status aggregator
func NewStatusAggregator(db ports.TaskStore, broadcaster ports.Broadcaster, logger *logrus.Logger) *StatusAggregator {
	return &StatusAggregator{
		db:          db,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,

		agentChecking:   make(map[uint64]bool),
		torrentChecking: make(map[uint64]bool),
	}
}

// load returns the stored flags of a series or a fresh waiting record; callers hold mu
func (a *StatusAggregator) load(seriesID uint64) (*models.SeriesStatusFlags, error) {
	flags, err := a.db.GetStatusFlags(seriesID)
	if errors.Is(err, models.ErrNotFound) {
		flags = &models.SeriesStatusFlags{SeriesID: seriesID}
		flags.Recompute()
		return flags, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load status flags: %w", err)
	}
	return flags, nil
}

// mutate applies fn to the flags of a series, then recomputes, persists and broadcasts
// when anything changed; callers hold mu
func (a *StatusAggregator) mutate(seriesID uint64, fn func(f *models.SeriesStatusFlags)) error {
	flags, err := a.load(seriesID)
	if err != nil {
		return err
	}
	before := *flags
	fn(flags)
	flags.Recompute()
	if sameFlags(&before, flags) {
		return nil
	}

	if err := a.db.SaveStatusFlags(flags); err != nil {
		return fmt.Errorf("failed to save status flags: %w", err)
	}
	if a.broadcaster != nil {
		a.broadcaster.Publish(ports.EventSeriesStatus, flags)
	}
	if before.Status != flags.Status {
		a.logger.WithFields(logrus.Fields{
			"series_id": seriesID,
			"from":      before.Status,
			"to":        flags.Status,
		}).Debug("Series status changed")
	}
	return nil
}

func sameFlags(a, b *models.SeriesStatusFlags) bool {
	for _, flag := range models.StatusPriority {
		if a.Has(flag) != b.Has(flag) {
			return false
		}
	}
	if a.ViewingAt != nil && b.ViewingAt != nil && !a.ViewingAt.Equal(*b.ViewingAt) {
		return false
	}
	return a.Status == b.Status
}

// SetStatus sets one flag of a series
func (a *StatusAggregator) SetStatus(seriesID uint64, flag models.Flag, value bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	return a.mutate(seriesID, func(f *models.SeriesStatusFlags) {
		f.Set(flag, value, now)
	})
}

// Touch records a viewing heartbeat for a series
func (a *StatusAggregator) Touch(seriesID uint64) error {
	return a.SetStatus(seriesID, models.FlagViewing, true)
}

// SyncAgentStages replaces the agent-owned flags of every series from the current stages
// of the in-flight acquisitions. Series absent from stages have those flags cleared.
func (a *StatusAggregator) SyncAgentStages(stages map[uint64][]models.Stage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids, err := a.knownSeries(stages)
	if err != nil {
		return err
	}
	now := a.now()
	var errs []error
	for _, id := range ids {
		raised := make(map[models.Flag]bool)
		for _, stage := range stages[id] {
			if flag, ok := StageFlag(stage); ok {
				raised[flag] = true
			}
		}
		a.agentChecking[id] = raised[models.FlagChecking]
		checking := raised[models.FlagChecking] || a.torrentChecking[id]
		err := a.mutate(id, func(f *models.SeriesStatusFlags) {
			for _, flag := range agentFlags {
				f.Set(flag, raised[flag], now)
			}
			f.Set(models.FlagChecking, checking, now)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SyncTorrentFlags replaces the torrent-derived flags of the given series
func (a *StatusAggregator) SyncTorrentFlags(flags map[uint64]ports.TorrentFlags) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var errs []error
	for _, id := range sortedKeys(flags) {
		tf := flags[id]
		a.torrentChecking[id] = tf.Checking
		checking := tf.Checking || a.agentChecking[id]
		err := a.mutate(id, func(f *models.SeriesStatusFlags) {
			f.Set(models.FlagDownloading, tf.Downloading, now)
			f.Set(models.FlagChecking, checking, now)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SyncMediaStates derives the slicing and ready flags of a series from its media items
func (a *StatusAggregator) SyncMediaStates(seriesID uint64, items []*models.MediaItem) error {
	slicing, ready := false, false
	for _, item := range items {
		if item.SlicingStatus == models.SlicingQueued || item.SlicingStatus == models.SlicingActive {
			slicing = true
		}
		if item.Status == models.MediaCompleted && item.FinalFilename != "" {
			ready = true
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	return a.mutate(seriesID, func(f *models.SeriesStatusFlags) {
		f.Set(models.FlagSlicing, slicing, now)
		f.Set(models.FlagReady, ready, now)
	})
}

// SyncDownloads derives the downloading flag of a series from its remaining download tasks
func (a *StatusAggregator) SyncDownloads(seriesID uint64, remaining []*models.DownloadTask) error {
	downloading := false
	for _, task := range remaining {
		if task.Status == models.DownloadPending || task.Status == models.DownloadDownloading {
			downloading = true
			break
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	return a.mutate(seriesID, func(f *models.SeriesStatusFlags) {
		f.Set(models.FlagDownloading, downloading, now)
	})
}

// ExpireViewing clears viewing heartbeats older than timeout and returns how many expired
func (a *StatusAggregator) ExpireViewing(timeout time.Duration) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	all, err := a.db.ListStatusFlags()
	if err != nil {
		return 0, fmt.Errorf("failed to list status flags: %w", err)
	}
	now := a.now()
	expired := 0
	var errs []error
	for _, flags := range all {
		if flags.ViewingAt == nil || now.Sub(*flags.ViewingAt) < timeout {
			continue
		}
		if err := a.mutate(flags.SeriesID, func(f *models.SeriesStatusFlags) {
			f.Set(models.FlagViewing, false, now)
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		expired++
	}
	return expired, errors.Join(errs...)
}

// Get returns the flags of a series; a series never seen is waiting
func (a *StatusAggregator) Get(seriesID uint64) (*models.SeriesStatusFlags, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.load(seriesID)
}

// Load returns the flags of every series with a stored record
func (a *StatusAggregator) Load() ([]*models.SeriesStatusFlags, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db.ListStatusFlags()
}

// knownSeries merges the stored series with the ones in stages, in id order
func (a *StatusAggregator) knownSeries(stages map[uint64][]models.Stage) ([]uint64, error) {
	all, err := a.db.ListStatusFlags()
	if err != nil {
		return nil, fmt.Errorf("failed to list status flags: %w", err)
	}
	seen := make(map[uint64][]models.Stage, len(all)+len(stages))
	for _, f := range all {
		seen[f.SeriesID] = nil
	}
	for id := range stages {
		seen[id] = nil
	}
	return sortedKeys(seen), nil
}
