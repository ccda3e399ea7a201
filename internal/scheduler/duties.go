package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
	"github.com/amaumene/episodarr/internal/utils"
)

func (s *Scheduler) runDiskVerify() {
	s.logger.Debug("Running disk verification")
	if err := s.VerifyDisk(); err != nil {
		s.logger.WithError(err).Error("Disk verification failed")
	}
}

func (s *Scheduler) runTorrentReconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Tick)
	defer cancel()
	if err := s.ReconcileTorrents(ctx); err != nil {
		s.logger.WithError(err).Error("Torrent reconciliation failed")
	}
}

func (s *Scheduler) runViewingExpiry() {
	n, err := s.status.ExpireViewing(s.opts.ViewingTimeout)
	if err != nil {
		s.logger.WithError(err).Error("Viewing expiry failed")
		return
	}
	if n > 0 {
		s.logger.WithField("count", n).Debug("Viewing heartbeats expired")
	}
}

// VerifyDisk checks the output files of every series: completed items whose file is gone
// are reset, planned items whose file is already present are adopted, and finished
// compilations that were never sliced are queued
func (s *Scheduler) VerifyDisk() error {
	series, err := s.db.ListSeries()
	if err != nil {
		return fmt.Errorf("failed to list series: %w", err)
	}
	var errs []error
	for _, sr := range series {
		if err := s.verifySeries(sr); err != nil {
			errs = append(errs, fmt.Errorf("series %d: %w", sr.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) verifySeries(series *models.Series) error {
	items, err := s.db.ListMediaItems(series.ID)
	if err != nil {
		return fmt.Errorf("failed to list media items: %w", err)
	}
	present, err := videoFiles(series.SavePath)
	if err != nil {
		return err
	}

	adopted, reset, queued := 0, 0, 0
	for _, item := range items {
		switch item.Status {
		case models.MediaCompleted:
			if item.FinalFilename == "" || item.SlicingStatus == models.SlicingCompleted {
				continue
			}
			if _, err := os.Stat(filepath.Join(series.SavePath, item.FinalFilename)); errors.Is(err, fs.ErrNotExist) {
				s.resetMissing(item)
				reset++
				continue
			}
			if s.queueSlice(item) {
				queued++
			}

		case models.MediaPending, models.MediaError:
			if !item.PlanStatus.InPlan() || item.IsIgnoredByUser {
				continue
			}
			name, ok := present[expectedStem(series, item)]
			if !ok {
				continue
			}
			item.Status = models.MediaCompleted
			item.FinalFilename = name
			if err := s.db.UpdateMediaItem(item); err != nil {
				return fmt.Errorf("failed to adopt %s: %w", name, err)
			}
			adopted++
			s.logger.WithFields(logrus.Fields{
				"series_id":  series.ID,
				"media_item": item.UniqueID,
				"file":       name,
			}).Info("Existing file adopted")
			if s.queueSlice(item) {
				queued++
			}
		}
	}

	if adopted+reset+queued == 0 {
		return nil
	}
	s.logger.WithFields(logrus.Fields{
		"series_id": series.ID,
		"adopted":   adopted,
		"reset":     reset,
		"queued":    queued,
	}).Info("Disk verified")
	return s.status.SyncMediaStates(series.ID, items)
}

// resetMissing returns an item whose file disappeared to the acquisition queue; items with
// no source of their own (sliced singles) can only be flagged
func (s *Scheduler) resetMissing(item *models.MediaItem) {
	entry := s.logger.WithFields(logrus.Fields{
		"media_item": item.UniqueID,
		"file":       item.FinalFilename,
	})
	item.FinalFilename = ""
	if item.Link == "" && item.VideoURL == "" {
		item.Status = models.MediaError
	} else {
		item.Status = models.MediaPending
		item.TorrentHash = ""
	}
	if err := s.db.UpdateMediaItem(item); err != nil {
		entry.WithError(err).Error("Failed to reset media item")
		return
	}
	entry.WithField("status", item.Status).Warn("Output file missing, media item reset")
}

// queueSlice queues an unsliced finished compilation and reports whether a task was created
func (s *Scheduler) queueSlice(item *models.MediaItem) bool {
	if !item.IsCompilation() || item.SlicingStatus != models.SlicingNone {
		return false
	}
	if _, err := s.slicer.Enqueue(item); err != nil {
		if !errors.Is(err, models.ErrAlreadyExists) {
			s.logger.WithError(err).WithField("media_item", item.UniqueID).Warn("Failed to queue slice")
		}
		return false
	}
	return true
}

// ReconcileTorrents syncs the downloading and checking flags of torrent series from a fresh
// client snapshot and completes the items whose torrent finished outside the agent
func (s *Scheduler) ReconcileTorrents(ctx context.Context) error {
	series, err := s.db.ListSeries()
	if err != nil {
		return fmt.Errorf("failed to list series: %w", err)
	}

	owners := make(map[string]uint64)
	items := make(map[uint64][]*models.MediaItem)
	flags := make(map[uint64]ports.TorrentFlags)
	for _, sr := range series {
		if sr.Source != models.SourceTorrent {
			continue
		}
		list, err := s.db.ListMediaItems(sr.ID)
		if err != nil {
			return fmt.Errorf("failed to list media items of series %d: %w", sr.ID, err)
		}
		items[sr.ID] = list
		flags[sr.ID] = ports.TorrentFlags{}
		for _, item := range list {
			if item.TorrentHash != "" && (item.Status == models.MediaDownloading || item.Status == models.MediaCompleted) {
				owners[item.TorrentHash] = sr.ID
			}
		}
	}
	if len(flags) == 0 {
		return nil
	}

	var infos map[string]ports.TorrentInfo
	if len(owners) > 0 {
		hashes := make([]string, 0, len(owners))
		for h := range owners {
			hashes = append(hashes, h)
		}
		infos, err = s.torrent.InfoByHashes(ctx, hashes...)
		if err != nil {
			return fmt.Errorf("failed to get torrent info: %w", err)
		}
	}

	for hash, info := range infos {
		id, ok := owners[hash]
		if !ok {
			continue
		}
		tf := flags[id]
		tf.Downloading = tf.Downloading || ports.IsDownloadingState(info.State)
		tf.Checking = tf.Checking || ports.IsCheckingState(info.State)
		flags[id] = tf
	}
	if err := s.status.SyncTorrentFlags(flags); err != nil {
		s.logger.WithError(err).Warn("Failed to sync torrent flags")
	}

	var errs []error
	for id, list := range items {
		changed := false
		for _, item := range list {
			if item.Status != models.MediaDownloading || item.TorrentHash == "" {
				continue
			}
			if s.agent.ActiveCount([]string{item.TorrentHash}) > 0 {
				continue
			}
			ok, err := s.settle(ctx, item, infos)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			changed = changed || ok
		}
		if changed {
			if err := s.status.SyncMediaStates(id, list); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// settle moves a downloading item the agent no longer tracks to completed or error
func (s *Scheduler) settle(ctx context.Context, item *models.MediaItem, infos map[string]ports.TorrentInfo) (bool, error) {
	info, ok := infos[item.TorrentHash]
	entry := s.logger.WithFields(logrus.Fields{
		"media_item":   item.UniqueID,
		"torrent_hash": item.TorrentHash,
	})
	switch {
	case !ok:
		item.Status = models.MediaError
		entry.Warn("Torrent missing from client")
	case ports.IsCompleteState(info.State):
		if item.FinalFilename == "" {
			name, err := s.mainFile(ctx, item.TorrentHash)
			if err != nil {
				return false, err
			}
			item.FinalFilename = name
		}
		item.Status = models.MediaCompleted
		entry.WithField("file", item.FinalFilename).Info("Torrent finished")
	default:
		return false, nil
	}

	if err := s.db.UpdateMediaItem(item); err != nil {
		return false, fmt.Errorf("failed to update media item %s: %w", item.UniqueID, err)
	}
	if item.Status == models.MediaCompleted {
		s.queueSlice(item)
	}
	return true, nil
}

// mainFile returns the largest video file of a torrent
func (s *Scheduler) mainFile(ctx context.Context, hash string) (string, error) {
	files, err := s.torrent.Files(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("failed to list files of %s: %w", hash, err)
	}
	var best ports.TorrentFile
	for _, f := range files {
		if utils.IsVideoFile(f.Name) && f.Size > best.Size {
			best = f
		}
	}
	return best.Name, nil
}

// videoFiles maps the stem of every video file below root to its path relative to root
func videoFiles(root string) (map[string]string, error) {
	found := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !utils.IsVideoFile(path) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		stem := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		if _, dup := found[stem]; !dup {
			found[stem] = filepath.ToSlash(rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return found, nil
}

// expectedStem is the canonical file name of an item without its extension
func expectedStem(series *models.Series, item *models.MediaItem) string {
	if item.IsCompilation() {
		return utils.RangeFilename(series.Title, item.Season, item.EpisodeStart, item.LastEpisode(), "")
	}
	return utils.EpisodeFilename(series.Title, item.Season, item.EpisodeStart, "")
}
