package controllers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
	"github.com/amaumene/episodarr/internal/utils"
)

// RenameController runs the bulk rename procedures
type RenameController struct {
	db      ports.TaskStore
	torrent ports.TorrentClient
	rules   ports.RuleEngine
	logger  *logrus.Logger
}

// NewRenameController creates a new rename controller
func NewRenameController(db ports.TaskStore, torrent ports.TorrentClient, rules ports.RuleEngine, logger *logrus.Logger) *RenameController {
	return &RenameController{
		db:      db,
		torrent: torrent,
		rules:   rules,
		logger:  logger,
	}
}

// targetName computes the canonical name of a file from its current name
func (c *RenameController) targetName(series *models.Series, name string) (string, ports.Extraction, error) {
	ex, err := c.rules.Extract(path.Base(name))
	if err != nil {
		return "", ex, err
	}
	season := ex.Season
	if season == 0 {
		season = series.Season
	}
	if season == 0 {
		return "", ex, models.NewBusinessError("rename", "season undeterminable for %q", name)
	}
	if ex.EpisodeStart == 0 {
		return "", ex, models.NewBusinessError("rename", "episode undeterminable for %q", name)
	}
	ex.Season = season

	ext := path.Ext(name)
	if ex.EpisodeEnd > ex.EpisodeStart {
		return utils.RangeFilename(series.Title, season, ex.EpisodeStart, ex.EpisodeEnd, ext), ex, nil
	}
	return utils.EpisodeFilename(series.Title, season, ex.EpisodeStart, ext), ex, nil
}

// RenameTorrentFiles renames every video file of a torrent to its canonical name. One
// failing file is recorded and the others are still processed.
func (c *RenameController) RenameTorrentFiles(ctx context.Context, series *models.Series, hash string) ([]models.RenameOutcome, error) {
	files, err := c.torrent.Files(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to list torrent files: %w", err)
	}
	items, err := c.db.FindMediaItemsByHash(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to find media items: %w", err)
	}

	taken := make(map[string]bool, len(files))
	for _, f := range files {
		taken[f.Name] = true
	}

	var outcomes []models.RenameOutcome
	for _, f := range files {
		if !utils.IsVideoFile(f.Name) {
			continue
		}
		outcome := models.RenameOutcome{Item: hash, From: f.Name}

		name, ex, err := c.targetName(series, f.Name)
		if err != nil {
			outcome.Result = models.RenameFailed
			outcome.Error = err.Error()
			outcomes = append(outcomes, outcome)
			continue
		}
		target := path.Join(path.Dir(f.Name), name)
		outcome.To = target

		switch {
		case target == f.Name:
			outcome.Result = models.RenameSkipped
		case taken[target]:
			outcome.Result = models.RenameFailed
			outcome.Error = models.NewBusinessError("rename", "target %q already exists", target).Error()
		default:
			if err := c.torrent.RenameFile(ctx, hash, f.Name, target); err != nil {
				outcome.Result = models.RenameFailed
				outcome.Error = err.Error()
				break
			}
			delete(taken, f.Name)
			taken[target] = true
			outcome.Result = models.RenameRenamed
		}

		if outcome.Result != models.RenameFailed {
			c.recordFilename(items, ex, countVideo(files) == 1, target)
		}
		outcomes = append(outcomes, outcome)
	}

	c.logOutcomes(series, "torrent_files", outcomes)
	return outcomes, nil
}

// recordFilename stores the final name on the media item matching the extracted range
func (c *RenameController) recordFilename(items []*models.MediaItem, ex ports.Extraction, only bool, name string) {
	for _, item := range items {
		match := only && len(items) == 1
		if !match {
			end := ex.EpisodeEnd
			if end == 0 {
				end = ex.EpisodeStart
			}
			match = item.Season == ex.Season && item.EpisodeStart == ex.EpisodeStart && item.LastEpisode() == end
		}
		if !match || item.FinalFilename == name {
			continue
		}
		item.FinalFilename = name
		if err := c.db.UpdateMediaItem(item); err != nil {
			c.logger.WithError(err).WithField("media_item", item.UniqueID).Warn("Failed to record final filename")
		}
	}
}

// RenameSeriesTorrents runs RenameTorrentFiles over every torrent of a series
func (c *RenameController) RenameSeriesTorrents(ctx context.Context, series *models.Series) ([]models.RenameOutcome, error) {
	items, err := c.db.ListMediaItems(series.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list media items: %w", err)
	}

	hashes := make(map[string]bool)
	for _, item := range items {
		if item.TorrentHash != "" && item.Status == models.MediaCompleted {
			hashes[item.TorrentHash] = true
		}
	}
	sorted := make([]string, 0, len(hashes))
	for h := range hashes {
		sorted = append(sorted, h)
	}
	sort.Strings(sorted)

	var outcomes []models.RenameOutcome
	for _, hash := range sorted {
		out, err := c.RenameTorrentFiles(ctx, series, hash)
		if err != nil {
			outcomes = append(outcomes, models.RenameOutcome{Item: hash, Result: models.RenameFailed, Error: err.Error()})
			continue
		}
		outcomes = append(outcomes, out...)
	}
	return outcomes, nil
}

// RenameLocalFiles renames the downloaded files of a video series to their canonical names
func (c *RenameController) RenameLocalFiles(ctx context.Context, series *models.Series) ([]models.RenameOutcome, error) {
	items, err := c.db.ListMediaItems(series.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list media items: %w", err)
	}

	var outcomes []models.RenameOutcome
	for _, item := range items {
		if ctx.Err() != nil {
			return outcomes, ctx.Err()
		}
		if item.Status != models.MediaCompleted || item.FinalFilename == "" {
			continue
		}
		outcomes = append(outcomes, c.renameLocal(series, item))
	}

	c.logOutcomes(series, "local_files", outcomes)
	return outcomes, nil
}

func (c *RenameController) renameLocal(series *models.Series, item *models.MediaItem) models.RenameOutcome {
	current := filepath.Join(series.SavePath, item.FinalFilename)
	outcome := models.RenameOutcome{Item: item.UniqueID, From: item.FinalFilename}

	fail := func(err error) models.RenameOutcome {
		outcome.Result = models.RenameFailed
		outcome.Error = err.Error()
		return outcome
	}

	if _, err := os.Stat(current); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fail(models.NewBusinessError("rename", "source %q missing", item.FinalFilename))
		}
		return fail(err)
	}

	name, _, err := c.targetName(series, item.FinalFilename)
	if err != nil {
		return fail(err)
	}
	rel := filepath.Join(filepath.Dir(item.FinalFilename), name)
	outcome.To = rel
	if rel == item.FinalFilename {
		outcome.Result = models.RenameSkipped
		return outcome
	}

	target := filepath.Join(series.SavePath, rel)
	if _, err := os.Stat(target); err == nil {
		return fail(models.NewBusinessError("rename", "target %q already exists", rel))
	}
	if err := os.Rename(current, target); err != nil {
		return fail(fmt.Errorf("failed to rename file: %w", err))
	}

	item.FinalFilename = rel
	if err := c.db.UpdateMediaItem(item); err != nil {
		return fail(fmt.Errorf("failed to update media item: %w", err))
	}
	outcome.Result = models.RenameRenamed
	return outcome
}

func (c *RenameController) logOutcomes(series *models.Series, kind string, outcomes []models.RenameOutcome) {
	counts := map[models.RenameResult]int{}
	for _, o := range outcomes {
		counts[o.Result]++
		if o.Result == models.RenameFailed {
			c.logger.WithFields(logrus.Fields{
				"series_id": series.ID,
				"file":      o.From,
			}).Warn("Rename failed: " + o.Error)
		}
	}
	c.logger.WithFields(logrus.Fields{
		"series_id": series.ID,
		"procedure": kind,
		"renamed":   counts[models.RenameRenamed],
		"skipped":   counts[models.RenameSkipped],
		"failed":    counts[models.RenameFailed],
	}).Info("Rename procedure finished")
}

func countVideo(files []ports.TorrentFile) int {
	n := 0
	for _, f := range files {
		if utils.IsVideoFile(f.Name) {
			n++
		}
	}
	return n
}
