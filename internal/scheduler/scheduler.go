// Package scheduler runs the periodic feed scan and the secondary reconciliation duties.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/controllers"
	"github.com/amaumene/episodarr/internal/metrics"
	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
	"github.com/amaumene/episodarr/internal/utils"
	"github.com/amaumene/episodarr/internal/workers"
)

const scanStateName = "scan"

// State is the scan loop state; scanning and awaiting_downstream never overlap
type State string

const (
	StateIdle               State = "idle"
	StateScanning           State = "scanning"
	StateAwaitingDownstream State = "awaiting_downstream"
)

// PayloadFetcher fetches small remote files such as .torrent payloads
type PayloadFetcher interface {
	Bytes(ctx context.Context, url string) ([]byte, error)
}

// Options configures the scan loop and the duties
type Options struct {
	Interval  time.Duration
	Tick      time.Duration
	DrainPoll time.Duration

	DiskVerifySchedule       string
	TorrentReconcileSchedule string
	ViewingExpirySchedule    string
	ViewingTimeout           time.Duration

	TitleMatchDistance int
}

// Scheduler scans the feeds of auto-scan series and hands planned items to the workers
type Scheduler struct {
	db          ports.TaskStore
	scraper     ports.Scraper
	rules       ports.RuleEngine
	torrent     ports.TorrentClient
	payloads    PayloadFetcher
	planner     *controllers.Planner
	agent       *workers.AcquisitionAgent
	downloads   *workers.DownloadPool
	slicer      *workers.SliceWorker
	status      *controllers.StatusAggregator
	broadcaster ports.Broadcaster
	blacklist   *utils.Blacklist
	metrics     *metrics.Metrics
	opts        Options
	logger      *logrus.Logger

	cron    *cron.Cron
	trigger chan struct{}

	mu    sync.Mutex
	state State
}

// NewScheduler creates a new scheduler and registers its duties
func NewScheduler(
	db ports.TaskStore,
	scraper ports.Scraper,
	rules ports.RuleEngine,
	torrent ports.TorrentClient,
	payloads PayloadFetcher,
	planner *controllers.Planner,
	agent *workers.AcquisitionAgent,
	downloads *workers.DownloadPool,
	slicer *workers.SliceWorker,
	status *controllers.StatusAggregator,
	broadcaster ports.Broadcaster,
	blacklist *utils.Blacklist,
	m *metrics.Metrics,
	opts Options,
	logger *logrus.Logger,
) (*Scheduler, error) {
	if opts.Tick <= 0 {
		opts.Tick = 30 * time.Second
	}
	if opts.DrainPoll <= 0 {
		opts.DrainPoll = time.Second
	}
	if blacklist == nil {
		blacklist = utils.NewBlacklist()
	}

	cl := cronLogger{logger: logger}
	s := &Scheduler{
		db:          db,
		scraper:     scraper,
		rules:       rules,
		torrent:     torrent,
		payloads:    payloads,
		planner:     planner,
		agent:       agent,
		downloads:   downloads,
		slicer:      slicer,
		status:      status,
		broadcaster: broadcaster,
		blacklist:   blacklist,
		metrics:     m,
		opts:        opts,
		logger:      logger,
		cron:        cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		trigger:     make(chan struct{}, 1),
		state:       StateIdle,
	}

	duties := []struct {
		name string
		spec string
		fn   func()
	}{
		{"disk verify", opts.DiskVerifySchedule, s.runDiskVerify},
		{"torrent reconcile", opts.TorrentReconcileSchedule, s.runTorrentReconcile},
		{"viewing expiry", opts.ViewingExpirySchedule, s.runViewingExpiry},
	}
	for _, d := range duties {
		if d.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(d.spec, d.fn); err != nil {
			return nil, fmt.Errorf("failed to add %s job: %w", d.name, err)
		}
	}
	return s, nil
}

// State returns the current scan state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Trigger requests a scan pass; it reports false when a pass is already running
func (s *Scheduler) Trigger() bool {
	if s.State() != StateIdle {
		return false
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
	return true
}

// Run starts the duties and scans whenever the persisted next run time is due
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Scheduler started")
	s.cron.Start()
	defer func() {
		<-s.cron.Stop().Done()
		s.logger.Info("Scheduler stopped")
	}()

	next := s.loadNextRun()
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		if !time.Now().Before(next) {
			next = s.RunPass(ctx)
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
			next = time.Time{}
		}
	}
}

func (s *Scheduler) loadNextRun() time.Time {
	state, err := s.db.GetSchedulerState(scanStateName)
	if errors.Is(err, models.ErrNotFound) {
		return time.Time{}
	}
	if err != nil {
		s.logger.WithError(err).Warn("Failed to load scheduler state, scanning now")
		return time.Time{}
	}
	if time.Now().After(state.NextRunAt) {
		s.logger.WithField("next_run_at", state.NextRunAt).Info("Scan is past due")
	}
	return state.NextRunAt
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.broadcaster.Publish(ports.EventScanState, map[string]interface{}{"state": state})
}

// RunPass scans every auto-scan series once, waits for the torrents it registered to
// leave the agent and persists the next run time, which it returns
func (s *Scheduler) RunPass(ctx context.Context) time.Time {
	started := time.Now()
	s.setState(StateScanning)
	defer s.setState(StateIdle)

	series, err := s.db.ListAutoScanSeries()
	if err != nil {
		s.logger.WithError(err).Error("Failed to list auto-scan series")
		s.metrics.ScanErrors.Inc()
	}

	var hashes []string
	failed := 0
	for _, sr := range series {
		if ctx.Err() != nil {
			break
		}
		if s.agent.HasActiveForSeries(sr.ID) {
			s.logger.WithField("series_id", sr.ID).Debug("Series has active torrents, skipping")
			continue
		}
		registered, err := s.ScanSeries(ctx, sr)
		hashes = append(hashes, registered...)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failed++
			s.metrics.ScanErrors.Inc()
			s.logger.WithFields(logrus.Fields{
				"series_id": sr.ID,
				"title":     sr.Title,
			}).WithError(err).Error("Series scan failed")
			if err := s.status.SetStatus(sr.ID, models.FlagError, true); err != nil {
				s.logger.WithError(err).Warn("Failed to flag series error")
			}
		}
	}
	s.metrics.ScanPasses.Inc()
	s.metrics.ScanDuration.Observe(time.Since(started).Seconds())

	s.logger.WithFields(logrus.Fields{
		"series":     len(series),
		"failed":     failed,
		"registered": len(hashes),
		"elapsed":    time.Since(started).Round(time.Millisecond),
	}).Info("Scan pass finished")

	s.setState(StateAwaitingDownstream)
	s.awaitDownstream(ctx, hashes)
	if ctx.Err() != nil {
		return time.Time{}
	}

	next := time.Now().Add(s.opts.Interval)
	if err := s.db.SaveSchedulerState(&models.SchedulerState{Name: scanStateName, NextRunAt: next}); err != nil {
		s.logger.WithError(err).Error("Failed to persist next scan time")
	}
	return next
}

func (s *Scheduler) awaitDownstream(ctx context.Context, hashes []string) {
	if len(hashes) == 0 {
		return
	}
	ticker := time.NewTicker(s.opts.DrainPoll)
	defer ticker.Stop()
	for s.agent.ActiveCount(hashes) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	s.logger.WithField("torrents", len(hashes)).Info("Registered torrents drained")
}

// ScanSeries fetches, plans and acquires one series; it returns the hashes handed to the
// acquisition agent
func (s *Scheduler) ScanSeries(ctx context.Context, series *models.Series) ([]string, error) {
	if err := s.status.SetStatus(series.ID, models.FlagScanning, true); err != nil {
		s.logger.WithError(err).Warn("Failed to raise scanning flag")
	}
	defer func() {
		if err := s.status.SetStatus(series.ID, models.FlagScanning, false); err != nil {
			s.logger.WithError(err).Warn("Failed to clear scanning flag")
		}
	}()

	candidates, err := s.scraper.Fetch(ctx, series.FeedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	added, err := s.ingest(series, candidates)
	if err != nil {
		return nil, err
	}

	result, err := s.planner.PlanSeries(series.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to plan series: %w", err)
	}

	items, err := s.db.ListMediaItems(series.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list media items: %w", err)
	}

	var hashes []string
	var errs []error
	for _, item := range result.Plan {
		if item.Status != models.MediaPending && item.Status != models.MediaError {
			continue
		}
		if item.Link == "" && item.VideoURL == "" {
			continue
		}
		hash, err := s.acquire(ctx, series, item, items)
		if err != nil {
			if ctx.Err() != nil {
				return hashes, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s: %w", item.UniqueID, err))
			continue
		}
		if hash != "" {
			hashes = append(hashes, hash)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"series_id":  series.ID,
		"candidates": len(candidates),
		"new":        added,
		"planned":    len(result.Plan),
		"acquiring":  len(hashes),
	}).Info("Series scanned")

	if len(errs) > 0 {
		return hashes, fmt.Errorf("failed to acquire %d planned items: %w", len(errs), errors.Join(errs...))
	}
	// a clean scan clears an earlier failure
	if err := s.status.SetStatus(series.ID, models.FlagError, false); err != nil {
		s.logger.WithError(err).Warn("Failed to clear error flag")
	}
	return hashes, nil
}

// ingest filters the candidates and stores the unknown ones as media items
func (s *Scheduler) ingest(series *models.Series, candidates []ports.Candidate) (int, error) {
	names := append([]string{series.Title}, series.Aliases...)
	added := 0
	for _, c := range candidates {
		if !utils.TitleMatches(c.Title, names, s.opts.TitleMatchDistance) {
			continue
		}
		if blocked, term := s.blacklist.IsBlacklisted(c.Title); blocked {
			s.logger.WithFields(logrus.Fields{
				"title": c.Title,
				"term":  term,
			}).Debug("Candidate blacklisted")
			continue
		}
		item, ok := s.toMediaItem(series, c)
		if !ok {
			continue
		}
		if _, err := s.db.GetMediaItem(item.UniqueID); err == nil {
			continue
		} else if !errors.Is(err, models.ErrNotFound) {
			return added, fmt.Errorf("failed to get media item %s: %w", item.UniqueID, err)
		}
		created, err := s.db.UpsertMediaItem(item)
		if err != nil {
			return added, fmt.Errorf("failed to store candidate %q: %w", c.Title, err)
		}
		if created {
			added++
		}
	}
	return added, nil
}

// toMediaItem extracts the episode range of a candidate; candidates of the wrong kind or
// without a usable range are dropped
func (s *Scheduler) toMediaItem(series *models.Series, c ports.Candidate) (*models.MediaItem, bool) {
	if series.Source == models.SourceVideo && c.VideoURL == "" {
		return nil, false
	}
	if series.Source == models.SourceTorrent && c.Link == "" {
		return nil, false
	}

	ex, err := s.rules.Extract(c.Title)
	if err != nil {
		s.logger.WithField("title", c.Title).WithError(err).Debug("Candidate skipped")
		return nil, false
	}
	season := ex.Season
	if season == 0 {
		season = series.Season
	}

	item := &models.MediaItem{
		SeriesID:     series.ID,
		Title:        c.Title,
		Season:       season,
		EpisodeStart: ex.EpisodeStart,
		Resolution:   ex.Resolution,
		Link:         c.Link,
		LinkType:     c.LinkType,
		VideoURL:     c.VideoURL,
		PlanStatus:   models.PlanCandidate,
		Status:       models.MediaPending,
	}
	if ex.EpisodeEnd > ex.EpisodeStart {
		end := ex.EpisodeEnd
		item.EpisodeEnd = &end
	}
	item.UniqueID = candidateID(series.ID, c)
	return item, true
}

// candidateID keys a candidate on its source so a re-scan upserts the same record
func candidateID(seriesID uint64, c ports.Candidate) string {
	source := c.Link
	if source == "" {
		source = c.VideoURL
	}
	if hash, err := utils.MagnetInfoHash(source); err == nil {
		source = hash
	}
	return fmt.Sprintf("%d:%s", seriesID, strings.ToLower(source))
}

// acquire hands one planned item to the torrent client and agent, or to the download pool
func (s *Scheduler) acquire(ctx context.Context, series *models.Series, item *models.MediaItem, all []*models.MediaItem) (string, error) {
	if series.Source == models.SourceVideo {
		_, err := s.downloads.Enqueue(series, item)
		if errors.Is(err, models.ErrAlreadyExists) {
			return "", nil
		}
		return "", err
	}

	req := ports.AddRequest{
		Link:     item.Link,
		LinkType: item.LinkType,
		SavePath: series.SavePath,
		Paused:   item.LinkType == models.LinkFile,
	}
	var hash string
	switch item.LinkType {
	case models.LinkMagnet:
		h, err := utils.MagnetInfoHash(item.Link)
		if err != nil {
			return "", models.NewBusinessError("acquire", "invalid magnet link: %v", err)
		}
		hash = h
	case models.LinkFile:
		data, err := s.payloads.Bytes(ctx, item.Link)
		if err != nil {
			return "", err
		}
		h, _, err := utils.TorrentInfoHash(data)
		if err != nil {
			return "", models.NewBusinessError("acquire", "invalid torrent file: %v", err)
		}
		hash = h
		req.Data = data
	default:
		return "", models.NewBusinessError("acquire", "unknown link type %q", item.LinkType)
	}

	if err := s.torrent.Add(ctx, req); err != nil {
		return "", fmt.Errorf("failed to add torrent: %w", err)
	}
	err := s.agent.Register(ctx, workers.RegisterRequest{
		SeriesID:     series.ID,
		TorrentHash:  hash,
		TorrentID:    item.UniqueID,
		OldTorrentID: supersededHash(item, all),
		LinkType:     item.LinkType,
	})
	if err != nil && !errors.Is(err, models.ErrAlreadyExists) {
		return "", err
	}

	item.TorrentHash = hash
	item.Status = models.MediaDownloading
	if err := s.db.UpdateMediaItem(item); err != nil {
		return hash, fmt.Errorf("failed to mark media item downloading: %w", err)
	}
	return hash, nil
}

// supersededHash returns the torrent of an acquired item the new item replaces
func supersededHash(item *models.MediaItem, all []*models.MediaItem) string {
	covered := make(map[models.EpisodeKey]bool, item.Span())
	for _, k := range item.Episodes() {
		covered[k] = true
	}

	var replaced []*models.MediaItem
	for _, other := range all {
		if other.UniqueID == item.UniqueID || other.TorrentHash == "" || other.TorrentHash == item.TorrentHash {
			continue
		}
		if other.PlanStatus != models.PlanReplaced || other.Status != models.MediaCompleted {
			continue
		}
		inside := true
		for _, k := range other.Episodes() {
			if !covered[k] {
				inside = false
				break
			}
		}
		if inside {
			replaced = append(replaced, other)
		}
	}
	if len(replaced) == 0 {
		return ""
	}
	sort.Slice(replaced, func(i, j int) bool { return replaced[i].UniqueID < replaced[j].UniqueID })
	return replaced[0].TorrentHash
}

// cronLogger routes cron's own logging through logrus
type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
