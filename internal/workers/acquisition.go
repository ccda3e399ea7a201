package workers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/metrics"
	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
)

// missingPasses is how many consecutive refreshes may miss a torrent before its task fails
const missingPasses = 3

// Renamer runs the bulk rename procedures
type Renamer interface {
	RenameTorrentFiles(ctx context.Context, series *models.Series, hash string) ([]models.RenameOutcome, error)
	RenameSeriesTorrents(ctx context.Context, series *models.Series) ([]models.RenameOutcome, error)
	RenameLocalFiles(ctx context.Context, series *models.Series) ([]models.RenameOutcome, error)
}

// RegisterRequest hands a freshly added torrent over to the agent
type RegisterRequest struct {
	SeriesID     uint64
	TorrentHash  string
	TorrentID    string // UniqueID of the media item
	OldTorrentID string // hash of the torrent this one supersedes
	LinkType     models.LinkType
}

// AcquisitionAgent drives every in-flight torrent through the acquisition stages
type AcquisitionAgent struct {
	db          ports.TaskStore
	torrent     ports.TorrentClient
	renamer     Renamer
	status      ports.StatusReporter
	broadcaster ports.Broadcaster
	metrics     *metrics.Metrics
	logger      *logrus.Logger

	retryDelay time.Duration
	wake       *waker

	mu    sync.Mutex
	tasks map[string]*models.AcquisitionTask

	// owned by the loop goroutine
	states  map[string]ports.TorrentInfo
	missing map[string]int
	cursor  int64
}

// NewAcquisitionAgent creates a new acquisition agent
func NewAcquisitionAgent(
	db ports.TaskStore,
	torrent ports.TorrentClient,
	renamer Renamer,
	status ports.StatusReporter,
	broadcaster ports.Broadcaster,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *AcquisitionAgent {
	return &AcquisitionAgent{
		db:          db,
		torrent:     torrent,
		renamer:     renamer,
		status:      status,
		broadcaster: broadcaster,
		metrics:     m,
		logger:      logger,
		retryDelay:  5 * time.Second,
		wake:        newWaker(),
		tasks:       make(map[string]*models.AcquisitionTask),
		states:      make(map[string]ports.TorrentInfo),
		missing:     make(map[string]int),
	}
}

// Register persists a new task and wakes the loop
func (a *AcquisitionAgent) Register(ctx context.Context, req RegisterRequest) error {
	hash := strings.ToLower(req.TorrentHash)
	if hash == "" {
		return fmt.Errorf("torrent hash is required")
	}
	task := &models.AcquisitionTask{
		TorrentHash:  hash,
		SeriesID:     req.SeriesID,
		TorrentID:    req.TorrentID,
		OldTorrentID: strings.ToLower(req.OldTorrentID),
		LinkType:     req.LinkType,
		Stage:        models.InitialStage(req.LinkType),
	}
	if err := a.db.InsertAcquisitionTask(task); err != nil {
		return fmt.Errorf("failed to register torrent %s: %w", hash, err)
	}

	a.mu.Lock()
	a.tasks[hash] = task
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"series_id":    req.SeriesID,
		"torrent_hash": hash,
		"link_type":    req.LinkType,
		"stage":        task.Stage,
	}).Info("Torrent registered")

	a.wake.Wake()
	return nil
}

// Trigger wakes the loop
func (a *AcquisitionAgent) Trigger() {
	a.wake.Wake()
}

// Snapshot returns a copy of the in-flight tasks, oldest first
func (a *AcquisitionAgent) Snapshot() []models.AcquisitionTask {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.AcquisitionTask, 0, len(a.tasks))
	for _, t := range a.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TorrentHash < out[j].TorrentHash
	})
	return out
}

// Clear drops every in-flight task; the torrents stay in the client
func (a *AcquisitionAgent) Clear(ctx context.Context) error {
	a.mu.Lock()
	hashes := make([]string, 0, len(a.tasks))
	for h := range a.tasks {
		hashes = append(hashes, h)
	}
	a.tasks = make(map[string]*models.AcquisitionTask)
	a.mu.Unlock()

	for _, h := range hashes {
		if err := a.db.DeleteAcquisitionTask(h); err != nil {
			return fmt.Errorf("failed to delete acquisition task %s: %w", h, err)
		}
	}
	a.logger.WithField("count", len(hashes)).Info("Acquisition queue cleared")
	a.wake.Wake()
	return nil
}

// ActiveCount returns how many of the given hashes are still in flight
func (a *AcquisitionAgent) ActiveCount(hashes []string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, h := range hashes {
		if _, ok := a.tasks[strings.ToLower(h)]; ok {
			n++
		}
	}
	return n
}

// HasActiveForSeries reports whether a series has a torrent in flight
func (a *AcquisitionAgent) HasActiveForSeries(seriesID uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.tasks {
		if t.SeriesID == seriesID {
			return true
		}
	}
	return false
}

// Run reloads the persisted tasks, then alternates long-polls and passes until ctx is done
func (a *AcquisitionAgent) Run(ctx context.Context) {
	a.logger.Info("Acquisition agent started")
	defer a.logger.Info("Acquisition agent stopped")

	if err := a.Recover(ctx); err != nil {
		a.logger.WithError(err).Error("Failed to recover acquisition tasks")
	}
	for ctx.Err() == nil {
		a.cycle(ctx)
	}
}

// Recover reloads the persisted tasks; tasks whose torrent is gone from the client are dropped
func (a *AcquisitionAgent) Recover(ctx context.Context) error {
	tasks, err := a.db.ListAcquisitionTasks()
	if err != nil {
		return fmt.Errorf("failed to list acquisition tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}

	hashes := make([]string, len(tasks))
	for i, t := range tasks {
		hashes[i] = t.TorrentHash
	}
	infos, err := a.torrent.InfoByHashes(ctx, hashes...)
	if err != nil {
		return fmt.Errorf("failed to fetch torrent info: %w", err)
	}

	kept := 0
	for _, t := range tasks {
		info, ok := infos[t.TorrentHash]
		if !ok {
			a.logger.WithFields(logrus.Fields{
				"torrent_hash": t.TorrentHash,
				"stage":        t.Stage,
			}).Warn("Dropping stale acquisition task")
			if err := a.db.DeleteAcquisitionTask(t.TorrentHash); err != nil {
				return fmt.Errorf("failed to delete stale task: %w", err)
			}
			continue
		}
		a.states[t.TorrentHash] = info
		a.mu.Lock()
		a.tasks[t.TorrentHash] = t
		a.mu.Unlock()
		kept++
	}

	a.logger.WithFields(logrus.Fields{
		"recovered": kept,
		"dropped":   len(tasks) - kept,
	}).Info("Acquisition tasks recovered")
	return nil
}

// cycle waits for torrent changes, then steps every task
func (a *AcquisitionAgent) cycle(ctx context.Context) {
	if a.count() == 0 {
		a.report()
		a.wake.sleep(ctx, time.Minute)
		return
	}
	a.poll(ctx)
	if ctx.Err() != nil {
		return
	}
	a.pass(ctx)
}

// poll long-polls the client; a wake cuts the wait short
func (a *AcquisitionAgent) poll(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(ctx)
	woken := make(chan struct{})
	go func() {
		select {
		case <-a.wake.C():
			close(woken)
			cancel()
		case <-pollCtx.Done():
		}
	}()
	result, err := a.torrent.LongPoll(pollCtx, a.cursor)
	cancel()

	if err != nil {
		select {
		case <-woken:
			return
		default:
		}
		if ctx.Err() != nil {
			return
		}
		a.logger.WithError(err).Warn("Torrent long-poll failed")
		a.wake.sleep(ctx, a.retryDelay)
		return
	}
	a.merge(result)
}

// merge folds a poll result into the state cache
func (a *AcquisitionAgent) merge(result *ports.PollResult) {
	if result.FullUpdate {
		a.states = make(map[string]ports.TorrentInfo, len(result.Torrents))
	}
	for hash, delta := range result.Torrents {
		info := a.states[hash]
		info.Hash = hash
		if delta.State != nil {
			info.State = *delta.State
		}
		if delta.TotalSize != nil {
			info.TotalSize = *delta.TotalSize
		}
		if delta.Progress != nil {
			info.Progress = *delta.Progress
		}
		a.states[hash] = info
	}
	for _, hash := range result.Removed {
		delete(a.states, hash)
	}
	a.cursor = result.Cursor
}

// refresh fetches the state of tasks the cache knows nothing about
func (a *AcquisitionAgent) refresh(ctx context.Context, hashes []string) {
	var unknown []string
	for _, h := range hashes {
		if info, ok := a.states[h]; !ok || info.State == "" {
			unknown = append(unknown, h)
		}
	}
	if len(unknown) == 0 {
		return
	}

	infos, err := a.torrent.InfoByHashes(ctx, unknown...)
	if err != nil {
		a.logger.WithError(err).Warn("Failed to refresh torrent states")
		return
	}
	for _, h := range unknown {
		if info, ok := infos[h]; ok {
			a.states[h] = info
			delete(a.missing, h)
			continue
		}
		a.missing[h]++
	}
}

// pass steps every task until none advances further
func (a *AcquisitionAgent) pass(ctx context.Context) {
	hashes := a.hashes()
	a.refresh(ctx, hashes)
	for _, h := range hashes {
		if ctx.Err() != nil {
			return
		}
		a.step(ctx, h)
	}
	a.report()
}

func (a *AcquisitionAgent) step(ctx context.Context, hash string) {
	task, ok := a.get(hash)
	if !ok {
		return
	}

	var err error
	if a.missing[hash] >= missingPasses {
		err = fmt.Errorf("torrent %s is no longer known to the client", hash)
	} else {
		err = a.advance(ctx, task)
	}
	if err == nil {
		return
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return
	}
	if _, ok := a.get(hash); !ok && errors.Is(err, models.ErrNotFound) {
		// cleared while stepping
		return
	}
	a.fail(task, err)
}

// advance runs transitions until the task stays in its stage
func (a *AcquisitionAgent) advance(ctx context.Context, task *models.AcquisitionTask) (err error) {
	defer recoverTask(a.logger, "acquisition", &err)

	for {
		info, known := a.states[task.TorrentHash]
		known = known && info.State != ""

		next, err := a.transition(ctx, task, info, known)
		if err != nil {
			return err
		}
		if next == task.Stage {
			return nil
		}

		a.logger.WithFields(logrus.Fields{
			"torrent_hash": task.TorrentHash,
			"from":         task.Stage,
			"to":           next,
			"state":        info.State,
		}).Debug("Acquisition stage changed")

		task.Stage = next
		if next == models.StageDone {
			return a.complete(ctx, task)
		}
		if err := a.save(task); err != nil {
			return err
		}
	}
}

// transition runs the action of the current stage and returns the next one
func (a *AcquisitionAgent) transition(ctx context.Context, task *models.AcquisitionTask, info ports.TorrentInfo, known bool) (models.Stage, error) {
	hash := task.TorrentHash

	switch task.Stage {
	case models.StageAwaitingMetadata:
		if err := a.torrent.Resume(ctx, hash); err != nil {
			return "", fmt.Errorf("failed to resume torrent for metadata: %w", err)
		}
		a.forget(hash)
		return models.StagePollingForSize, nil

	case models.StagePollingForSize:
		if known && info.TotalSize > 0 {
			if err := a.torrent.Pause(ctx, hash); err != nil {
				return "", fmt.Errorf("failed to pause torrent: %w", err)
			}
			a.forget(hash)
			return models.StageAwaitingPauseBeforeRename, nil
		}

	case models.StageAwaitingPauseBeforeRename:
		if !known {
			break
		}
		if ports.IsPausedState(info.State) {
			return models.StageRenaming, nil
		}
		if ports.IsRunningState(info.State) {
			a.logger.WithFields(logrus.Fields{
				"torrent_hash": hash,
				"state":        info.State,
			}).Warn("Torrent running before rename, forcing pause")
			if err := a.torrent.Pause(ctx, hash); err != nil {
				return "", fmt.Errorf("failed to force pause: %w", err)
			}
			a.forget(hash)
		}

	case models.StageRenaming:
		series, err := a.db.GetSeries(task.SeriesID)
		if err != nil {
			return "", fmt.Errorf("failed to get series: %w", err)
		}
		outcomes, err := a.renamer.RenameTorrentFiles(ctx, series, hash)
		if err != nil {
			return "", fmt.Errorf("failed to rename torrent files: %w", err)
		}
		for _, o := range outcomes {
			a.metrics.RenameOutcomes.WithLabelValues(string(o.Result)).Inc()
		}
		return models.StageRechecking, nil

	case models.StageRechecking:
		if !task.RecheckInitiated {
			if err := a.torrent.Recheck(ctx, hash); err != nil {
				return "", fmt.Errorf("failed to recheck torrent: %w", err)
			}
			task.RecheckInitiated = true
			a.forget(hash)
			if err := a.save(task); err != nil {
				return "", err
			}
			break
		}
		if known && !ports.IsCheckingState(info.State) &&
			(ports.IsPausedState(info.State) || ports.IsRunningState(info.State)) {
			return models.StageActivating, nil
		}

	case models.StageActivating:
		if !known {
			break
		}
		if ports.IsRunningState(info.State) {
			return models.StageDone, nil
		}
		if ports.IsPausedState(info.State) {
			if err := a.torrent.Resume(ctx, hash); err != nil {
				return "", fmt.Errorf("failed to resume torrent: %w", err)
			}
			a.forget(hash)
			return models.StageDone, nil
		}

	default:
		return "", fmt.Errorf("unknown acquisition stage %q", task.Stage)
	}
	return task.Stage, nil
}

// complete removes a finished task and the torrent it superseded
func (a *AcquisitionAgent) complete(ctx context.Context, task *models.AcquisitionTask) error {
	if err := a.db.DeleteAcquisitionTask(task.TorrentHash); err != nil {
		return fmt.Errorf("failed to delete acquisition task: %w", err)
	}
	a.remove(task.TorrentHash)
	a.metrics.AcquisitionsTotal.WithLabelValues("completed").Inc()

	if task.OldTorrentID != "" && task.OldTorrentID != task.TorrentHash {
		if err := a.torrent.Delete(ctx, true, task.OldTorrentID); err != nil {
			a.logger.WithError(err).WithField("torrent_hash", task.OldTorrentID).Warn("Failed to delete superseded torrent")
		} else {
			a.logger.WithField("torrent_hash", task.OldTorrentID).Info("Superseded torrent deleted")
		}
	}

	a.logger.WithFields(logrus.Fields{
		"series_id":    task.SeriesID,
		"torrent_hash": task.TorrentHash,
		"media_item":   task.TorrentID,
	}).Info("Torrent activated")
	return nil
}

// fail drops a task after an error and flags its series
func (a *AcquisitionAgent) fail(task *models.AcquisitionTask, cause error) {
	a.logger.WithFields(logrus.Fields{
		"series_id":    task.SeriesID,
		"torrent_hash": task.TorrentHash,
		"stage":        task.Stage,
	}).WithError(cause).Error("Acquisition failed")

	a.remove(task.TorrentHash)
	if err := a.db.DeleteAcquisitionTask(task.TorrentHash); err != nil {
		a.logger.WithError(err).Warn("Failed to delete failed acquisition task")
	}
	if task.TorrentID != "" {
		if item, err := a.db.GetMediaItem(task.TorrentID); err == nil {
			item.Status = models.MediaError
			if err := a.db.UpdateMediaItem(item); err != nil {
				a.logger.WithError(err).Warn("Failed to mark media item as failed")
			}
		}
	}
	flagError(a.status, a.logger, task.SeriesID)
	a.metrics.AcquisitionsTotal.WithLabelValues("error").Inc()
	a.broadcaster.Publish(ports.EventTaskError, map[string]interface{}{
		"component":    "acquisition",
		"series_id":    task.SeriesID,
		"torrent_hash": task.TorrentHash,
		"stage":        task.Stage,
		"error":        cause.Error(),
	})
}

// report feeds the stage cohort to the status aggregator
func (a *AcquisitionAgent) report() {
	stages := make(map[uint64][]models.Stage)
	counts := make(map[models.Stage]int)
	snapshot := a.Snapshot()
	for _, t := range snapshot {
		stages[t.SeriesID] = append(stages[t.SeriesID], t.Stage)
		counts[t.Stage]++
	}

	a.metrics.AcquisitionTasks.Reset()
	for stage, n := range counts {
		a.metrics.AcquisitionTasks.WithLabelValues(string(stage)).Set(float64(n))
	}
	if err := a.status.SyncAgentStages(stages); err != nil {
		a.logger.WithError(err).Warn("Failed to sync agent stages")
	}
	a.broadcaster.Publish(ports.EventAgentSnapshot, snapshot)
}

// forget drops the cached state of a torrent so the next decision uses a fresh one
func (a *AcquisitionAgent) forget(hash string) {
	delete(a.states, hash)
}

func (a *AcquisitionAgent) save(task *models.AcquisitionTask) error {
	if err := a.db.UpdateAcquisitionTask(task); err != nil {
		return fmt.Errorf("failed to persist acquisition task: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tasks[task.TorrentHash]; ok {
		cp := *task
		a.tasks[task.TorrentHash] = &cp
	}
	return nil
}

func (a *AcquisitionAgent) get(hash string) (*models.AcquisitionTask, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[hash]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

func (a *AcquisitionAgent) remove(hash string) {
	a.mu.Lock()
	delete(a.tasks, hash)
	a.mu.Unlock()
	delete(a.states, hash)
	delete(a.missing, hash)
}

func (a *AcquisitionAgent) hashes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.tasks))
	for h := range a.tasks {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (a *AcquisitionAgent) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tasks)
}
