package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/timshannon/bolthold"
	"go.etcd.io/bbolt"
)

// Database wraps the bolthold store
type Database struct {
	store *bolthold.Store
}

// NewDatabase creates a new database connection
func NewDatabase(path string) (*Database, error) {
	store, err := bolthold.Open(path, 0600, &bolthold.Options{
		Options: &bbolt.Options{
			Timeout: 1 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Database{store: store}, nil
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.store.Close()
}

func notFound(err error) error {
	if errors.Is(err, bolthold.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// nextID draws the next id of a record type from its own sequence bucket
func nextID(tx *bbolt.Tx, name string) (uint64, error) {
	b, err := tx.CreateBucketIfNotExists([]byte("_seq_" + name))
	if err != nil {
		return 0, err
	}
	return b.NextSequence()
}

// Series operations

// CreateSeries creates a new series
func (db *Database) CreateSeries(series *Series) error {
	return db.store.Bolt().Update(func(tx *bbolt.Tx) error {
		id, err := nextID(tx, "Series")
		if err != nil {
			return err
		}
		series.ID = id
		series.CreatedAt = time.Now()
		series.UpdatedAt = series.CreatedAt
		return db.store.TxInsert(tx, id, series)
	})
}

// UpdateSeries updates an existing series
func (db *Database) UpdateSeries(series *Series) error {
	series.UpdatedAt = time.Now()
	return notFound(db.store.Update(series.ID, series))
}

// GetSeries retrieves a series by ID
func (db *Database) GetSeries(id uint64) (*Series, error) {
	var series Series
	if err := db.store.Get(id, &series); err != nil {
		return nil, notFound(err)
	}
	return &series, nil
}

// ListSeries retrieves every series
func (db *Database) ListSeries() ([]*Series, error) {
	var series []*Series
	err := db.store.Find(&series, nil)
	return series, err
}

// ListAutoScanSeries retrieves the series enabled for periodic scanning
func (db *Database) ListAutoScanSeries() ([]*Series, error) {
	var series []*Series
	err := db.store.Find(&series, bolthold.Where("AutoScan").Eq(true).Index("AutoScan"))
	return series, err
}

// Media item operations

// UpsertMediaItem inserts the item or overwrites the stored one, keeping its creation time
func (db *Database) UpsertMediaItem(item *MediaItem) (bool, error) {
	created := false
	err := db.store.Bolt().Update(func(tx *bbolt.Tx) error {
		var existing MediaItem
		err := db.store.TxGet(tx, item.UniqueID, &existing)
		now := time.Now()
		item.UpdatedAt = now
		if errors.Is(err, bolthold.ErrNotFound) {
			created = true
			item.CreatedAt = now
			return db.store.TxInsert(tx, item.UniqueID, item)
		}
		if err != nil {
			return err
		}
		item.CreatedAt = existing.CreatedAt
		return db.store.TxUpdate(tx, item.UniqueID, item)
	})
	return created, err
}

// UpdateMediaItem updates an existing media item
func (db *Database) UpdateMediaItem(item *MediaItem) error {
	item.UpdatedAt = time.Now()
	return notFound(db.store.Update(item.UniqueID, item))
}

// GetMediaItem retrieves a media item by its unique id
func (db *Database) GetMediaItem(uniqueID string) (*MediaItem, error) {
	var item MediaItem
	if err := db.store.Get(uniqueID, &item); err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

// ListMediaItems retrieves every media item of a series
func (db *Database) ListMediaItems(seriesID uint64) ([]*MediaItem, error) {
	var items []*MediaItem
	err := db.store.Find(&items, bolthold.Where("SeriesID").Eq(seriesID).Index("SeriesID"))
	return items, err
}

// FindMediaItemsByHash retrieves the media items acquired through a torrent
func (db *Database) FindMediaItemsByHash(hash string) ([]*MediaItem, error) {
	var items []*MediaItem
	err := db.store.Find(&items, bolthold.Where("TorrentHash").Eq(hash).Index("TorrentHash"))
	return items, err
}

// Acquisition task operations

// InsertAcquisitionTask inserts a task unless one already exists for the hash
func (db *Database) InsertAcquisitionTask(task *AcquisitionTask) error {
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt
	err := db.store.Insert(task.TorrentHash, task)
	if errors.Is(err, bolthold.ErrKeyExists) {
		return ErrAlreadyExists
	}
	return err
}

// UpdateAcquisitionTask updates an existing acquisition task
func (db *Database) UpdateAcquisitionTask(task *AcquisitionTask) error {
	task.UpdatedAt = time.Now()
	return notFound(db.store.Update(task.TorrentHash, task))
}

// DeleteAcquisitionTask deletes the task of a torrent; deleting a missing task is not an error
func (db *Database) DeleteAcquisitionTask(hash string) error {
	err := db.store.Delete(hash, &AcquisitionTask{})
	if errors.Is(err, bolthold.ErrNotFound) {
		return nil
	}
	return err
}

// ListAcquisitionTasks retrieves every acquisition task
func (db *Database) ListAcquisitionTasks() ([]*AcquisitionTask, error) {
	var tasks []*AcquisitionTask
	err := db.store.Find(&tasks, nil)
	return tasks, err
}

// Download task operations

// CreateDownloadTask creates a task unless a live one already exists for the same key
func (db *Database) CreateDownloadTask(task *DownloadTask) error {
	return db.store.Bolt().Update(func(tx *bbolt.Tx) error {
		n, err := db.store.TxCount(tx, &DownloadTask{}, bolthold.Where("TaskKey").Eq(task.TaskKey).Index("TaskKey"))
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyExists
		}
		id, err := nextID(tx, "DownloadTask")
		if err != nil {
			return err
		}
		task.ID = id
		if task.Status == "" {
			task.Status = DownloadPending
		}
		task.CreatedAt = time.Now()
		task.UpdatedAt = task.CreatedAt
		return db.store.TxInsert(tx, id, task)
	})
}

// UpdateDownloadTask updates an existing download task
func (db *Database) UpdateDownloadTask(task *DownloadTask) error {
	task.UpdatedAt = time.Now()
	return notFound(db.store.Update(task.ID, task))
}

// DeleteDownloadTask deletes a download task
func (db *Database) DeleteDownloadTask(id uint64) error {
	err := db.store.Delete(id, &DownloadTask{})
	if errors.Is(err, bolthold.ErrNotFound) {
		return nil
	}
	return err
}

// ListDownloadTasks retrieves every download task, oldest first
func (db *Database) ListDownloadTasks() ([]*DownloadTask, error) {
	var tasks []*DownloadTask
	err := db.store.Find(&tasks, (&bolthold.Query{}).SortBy("CreatedAt", "ID"))
	return tasks, err
}

// ListDownloadTasksForSeries retrieves the remaining download tasks of a series
func (db *Database) ListDownloadTasksForSeries(seriesID uint64) ([]*DownloadTask, error) {
	var tasks []*DownloadTask
	err := db.store.Find(&tasks, bolthold.Where("SeriesID").Eq(seriesID))
	return tasks, err
}

// OldestPendingDownloadTasks retrieves up to limit pending tasks, oldest first
func (db *Database) OldestPendingDownloadTasks(limit int) ([]*DownloadTask, error) {
	var tasks []*DownloadTask
	if limit <= 0 {
		return tasks, nil
	}
	query := bolthold.Where("Status").Eq(DownloadPending).Index("Status").SortBy("CreatedAt", "ID").Limit(limit)
	err := db.store.Find(&tasks, query)
	return tasks, err
}

// ResetDownloadTasks puts tasks left downloading or failed back to pending
func (db *Database) ResetDownloadTasks() (int, error) {
	var tasks []*DownloadTask
	err := db.store.Find(&tasks, bolthold.Where("Status").In(DownloadDownloading, DownloadError))
	if err != nil {
		return 0, err
	}
	for _, task := range tasks {
		task.Status = DownloadPending
		task.Progress = 0
		task.DLSpeed = 0
		task.ETA = -1
		if err := db.UpdateDownloadTask(task); err != nil {
			return 0, err
		}
	}
	return len(tasks), nil
}

// DeleteAllDownloadTasks deletes every download task that is not in flight
func (db *Database) DeleteAllDownloadTasks() error {
	return db.store.DeleteMatching(&DownloadTask{}, bolthold.Where("Status").Ne(DownloadDownloading))
}

// Slice task operations

// CreateSliceTask creates a task unless an unfinished one exists for the same media item
func (db *Database) CreateSliceTask(task *SliceTask) error {
	return db.store.Bolt().Update(func(tx *bbolt.Tx) error {
		query := bolthold.Where("MediaItemID").Eq(task.MediaItemID).Index("MediaItemID").
			And("Status").Ne(SliceCompleted)
		n, err := db.store.TxCount(tx, &SliceTask{}, query)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyExists
		}
		id, err := nextID(tx, "SliceTask")
		if err != nil {
			return err
		}
		task.ID = id
		if task.Status == "" {
			task.Status = SliceQueued
		}
		task.CreatedAt = time.Now()
		task.UpdatedAt = task.CreatedAt
		return db.store.TxInsert(tx, id, task)
	})
}

// UpdateSliceTask updates an existing slice task
func (db *Database) UpdateSliceTask(task *SliceTask) error {
	task.UpdatedAt = time.Now()
	return notFound(db.store.Update(task.ID, task))
}

// GetSliceTask retrieves a slice task by ID
func (db *Database) GetSliceTask(id uint64) (*SliceTask, error) {
	var task SliceTask
	if err := db.store.Get(id, &task); err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

// ListSliceTasks retrieves every slice task, oldest first
func (db *Database) ListSliceTasks() ([]*SliceTask, error) {
	var tasks []*SliceTask
	err := db.store.Find(&tasks, (&bolthold.Query{}).SortBy("CreatedAt", "ID"))
	return tasks, err
}

// NextQueuedSliceTask retrieves the oldest queued slice task
func (db *Database) NextQueuedSliceTask() (*SliceTask, error) {
	var tasks []*SliceTask
	query := bolthold.Where("Status").Eq(SliceQueued).Index("Status").SortBy("CreatedAt", "ID").Limit(1)
	if err := db.store.Find(&tasks, query); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrNotFound
	}
	return tasks[0], nil
}

// ResetSlicingTasks puts tasks left slicing back to queued
func (db *Database) ResetSlicingTasks() (int, error) {
	var tasks []*SliceTask
	if err := db.store.Find(&tasks, bolthold.Where("Status").Eq(SliceSlicing)); err != nil {
		return 0, err
	}
	for _, task := range tasks {
		task.Status = SliceQueued
		if err := db.UpdateSliceTask(task); err != nil {
			return 0, err
		}
	}
	return len(tasks), nil
}

// DeleteQueuedSliceTasks deletes every slice task still waiting in the queue
func (db *Database) DeleteQueuedSliceTasks() error {
	return db.store.DeleteMatching(&SliceTask{}, bolthold.Where("Status").Eq(SliceQueued))
}

// Rename task operations

// GetOrCreateRenameTask returns the active task of the given type for a series, creating a
// pending one when none exists. Lookup and insert share one write transaction.
func (db *Database) GetOrCreateRenameTask(seriesID uint64, taskType RenameType) (*RenameTask, bool, error) {
	var task *RenameTask
	created := false
	err := db.store.Bolt().Update(func(tx *bbolt.Tx) error {
		var active []*RenameTask
		query := bolthold.Where("SeriesID").Eq(seriesID).Index("SeriesID").
			And("TaskType").Eq(taskType).
			And("Status").In(RenamePending, RenameInProgress).
			SortBy("ID")
		if err := db.store.TxFind(tx, &active, query); err != nil {
			return err
		}
		if len(active) > 0 {
			task = active[0]
			return nil
		}
		id, err := nextID(tx, "RenameTask")
		if err != nil {
			return err
		}
		now := time.Now()
		task = &RenameTask{
			ID:        id,
			SeriesID:  seriesID,
			TaskType:  taskType,
			Status:    RenamePending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		created = true
		return db.store.TxInsert(tx, id, task)
	})
	if err != nil {
		return nil, false, err
	}
	return task, created, nil
}

// ClaimRenameTask moves a pending task to in_progress; it reports false if the task was not pending
func (db *Database) ClaimRenameTask(id uint64) (bool, error) {
	claimed := false
	err := db.store.Bolt().Update(func(tx *bbolt.Tx) error {
		var task RenameTask
		if err := db.store.TxGet(tx, id, &task); err != nil {
			return notFound(err)
		}
		if task.Status != RenamePending {
			return nil
		}
		task.Status = RenameInProgress
		task.UpdatedAt = time.Now()
		claimed = true
		return db.store.TxUpdate(tx, id, &task)
	})
	return claimed, err
}

// UpdateRenameTask updates an existing rename task
func (db *Database) UpdateRenameTask(task *RenameTask) error {
	task.UpdatedAt = time.Now()
	return notFound(db.store.Update(task.ID, task))
}

// ListPendingRenameTasks retrieves pending rename tasks, oldest first
func (db *Database) ListPendingRenameTasks() ([]*RenameTask, error) {
	var tasks []*RenameTask
	err := db.store.Find(&tasks, bolthold.Where("Status").Eq(RenamePending).Index("Status").SortBy("ID"))
	return tasks, err
}

// ResetRenameTasks puts tasks left in progress back to pending
func (db *Database) ResetRenameTasks() (int, error) {
	var tasks []*RenameTask
	if err := db.store.Find(&tasks, bolthold.Where("Status").Eq(RenameInProgress)); err != nil {
		return 0, err
	}
	for _, task := range tasks {
		task.Status = RenamePending
		if err := db.UpdateRenameTask(task); err != nil {
			return 0, err
		}
	}
	return len(tasks), nil
}

// DeletePendingRenameTasks deletes every rename task not yet started
func (db *Database) DeletePendingRenameTasks() error {
	return db.store.DeleteMatching(&RenameTask{}, bolthold.Where("Status").Eq(RenamePending))
}

// Status flag operations

// GetStatusFlags retrieves the flags of a series
func (db *Database) GetStatusFlags(seriesID uint64) (*SeriesStatusFlags, error) {
	var flags SeriesStatusFlags
	if err := db.store.Get(seriesID, &flags); err != nil {
		return nil, notFound(err)
	}
	return &flags, nil
}

// SaveStatusFlags stores the flags of a series
func (db *Database) SaveStatusFlags(flags *SeriesStatusFlags) error {
	flags.UpdatedAt = time.Now()
	return db.store.Upsert(flags.SeriesID, flags)
}

// ListStatusFlags retrieves the flags of every series
func (db *Database) ListStatusFlags() ([]*SeriesStatusFlags, error) {
	var flags []*SeriesStatusFlags
	err := db.store.Find(&flags, nil)
	return flags, err
}

// Scheduler state operations

// GetSchedulerState retrieves the persisted state of a loop
func (db *Database) GetSchedulerState(name string) (*SchedulerState, error) {
	var state SchedulerState
	if err := db.store.Get(name, &state); err != nil {
		return nil, notFound(err)
	}
	return &state, nil
}

// SaveSchedulerState stores the state of a loop
func (db *Database) SaveSchedulerState(state *SchedulerState) error {
	return db.store.Upsert(state.Name, state)
}
