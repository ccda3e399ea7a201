package models

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDatabase() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAcquisitionTaskRejectsDuplicateHash(t *testing.T) {
	db := newTestDatabase(t)

	task := &AcquisitionTask{TorrentHash: "abc", SeriesID: 1, Stage: StageAwaitingMetadata}
	if err := db.InsertAcquisitionTask(task); err != nil {
		t.Fatalf("first insert error = %v", err)
	}
	dup := &AcquisitionTask{TorrentHash: "abc", SeriesID: 2, Stage: StageRenaming}
	if err := db.InsertAcquisitionTask(dup); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second insert error = %v, want ErrAlreadyExists", err)
	}

	tasks, err := db.ListAcquisitionTasks()
	if err != nil {
		t.Fatalf("ListAcquisitionTasks() error = %v", err)
	}
	if len(tasks) != 1 || tasks[0].SeriesID != 1 {
		t.Errorf("tasks = %+v, want the first task only", tasks)
	}
}

func TestGetOrCreateRenameTaskIsAtomic(t *testing.T) {
	db := newTestDatabase(t)

	const callers = 16
	ids := make([]uint64, callers)
	createdCount := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, created, err := db.GetOrCreateRenameTask(7, RenameTorrentFiles)
			if err != nil {
				t.Errorf("GetOrCreateRenameTask() error = %v", err)
				return
			}
			mu.Lock()
			ids[i] = task.ID
			if created {
				createdCount++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if createdCount != 1 {
		t.Fatalf("created %d tasks, want 1", createdCount)
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("callers received different tasks: %v", ids)
		}
	}

	other, created, err := db.GetOrCreateRenameTask(7, RenameLocalFiles)
	if err != nil {
		t.Fatalf("GetOrCreateRenameTask() error = %v", err)
	}
	if !created || other.ID == ids[0] {
		t.Errorf("a different task type must get its own task")
	}
}

func TestClaimRenameTask(t *testing.T) {
	db := newTestDatabase(t)

	task, _, err := db.GetOrCreateRenameTask(1, RenameLocalFiles)
	if err != nil {
		t.Fatalf("GetOrCreateRenameTask() error = %v", err)
	}
	ok, err := db.ClaimRenameTask(task.ID)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v, want true", ok, err)
	}
	ok, err = db.ClaimRenameTask(task.ID)
	if err != nil || ok {
		t.Fatalf("second claim = %v, %v, want false", ok, err)
	}

	// an in-progress task still counts as active
	again, created, err := db.GetOrCreateRenameTask(1, RenameLocalFiles)
	if err != nil {
		t.Fatalf("GetOrCreateRenameTask() error = %v", err)
	}
	if created || again.ID != task.ID {
		t.Errorf("got new task %d while %d is in progress", again.ID, task.ID)
	}

	n, err := db.ResetRenameTasks()
	if err != nil || n != 1 {
		t.Fatalf("ResetRenameTasks() = %d, %v, want 1", n, err)
	}
	pending, err := db.ListPendingRenameTasks()
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %d, %v, want 1", len(pending), err)
	}
}

func TestDownloadTaskQueue(t *testing.T) {
	db := newTestDatabase(t)

	for _, key := range []string{"a", "b", "c"} {
		if err := db.CreateDownloadTask(&DownloadTask{TaskKey: key, SeriesID: 1}); err != nil {
			t.Fatalf("CreateDownloadTask(%s) error = %v", key, err)
		}
	}
	if err := db.CreateDownloadTask(&DownloadTask{TaskKey: "a", SeriesID: 1}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate key error = %v, want ErrAlreadyExists", err)
	}

	pending, err := db.OldestPendingDownloadTasks(2)
	if err != nil {
		t.Fatalf("OldestPendingDownloadTasks() error = %v", err)
	}
	if len(pending) != 2 || pending[0].TaskKey != "a" || pending[1].TaskKey != "b" {
		t.Fatalf("pending = %+v, want a and b", pending)
	}

	pending[0].Status = DownloadDownloading
	pending[1].Status = DownloadError
	for _, task := range pending {
		if err := db.UpdateDownloadTask(task); err != nil {
			t.Fatalf("UpdateDownloadTask() error = %v", err)
		}
	}

	n, err := db.ResetDownloadTasks()
	if err != nil || n != 2 {
		t.Fatalf("ResetDownloadTasks() = %d, %v, want 2", n, err)
	}
	all, err := db.OldestPendingDownloadTasks(10)
	if err != nil || len(all) != 3 {
		t.Fatalf("pending after reset = %d, %v, want 3", len(all), err)
	}
}

func TestUpsertMediaItemKeepsCreatedAt(t *testing.T) {
	db := newTestDatabase(t)

	item := &MediaItem{UniqueID: "1:x", SeriesID: 1, EpisodeStart: 1, Status: MediaPending}
	created, err := db.UpsertMediaItem(item)
	if err != nil || !created {
		t.Fatalf("first upsert = %v, %v, want created", created, err)
	}
	first := item.CreatedAt

	again := &MediaItem{UniqueID: "1:x", SeriesID: 1, EpisodeStart: 1, Status: MediaCompleted}
	created, err = db.UpsertMediaItem(again)
	if err != nil || created {
		t.Fatalf("second upsert = %v, %v, want update", created, err)
	}

	stored, err := db.GetMediaItem("1:x")
	if err != nil {
		t.Fatalf("GetMediaItem() error = %v", err)
	}
	if stored.Status != MediaCompleted {
		t.Errorf("Status = %s, want completed", stored.Status)
	}
	if !stored.CreatedAt.Equal(first) {
		t.Errorf("CreatedAt changed from %v to %v", first, stored.CreatedAt)
	}

	if _, err := db.GetMediaItem("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing item error = %v, want ErrNotFound", err)
	}
}

func TestSliceTaskQueue(t *testing.T) {
	db := newTestDatabase(t)

	task := &SliceTask{MediaItemID: "m1", SeriesID: 1, ProgressChapters: map[int]ChapterState{1: ChapterPending, 2: ChapterCompleted}}
	if err := db.CreateSliceTask(task); err != nil {
		t.Fatalf("CreateSliceTask() error = %v", err)
	}
	if err := db.CreateSliceTask(&SliceTask{MediaItemID: "m1"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate slice task error = %v, want ErrAlreadyExists", err)
	}

	next, err := db.NextQueuedSliceTask()
	if err != nil {
		t.Fatalf("NextQueuedSliceTask() error = %v", err)
	}
	if next.ID != task.ID || next.ProgressChapters[2] != ChapterCompleted {
		t.Fatalf("next = %+v, want stored task with progress", next)
	}

	next.Status = SliceSlicing
	if err := db.UpdateSliceTask(next); err != nil {
		t.Fatalf("UpdateSliceTask() error = %v", err)
	}
	if _, err := db.NextQueuedSliceTask(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("queue should be empty while slicing, got %v", err)
	}
	if n, err := db.ResetSlicingTasks(); err != nil || n != 1 {
		t.Fatalf("ResetSlicingTasks() = %d, %v, want 1", n, err)
	}
	if _, err := db.NextQueuedSliceTask(); err != nil {
		t.Fatalf("task should be queued again, got %v", err)
	}
}
