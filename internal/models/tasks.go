package models

import (
	"sort"
	"time"
)

// AcquisitionTask tracks one in-flight torrent through the acquisition state machine
type AcquisitionTask struct {
	TorrentHash  string `boltholdKey:"TorrentHash"`
	SeriesID     uint64 `boltholdIndex:"SeriesID"`
	TorrentID    string // UniqueID of the media item being acquired
	OldTorrentID string // hash of a superseded torrent, removed on completion
	LinkType     LinkType

	Stage            Stage
	RecheckInitiated bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DownloadTask is one pending web video download
type DownloadTask struct {
	ID       uint64 `boltholdKey:"ID"`
	TaskKey  string `boltholdIndex:"TaskKey"` // UniqueID of the media item
	SeriesID uint64
	VideoURL string
	SavePath string

	Status    DownloadStatus `boltholdIndex:"Status"`
	Attempts  int
	Progress  float64 // 0..100
	DLSpeed   int64   // bytes/s
	ETA       int64   // seconds, -1 when unknown
	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SliceTask extracts the chapters of a compilation into single episodes
type SliceTask struct {
	ID          uint64 `boltholdKey:"ID"`
	MediaItemID string `boltholdIndex:"MediaItemID"`
	SeriesID    uint64

	Status           SliceStatus `boltholdIndex:"Status"`
	ProgressChapters map[int]ChapterState // episode -> state
	LastError        string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns the episodes of the progress map still pending, in order
func (t *SliceTask) Remaining() []int {
	var eps []int
	for ep, state := range t.ProgressChapters {
		if state != ChapterCompleted {
			eps = append(eps, ep)
		}
	}
	sort.Ints(eps)
	return eps
}

// RenameTask is a bulk reprocessing job for one series
type RenameTask struct {
	ID       uint64 `boltholdKey:"ID"`
	SeriesID uint64 `boltholdIndex:"SeriesID"`
	TaskType RenameType
	Status   RenameStatus `boltholdIndex:"Status"`
	Outcomes []RenameOutcome

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RenameOutcome records what happened to one file of a rename batch
type RenameOutcome struct {
	Item   string
	From   string
	To     string
	Result RenameResult
	Error  string
}
