// Package ports declares the collaborators the workers consume. Concrete adapters live
// under internal/services and internal/models.
package ports

import (
	"context"
	"time"

	"github.com/amaumene/episodarr/internal/models"
)

// TaskStore is the durable CRUD contract for every entity
type TaskStore interface {
	// Series
	CreateSeries(series *models.Series) error
	UpdateSeries(series *models.Series) error
	GetSeries(id uint64) (*models.Series, error)
	ListSeries() ([]*models.Series, error)
	ListAutoScanSeries() ([]*models.Series, error)

	// Media items
	UpsertMediaItem(item *models.MediaItem) (created bool, err error)
	UpdateMediaItem(item *models.MediaItem) error
	GetMediaItem(uniqueID string) (*models.MediaItem, error)
	ListMediaItems(seriesID uint64) ([]*models.MediaItem, error)
	FindMediaItemsByHash(hash string) ([]*models.MediaItem, error)

	// Acquisition tasks
	InsertAcquisitionTask(task *models.AcquisitionTask) error
	UpdateAcquisitionTask(task *models.AcquisitionTask) error
	DeleteAcquisitionTask(hash string) error
	ListAcquisitionTasks() ([]*models.AcquisitionTask, error)

	// Download tasks
	CreateDownloadTask(task *models.DownloadTask) error
	UpdateDownloadTask(task *models.DownloadTask) error
	DeleteDownloadTask(id uint64) error
	ListDownloadTasks() ([]*models.DownloadTask, error)
	ListDownloadTasksForSeries(seriesID uint64) ([]*models.DownloadTask, error)
	OldestPendingDownloadTasks(limit int) ([]*models.DownloadTask, error)
	ResetDownloadTasks() (int, error)
	DeleteAllDownloadTasks() error

	// Slice tasks
	CreateSliceTask(task *models.SliceTask) error
	UpdateSliceTask(task *models.SliceTask) error
	GetSliceTask(id uint64) (*models.SliceTask, error)
	ListSliceTasks() ([]*models.SliceTask, error)
	NextQueuedSliceTask() (*models.SliceTask, error)
	ResetSlicingTasks() (int, error)
	DeleteQueuedSliceTasks() error

	// Rename tasks
	GetOrCreateRenameTask(seriesID uint64, taskType models.RenameType) (task *models.RenameTask, created bool, err error)
	ClaimRenameTask(id uint64) (bool, error)
	UpdateRenameTask(task *models.RenameTask) error
	ListPendingRenameTasks() ([]*models.RenameTask, error)
	ResetRenameTasks() (int, error)
	DeletePendingRenameTasks() error

	// Status flags
	GetStatusFlags(seriesID uint64) (*models.SeriesStatusFlags, error)
	SaveStatusFlags(flags *models.SeriesStatusFlags) error
	ListStatusFlags() ([]*models.SeriesStatusFlags, error)

	// Scheduler state
	GetSchedulerState(name string) (*models.SchedulerState, error)
	SaveSchedulerState(state *models.SchedulerState) error
}

// TorrentInfo is the client's view of one torrent
type TorrentInfo struct {
	Hash      string
	Name      string
	State     string
	TotalSize int64
	Progress  float64
	SavePath  string
}

// TorrentDelta carries the fields of a torrent that changed since the last cursor
type TorrentDelta struct {
	State     *string
	TotalSize *int64
	Progress  *float64
}

// PollResult is the outcome of one long-poll round trip
type PollResult struct {
	Cursor     int64
	FullUpdate bool
	Torrents   map[string]TorrentDelta
	Removed    []string
}

// TorrentFile is one file inside a torrent
type TorrentFile struct {
	Index    int
	Name     string
	Size     int64
	Progress float64
}

// AddRequest describes a torrent to hand to the client
type AddRequest struct {
	Link     string
	LinkType models.LinkType
	Data     []byte // .torrent payload for LinkFile when Link is not a URL
	SavePath string
	Paused   bool
}

// TorrentClient is the command and long-poll API of the torrent client
type TorrentClient interface {
	Add(ctx context.Context, req AddRequest) error
	Pause(ctx context.Context, hashes ...string) error
	Resume(ctx context.Context, hashes ...string) error
	Recheck(ctx context.Context, hashes ...string) error
	Delete(ctx context.Context, deleteFiles bool, hashes ...string) error
	RenameFile(ctx context.Context, hash, oldPath, newPath string) error
	SetLocation(ctx context.Context, location string, hashes ...string) error
	InfoByHashes(ctx context.Context, hashes ...string) (map[string]TorrentInfo, error)
	Files(ctx context.Context, hash string) ([]TorrentFile, error)
	LongPoll(ctx context.Context, cursor int64) (*PollResult, error)
}

// Chapter is one chapter of a media file
type Chapter struct {
	Index int
	Start time.Duration
	End   time.Duration
}

// Transcoder performs stream-copy chapter extraction
type Transcoder interface {
	Chapters(ctx context.Context, source string) ([]Chapter, error)
	// Extract copies [start, start+duration) of source to destination; a zero
	// duration extracts to the end of the source.
	Extract(ctx context.Context, source string, start, duration time.Duration, destination string) error
}

// Extraction is the structured metadata the rule engine derives from a title
type Extraction struct {
	Title        string
	Season       int // 0 when undeterminable
	EpisodeStart int
	EpisodeEnd   int // 0 for a single episode
	Resolution   int
}

// RuleEngine derives metadata from release titles; it has no side effects
type RuleEngine interface {
	Extract(title string) (Extraction, error)
}

// Candidate is one release found by a scraper
type Candidate struct {
	Title     string
	Link      string
	LinkType  models.LinkType
	VideoURL  string
	Size      int64
	Published time.Time
}

// Scraper fetches release candidates for a series
type Scraper interface {
	Fetch(ctx context.Context, feedURL string) ([]Candidate, error)
}

// Progress is a download progress sample
type Progress struct {
	Downloaded int64
	Total      int64 // -1 when unknown
	Speed      int64 // bytes/s
}

// Percent returns completion in the 0..100 range
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Downloaded) * 100 / float64(p.Total)
}

// ETA returns the estimated seconds left, or -1 when unknown
func (p Progress) ETA() int64 {
	if p.Total <= 0 || p.Speed <= 0 {
		return -1
	}
	return (p.Total - p.Downloaded) / p.Speed
}

// ProgressFunc receives download progress samples
type ProgressFunc func(Progress)

// Downloader fetches a web video to a local file
type Downloader interface {
	Download(ctx context.Context, url, destination string, progress ProgressFunc) error
}

// Event names published on the broadcaster
const (
	EventSeriesStatus     = "series_status"
	EventDownloadProgress = "download_progress"
	EventQueueSnapshot    = "queue_snapshot"
	EventAgentSnapshot    = "agent_snapshot"
	EventSliceProgress    = "slice_progress"
	EventRenameCompleted  = "rename_completed"
	EventTaskError        = "task_error"
	EventScanState        = "scan_state"
)

// Event is one broadcast message
type Event struct {
	ID      string      `json:"id"`
	Name    string      `json:"event"`
	Payload interface{} `json:"payload"`
	Time    time.Time   `json:"time"`
}

// Broadcaster is a best-effort pub/sub hub
type Broadcaster interface {
	Publish(name string, payload interface{})
	Subscribe(buffer int) (id string, events <-chan Event, cancel func())
}

// TorrentFlags are the torrent-derived status flags of one series
type TorrentFlags struct {
	Downloading bool
	Checking    bool
}

// StatusReporter receives flag updates from the workers
type StatusReporter interface {
	SetStatus(seriesID uint64, flag models.Flag, value bool) error
	SyncAgentStages(stages map[uint64][]models.Stage) error
	SyncTorrentFlags(flags map[uint64]TorrentFlags) error
	SyncMediaStates(seriesID uint64, items []*models.MediaItem) error
	SyncDownloads(seriesID uint64, remaining []*models.DownloadTask) error
}
