package models

// SeriesSource represents where the episodes of a series come from
type SeriesSource string

const (
	SourceTorrent SeriesSource = "torrent"
	SourceVideo   SeriesSource = "video"
)

// LinkType represents the kind of torrent link handed to the torrent client
type LinkType string

const (
	LinkMagnet LinkType = "magnet"
	LinkFile   LinkType = "file"
)

// PlanStatus represents the planner's verdict on a media item
type PlanStatus string

const (
	PlanCandidate         PlanStatus = "candidate"
	PlanInPlanSingle      PlanStatus = "in_plan_single"
	PlanInPlanCompilation PlanStatus = "in_plan_compilation"
	PlanReplaced          PlanStatus = "replaced"
	PlanRedundant         PlanStatus = "redundant"
)

// InPlan reports whether the status selects the item for acquisition
func (p PlanStatus) InPlan() bool {
	return p == PlanInPlanSingle || p == PlanInPlanCompilation
}

// MediaStatus represents the acquisition state of a media item
type MediaStatus string

const (
	MediaPending     MediaStatus = "pending"
	MediaDownloading MediaStatus = "downloading"
	MediaCompleted   MediaStatus = "completed"
	MediaError       MediaStatus = "error"
)

// SlicingStatus represents the chapter extraction state of a compilation
type SlicingStatus string

const (
	SlicingNone      SlicingStatus = ""
	SlicingQueued    SlicingStatus = "queued"
	SlicingActive    SlicingStatus = "slicing"
	SlicingCompleted SlicingStatus = "completed"
	SlicingError     SlicingStatus = "error"
)

// Stage represents a step of the per-torrent acquisition state machine
type Stage string

const (
	StageAwaitingMetadata          Stage = "awaiting_metadata"
	StagePollingForSize            Stage = "polling_for_size"
	StageAwaitingPauseBeforeRename Stage = "awaiting_pause_before_rename"
	StageRenaming                  Stage = "renaming"
	StageRechecking                Stage = "rechecking"
	StageActivating                Stage = "activating"
	StageDone                      Stage = "done"
)

// InitialStage returns the entry stage for a link type
func InitialStage(lt LinkType) Stage {
	if lt == LinkMagnet {
		return StageAwaitingMetadata
	}
	return StageAwaitingPauseBeforeRename
}

// DownloadStatus represents the state of a web video download task
type DownloadStatus string

const (
	DownloadPending     DownloadStatus = "pending"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadError       DownloadStatus = "error"
)

// SliceStatus represents the state of a chapter extraction task
type SliceStatus string

const (
	SliceQueued    SliceStatus = "queued"
	SliceSlicing   SliceStatus = "slicing"
	SliceCompleted SliceStatus = "completed"
	SliceError     SliceStatus = "error"
)

// ChapterState is the per-episode progress of a slice task
type ChapterState string

const (
	ChapterPending   ChapterState = "pending"
	ChapterCompleted ChapterState = "completed"
)

// RenameType selects the bulk procedure a rename task runs
type RenameType string

const (
	RenameTorrentFiles RenameType = "torrent_files"
	RenameLocalFiles   RenameType = "local_files"
)

// RenameStatus represents the state of a rename task
type RenameStatus string

const (
	RenamePending    RenameStatus = "pending"
	RenameInProgress RenameStatus = "in_progress"
	RenameCompleted  RenameStatus = "completed"
)

// RenameResult is the per-item outcome of a rename procedure
type RenameResult string

const (
	RenameRenamed RenameResult = "renamed"
	RenameSkipped RenameResult = "skipped"
	RenameFailed  RenameResult = "rename_error"
)
