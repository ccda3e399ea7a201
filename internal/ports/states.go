package ports

// Torrent states reported by the torrent client (qBittorrent WebUI vocabulary)
const (
	StateDownloading        = "downloading"
	StateUploading          = "uploading"
	StateStalledDL          = "stalledDL"
	StateStalledUP          = "stalledUP"
	StateForcedDL           = "forcedDL"
	StateForcedUP           = "forcedUP"
	StateMetaDL             = "metaDL"
	StateForcedMetaDL       = "forcedMetaDL"
	StateQueuedDL           = "queuedDL"
	StateQueuedUP           = "queuedUP"
	StatePausedDL           = "pausedDL"
	StatePausedUP           = "pausedUP"
	StateStoppedDL          = "stoppedDL"
	StateStoppedUP          = "stoppedUP"
	StateCheckingDL         = "checkingDL"
	StateCheckingUP         = "checkingUP"
	StateCheckingResumeData = "checkingResumeData"
	StateMoving             = "moving"
	StateAllocating         = "allocating"
	StateError              = "error"
	StateMissingFiles       = "missingFiles"
	StateUnknown            = "unknown"
)

// IsRunningState reports whether the torrent is actively transferring or queued to
func IsRunningState(state string) bool {
	switch state {
	case StateDownloading, StateUploading, StateStalledDL, StateStalledUP, StateForcedDL,
		StateForcedUP, StateMetaDL, StateForcedMetaDL, StateQueuedDL, StateQueuedUP, StateAllocating:
		return true
	}
	return false
}

// IsPausedState reports whether the torrent is in a stable paused state
func IsPausedState(state string) bool {
	switch state {
	case StatePausedDL, StatePausedUP, StateStoppedDL, StateStoppedUP:
		return true
	}
	return false
}

// IsCheckingState reports whether the torrent is verifying its data
func IsCheckingState(state string) bool {
	switch state {
	case StateCheckingDL, StateCheckingUP, StateCheckingResumeData:
		return true
	}
	return false
}

// IsDownloadingState reports whether the torrent still lacks data and is not paused
func IsDownloadingState(state string) bool {
	switch state {
	case StateDownloading, StateStalledDL, StateForcedDL, StateMetaDL, StateForcedMetaDL, StateQueuedDL, StateAllocating:
		return true
	}
	return false
}

// IsCompleteState reports whether the torrent holds all of its data
func IsCompleteState(state string) bool {
	switch state {
	case StateUploading, StateStalledUP, StateForcedUP, StateQueuedUP, StatePausedUP, StateStoppedUP, StateCheckingUP:
		return true
	}
	return false
}
