package models

import "time"

// Flag names one independent status flag of a series
type Flag string

const (
	FlagWaiting     Flag = "waiting"
	FlagScanning    Flag = "scanning"
	FlagMetadata    Flag = "metadata"
	FlagRenaming    Flag = "renaming"
	FlagChecking    Flag = "checking"
	FlagActivating  Flag = "activating"
	FlagDownloading Flag = "downloading"
	FlagSlicing     Flag = "slicing"
	FlagReady       Flag = "ready"
	FlagError       Flag = "error"
	FlagViewing     Flag = "viewing"
)

// StatusPriority orders flags from most to least significant for display
var StatusPriority = []Flag{
	FlagError,
	FlagScanning,
	FlagChecking,
	FlagSlicing,
	FlagRenaming,
	FlagMetadata,
	FlagActivating,
	FlagDownloading,
	FlagReady,
	FlagViewing,
	FlagWaiting,
}

// SeriesStatusFlags holds every independently mutated status flag of one series
type SeriesStatusFlags struct {
	SeriesID uint64 `boltholdKey:"SeriesID"`

	IsWaiting     bool
	IsScanning    bool
	IsMetadata    bool
	IsRenaming    bool
	IsChecking    bool
	IsActivating  bool
	IsDownloading bool
	IsSlicing     bool
	IsReady       bool
	IsError       bool
	ViewingAt     *time.Time

	Status    string
	UpdatedAt time.Time
}

// Has reports whether a flag is set
func (f *SeriesStatusFlags) Has(flag Flag) bool {
	switch flag {
	case FlagWaiting:
		return f.IsWaiting
	case FlagScanning:
		return f.IsScanning
	case FlagMetadata:
		return f.IsMetadata
	case FlagRenaming:
		return f.IsRenaming
	case FlagChecking:
		return f.IsChecking
	case FlagActivating:
		return f.IsActivating
	case FlagDownloading:
		return f.IsDownloading
	case FlagSlicing:
		return f.IsSlicing
	case FlagReady:
		return f.IsReady
	case FlagError:
		return f.IsError
	case FlagViewing:
		return f.ViewingAt != nil
	}
	return false
}

// Set updates a boolean flag; FlagViewing is set to now or cleared
func (f *SeriesStatusFlags) Set(flag Flag, value bool, now time.Time) {
	switch flag {
	case FlagWaiting:
		f.IsWaiting = value
	case FlagScanning:
		f.IsScanning = value
	case FlagMetadata:
		f.IsMetadata = value
	case FlagRenaming:
		f.IsRenaming = value
	case FlagChecking:
		f.IsChecking = value
	case FlagActivating:
		f.IsActivating = value
	case FlagDownloading:
		f.IsDownloading = value
	case FlagSlicing:
		f.IsSlicing = value
	case FlagReady:
		f.IsReady = value
	case FlagError:
		f.IsError = value
	case FlagViewing:
		if value {
			t := now
			f.ViewingAt = &t
		} else {
			f.ViewingAt = nil
		}
	}
}

// Recompute sets IsWaiting and Status from the other flags
func (f *SeriesStatusFlags) Recompute() {
	f.IsWaiting = true
	for _, flag := range StatusPriority {
		if flag != FlagWaiting && f.Has(flag) {
			f.IsWaiting = false
			break
		}
	}
	for _, flag := range StatusPriority {
		if f.Has(flag) {
			f.Status = string(flag)
			return
		}
	}
	f.Status = string(FlagWaiting)
}

// SchedulerState persists the next run time of a periodic loop
type SchedulerState struct {
	Name      string `boltholdKey:"Name"`
	NextRunAt time.Time
}
