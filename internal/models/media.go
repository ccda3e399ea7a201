package models

import (
	"fmt"
	"time"
)

// Series represents a tracked show whose episodes are acquired automatically
type Series struct {
	ID      uint64 `boltholdKey:"ID"`
	Title   string
	Aliases []string

	Source   SeriesSource
	FeedURL  string
	SavePath string
	Season   int // default season when titles omit it
	AutoScan bool `boltholdIndex:"AutoScan"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MediaItem is one acquirable file: a single episode or a compilation of a range
type MediaItem struct {
	UniqueID string `boltholdKey:"UniqueID"`
	SeriesID uint64 `boltholdIndex:"SeriesID"`
	Title    string

	Season       int
	EpisodeStart int
	EpisodeEnd   *int // nil for singles
	Resolution   int

	// Source
	Link        string
	LinkType    LinkType
	VideoURL    string
	TorrentHash string `boltholdIndex:"TorrentHash"`

	PlanStatus      PlanStatus
	Status          MediaStatus
	SlicingStatus   SlicingStatus
	IsIgnoredByUser bool
	FinalFilename   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsCompilation reports whether the item covers an episode range
func (m *MediaItem) IsCompilation() bool {
	return m.EpisodeEnd != nil
}

// LastEpisode returns the final episode covered by the item
func (m *MediaItem) LastEpisode() int {
	if m.EpisodeEnd != nil {
		return *m.EpisodeEnd
	}
	return m.EpisodeStart
}

// Span returns the number of episodes covered
func (m *MediaItem) Span() int {
	return m.LastEpisode() - m.EpisodeStart + 1
}

// Episodes lists the (season, episode) keys covered by the item
func (m *MediaItem) Episodes() []EpisodeKey {
	keys := make([]EpisodeKey, 0, m.Span())
	for ep := m.EpisodeStart; ep <= m.LastEpisode(); ep++ {
		keys = append(keys, EpisodeKey{Season: m.Season, Episode: ep})
	}
	return keys
}

// EpisodeKey identifies one episode of a series
type EpisodeKey struct {
	Season  int
	Episode int
}

func (k EpisodeKey) String() string {
	return fmt.Sprintf("S%02dE%02d", k.Season, k.Episode)
}

// EpisodeUniqueID is the deterministic id of a single produced by slicing a compilation
func EpisodeUniqueID(seriesID uint64, season, episode int) string {
	return fmt.Sprintf("%d:s%02de%03d", seriesID, season, episode)
}
