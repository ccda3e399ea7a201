package rules

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/ports"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		title string
		want  ports.Extraction
	}{
		{"Show.Name.S01E02.1080p.WEB-DL.mkv", ports.Extraction{Title: "Show Name", Season: 1, EpisodeStart: 2, Resolution: 1080}},
		{"Show Name S02E01-E12 720p", ports.Extraction{Title: "Show Name", Season: 2, EpisodeStart: 1, EpisodeEnd: 12, Resolution: 720}},
		{"Show Name 3x04", ports.Extraction{Title: "Show Name", Season: 3, EpisodeStart: 4}},
		{"[Group] Show Name - 05 [1080p].mkv", ports.Extraction{Title: "Show Name", EpisodeStart: 5, Resolution: 1080}},
		{"[Group] Show Name S2 (01-12) [480p]", ports.Extraction{Title: "Show Name S2", Season: 2, EpisodeStart: 1, EpisodeEnd: 12, Resolution: 480}},
		{"Show Name Season 1 Episode 7", ports.Extraction{Title: "Show Name", Season: 1, EpisodeStart: 7}},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			got, err := extract(tt.title)
			if err != nil {
				t.Fatalf("extract() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("extract() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestExtractNoEpisode(t *testing.T) {
	if _, err := extract("Show Name Complete Collection"); !errors.Is(err, ErrNoEpisode) {
		t.Errorf("error = %v, want ErrNoEpisode", err)
	}
}

func TestEngineCaches(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	e := NewEngine(logger)

	first, err := e.Extract("Show S01E01")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if e.cache.ItemCount() != 1 {
		t.Fatalf("cache size = %d, want 1", e.cache.ItemCount())
	}
	second, _ := e.Extract("Show S01E01")
	if first != second {
		t.Errorf("cached result differs: %+v vs %+v", first, second)
	}
}
