package utils

import "testing"

func TestEpisodeFilename(t *testing.T) {
	if got := EpisodeFilename("Show: Name?", 1, 2, "mkv"); got != "Show - Name - S01E02.mkv" {
		t.Errorf("EpisodeFilename() = %q", got)
	}
	if got := RangeFilename("Show", 2, 1, 12, ".mp4"); got != "Show - S02E01-E12.mp4" {
		t.Errorf("RangeFilename() = %q", got)
	}
}

func TestIsVideoFile(t *testing.T) {
	if !IsVideoFile("a/b/Episode.MKV") {
		t.Error("MKV should be a video file")
	}
	if IsVideoFile("a/b/sample.nfo") {
		t.Error("nfo should not be a video file")
	}
}
