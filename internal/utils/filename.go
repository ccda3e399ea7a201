package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// VideoExtensions lists the file extensions treated as video
var VideoExtensions = map[string]bool{
	".mkv":  true,
	".mp4":  true,
	".avi":  true,
	".m4v":  true,
	".mov":  true,
	".ts":   true,
	".webm": true,
	".wmv":  true,
}

// IsVideoFile reports whether the path has a video extension
func IsVideoFile(path string) bool {
	return VideoExtensions[strings.ToLower(filepath.Ext(path))]
}

var unsafeChars = strings.NewReplacer(
	"/", "-", "\\", "-", ":", " -", "*", "", "?", "", "\"", "'", "<", "", ">", "", "|", "-",
)

// SanitizeFilename removes characters that are invalid in file names
func SanitizeFilename(name string) string {
	name = unsafeChars.Replace(name)
	return strings.TrimSpace(strings.Trim(name, "."))
}

// EpisodeFilename returns "Title - SxxEyy.ext"
func EpisodeFilename(title string, season, episode int, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s - S%02dE%02d%s", SanitizeFilename(title), season, episode, ext)
}

// RangeFilename returns "Title - SxxEyy-Ezz.ext" for a compilation
func RangeFilename(title string, season, start, end int, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s - S%02dE%02d-E%02d%s", SanitizeFilename(title), season, start, end, ext)
}
