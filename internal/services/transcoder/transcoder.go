// Package transcoder implements ports.Transcoder with ffprobe and ffmpeg stream copies.
package transcoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/ports"
)

// FFmpeg runs ffprobe and ffmpeg binaries
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
	logger  *logrus.Logger
}

// New creates a new ffmpeg transcoder
func New(ffmpegPath, ffprobePath string, logger *logrus.Logger) *FFmpeg {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(ffprobePath) == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{
		ffmpeg:  ffmpegPath,
		ffprobe: ffprobePath,
		logger:  logger,
	}
}

// probeChapters is the -show_chapters JSON output
type probeChapters struct {
	Chapters []struct {
		ID        int64  `json:"id"`
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
	} `json:"chapters"`
}

// Chapters lists the chapters of a media file in playback order
func (f *FFmpeg) Chapters(ctx context.Context, source string) ([]ports.Chapter, error) {
	if strings.TrimSpace(source) == "" {
		return nil, errors.New("ffprobe chapters: empty path")
	}

	cmd := exec.CommandContext(ctx, f.ffprobe, "-v", "error", "-hide_banner", "-show_chapters", "-of", "json", "--", source)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe chapters: %w: %s", err, stderrOf(err))
	}
	return parseChapters(output)
}

func parseChapters(output []byte) ([]ports.Chapter, error) {
	var probe probeChapters
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("ffprobe parse: %w", err)
	}

	chapters := make([]ports.Chapter, 0, len(probe.Chapters))
	for _, c := range probe.Chapters {
		chapters = append(chapters, ports.Chapter{
			Start: seconds(c.StartTime),
			End:   seconds(c.EndTime),
		})
	}
	sort.SliceStable(chapters, func(i, j int) bool { return chapters[i].Start < chapters[j].Start })
	for i := range chapters {
		chapters[i].Index = i
	}
	return chapters, nil
}

// Extract stream-copies a section of source into destination. The output is written next
// to the destination and moved into place once ffmpeg succeeds.
func (f *FFmpeg) Extract(ctx context.Context, source string, start, duration time.Duration, destination string) error {
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("ffmpeg extract: source: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return fmt.Errorf("ffmpeg extract: %w", err)
	}

	partial := partialPath(destination)
	cmd := exec.CommandContext(ctx, f.ffmpeg, extractArgs(source, start, duration, partial)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		os.Remove(partial)
		return fmt.Errorf("ffmpeg extract: %w: %s", err, strings.TrimSpace(string(output)))
	}
	if err := os.Rename(partial, destination); err != nil {
		os.Remove(partial)
		return fmt.Errorf("ffmpeg extract: %w", err)
	}

	f.logger.WithFields(logrus.Fields{
		"source":      filepath.Base(source),
		"destination": filepath.Base(destination),
		"start":       start,
		"duration":    duration,
	}).Debug("Chapter extracted")
	return nil
}

func extractArgs(source string, start, duration time.Duration, destination string) []string {
	args := []string{"-y", "-v", "error", "-hide_banner", "-ss", formatSeconds(start), "-i", source}
	if duration > 0 {
		args = append(args, "-t", formatSeconds(duration))
	}
	return append(args, "-map", "0", "-c", "copy", "-avoid_negative_ts", "make_zero", destination)
}

// partialPath keeps the extension so ffmpeg can still infer the container
func partialPath(destination string) string {
	ext := filepath.Ext(destination)
	return strings.TrimSuffix(destination, ext) + ".partial" + ext
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func seconds(s string) time.Duration {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

func stderrOf(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return strings.TrimSpace(string(exitErr.Stderr))
	}
	return ""
}
