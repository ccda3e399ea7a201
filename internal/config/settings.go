package config

import (
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Settings exposes the values that can change while the daemon runs
type Settings struct {
	downloadWorkers  atomic.Int64
	progressInterval atomic.Int64
	logger           *logrus.Logger
}

// NewSettings creates live settings seeded from the current configuration
func NewSettings(logger *logrus.Logger) *Settings {
	s := &Settings{logger: logger}
	s.Reload()
	return s
}

// Watch reloads the settings whenever the config file changes
func (s *Settings) Watch() {
	if viper.ConfigFileUsed() == "" {
		s.logger.Debug("No config file in use, live settings follow the environment only")
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		s.Reload()
		s.logger.WithFields(logrus.Fields{
			"file":              e.Name,
			"download_workers":  s.DownloadWorkers(),
			"progress_interval": s.ProgressInterval(),
		}).Info("Configuration reloaded")
	})
	viper.WatchConfig()
}

// Reload re-reads the live values
func (s *Settings) Reload() {
	workers := viper.GetInt64("DOWNLOAD_WORKERS")
	if workers < 1 {
		workers = 1
	}
	s.downloadWorkers.Store(workers)

	interval := viper.GetInt64("PROGRESS_INTERVAL_MS")
	if interval < 0 {
		interval = 0
	}
	s.progressInterval.Store(interval)
}

// DownloadWorkers returns the download concurrency limit
func (s *Settings) DownloadWorkers() int {
	return int(s.downloadWorkers.Load())
}

// SetDownloadWorkers overrides the download concurrency limit
func (s *Settings) SetDownloadWorkers(n int) {
	if n < 1 {
		n = 1
	}
	s.downloadWorkers.Store(int64(n))
}

// ProgressInterval returns the minimum delay between two progress reports
func (s *Settings) ProgressInterval() time.Duration {
	return time.Duration(s.progressInterval.Load()) * time.Millisecond
}
