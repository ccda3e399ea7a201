package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/amaumene/episodarr/internal/utils"
)

// Config holds all application configuration
type Config struct {
	// qBittorrent
	QBitURL         string
	QBitUsername    string
	QBitPassword    string
	QBitPollTimeout time.Duration

	// Transcoder
	FFmpegPath         string
	FFprobePath        string
	DeleteSlicedSource bool

	// Scheduling
	ScanInterval             time.Duration
	SchedulerTick            time.Duration
	DownloadTick             time.Duration
	DiskVerifySchedule       string // cron spec
	TorrentReconcileSchedule string // cron spec
	ViewingExpirySchedule    string // cron spec
	ViewingTimeout           time.Duration

	// Planning
	QualityPriority    []int
	TitleMatchDistance int

	// Transient error retry
	Retry utils.RetryPolicy

	// Server
	ServerPort string

	// Paths
	MediaRoot     string // default parent of series save paths
	ConfigFile    string // .env file in use, empty when configured from the environment only
	BlacklistFile string // $CONFIG_DIR/blacklist.txt
	DatabaseFile  string // $CONFIG_DIR/episodarr.db
	LockFile      string // $CONFIG_DIR/episodarr.lock

	// Logging
	LogLevel string
	LogFile  string
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	// Setup viper FIRST to load .env file
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		viper.AddConfigPath(dir)
	}
	viper.AutomaticEnv()

	// Load .env file if it exists (ignore if not found)
	_ = viper.ReadInConfig()

	setDefaults()

	// NOW read CONFIG_DIR from viper (which has loaded .env file)
	configDir := viper.GetString("CONFIG_DIR")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config", "episodarr")
	} else {
		// Convert relative path to absolute path
		absPath, err := filepath.Abs(configDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for CONFIG_DIR: %w", err)
		}
		configDir = absPath
	}

	// Create config directory if it doesn't exist
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	mediaRoot := viper.GetString("MEDIA_ROOT")
	if mediaRoot == "" {
		mediaRoot = filepath.Join(configDir, "media")
	}

	config := &Config{
		// qBittorrent
		QBitURL:         viper.GetString("QBIT_URL"),
		QBitUsername:    viper.GetString("QBIT_USERNAME"),
		QBitPassword:    viper.GetString("QBIT_PASSWORD"),
		QBitPollTimeout: time.Duration(viper.GetInt("QBIT_POLL_TIMEOUT_SECONDS")) * time.Second,

		// Transcoder
		FFmpegPath:         viper.GetString("FFMPEG_PATH"),
		FFprobePath:        viper.GetString("FFPROBE_PATH"),
		DeleteSlicedSource: viper.GetBool("DELETE_SLICED_SOURCE"),

		// Scheduling
		ScanInterval:             time.Duration(viper.GetInt("SCAN_INTERVAL_MINUTES")) * time.Minute,
		SchedulerTick:            time.Duration(viper.GetInt("SCHEDULER_TICK_SECONDS")) * time.Second,
		DownloadTick:             time.Duration(viper.GetInt("DOWNLOAD_TICK_SECONDS")) * time.Second,
		DiskVerifySchedule:       viper.GetString("DISK_VERIFY_SCHEDULE"),
		TorrentReconcileSchedule: viper.GetString("TORRENT_RECONCILE_SCHEDULE"),
		ViewingExpirySchedule:    viper.GetString("VIEWING_EXPIRY_SCHEDULE"),
		ViewingTimeout:           time.Duration(viper.GetInt("VIEWING_TIMEOUT_SECONDS")) * time.Second,

		// Planning
		QualityPriority:    utils.ParseQualityPriority(viper.GetString("QUALITY_PRIORITY")),
		TitleMatchDistance: viper.GetInt("TITLE_MATCH_DISTANCE"),

		Retry: utils.RetryPolicy{
			MaxRetries: uint64(viper.GetInt("RETRY_MAX")),
			Delay:      time.Duration(viper.GetInt("RETRY_DELAY_MS")) * time.Millisecond,
		},

		// Server
		ServerPort: viper.GetString("SERVER_PORT"),

		// Paths
		MediaRoot:     mediaRoot,
		ConfigFile:    viper.ConfigFileUsed(),
		BlacklistFile: filepath.Join(configDir, "blacklist.txt"),
		DatabaseFile:  filepath.Join(configDir, "episodarr.db"),
		LockFile:      filepath.Join(configDir, "episodarr.lock"),

		// Logging
		LogLevel: viper.GetString("LOG_LEVEL"),
		LogFile:  viper.GetString("LOG_FILE"),
	}

	return config, nil
}

func setDefaults() {
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("QBIT_POLL_TIMEOUT_SECONDS", 10)
	viper.SetDefault("FFMPEG_PATH", "ffmpeg")
	viper.SetDefault("FFPROBE_PATH", "ffprobe")
	viper.SetDefault("DELETE_SLICED_SOURCE", false)
	viper.SetDefault("SCAN_INTERVAL_MINUTES", 60)
	viper.SetDefault("SCHEDULER_TICK_SECONDS", 30)
	viper.SetDefault("DOWNLOAD_TICK_SECONDS", 2)
	viper.SetDefault("DISK_VERIFY_SCHEDULE", "@every 15m")
	viper.SetDefault("TORRENT_RECONCILE_SCHEDULE", "@every 1m")
	viper.SetDefault("VIEWING_EXPIRY_SCHEDULE", "@every 1m")
	viper.SetDefault("VIEWING_TIMEOUT_SECONDS", 120)
	viper.SetDefault("QUALITY_PRIORITY", "1080,720,480")
	viper.SetDefault("TITLE_MATCH_DISTANCE", 2)
	viper.SetDefault("RETRY_MAX", 3)
	viper.SetDefault("RETRY_DELAY_MS", 1000)
	viper.SetDefault("DOWNLOAD_WORKERS", 2)
	viper.SetDefault("PROGRESS_INTERVAL_MS", 1000)
}

// Validate checks the fields the daemon cannot run without
func (c *Config) Validate() error {
	if c.QBitURL == "" {
		return fmt.Errorf("QBIT_URL is required")
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("SCAN_INTERVAL_MINUTES must be positive")
	}
	if c.SchedulerTick <= 0 || c.DownloadTick <= 0 {
		return fmt.Errorf("SCHEDULER_TICK_SECONDS and DOWNLOAD_TICK_SECONDS must be positive")
	}
	return nil
}
