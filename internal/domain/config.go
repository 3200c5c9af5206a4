package domain

import (
	"path/filepath"
	"time"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Download     DownloadConfig     `mapstructure:"download"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Resolver     ResolverConfig     `mapstructure:"resolver"`
	Notification NotificationConfig `mapstructure:"notification"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DownloadConfig contains download-related configuration
type DownloadConfig struct {
	BaseDir          string        `mapstructure:"base_dir"`
	ChunkSize        int           `mapstructure:"chunk_size"`
	RateLimit        int64         `mapstructure:"rate_limit"` // bytes per second, 0 = unlimited
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	Referer          string        `mapstructure:"referer"`
	UserAgent        string        `mapstructure:"user_agent"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// QueueConfig contains queue-related configuration
type QueueConfig struct {
	Workers          int           `mapstructure:"workers"`
	AutoStartWorkers bool          `mapstructure:"auto_start_workers"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
	HistoryLimit     int           `mapstructure:"history_limit"`
	StatusTail       int           `mapstructure:"status_tail"`
	BusBuffer        int           `mapstructure:"bus_buffer"`
	DatabasePath     string        `mapstructure:"database_path"`
	BatchConcurrency int           `mapstructure:"batch_concurrency"`
}

// ResolverConfig contains configuration for the link resolver
type ResolverConfig struct {
	SiteURL           string        `mapstructure:"site_url"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	FetchRetries      int           `mapstructure:"fetch_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"` // 0 = unlimited
	UserAgent         string        `mapstructure:"user_agent"`
}

// NotificationConfig contains notification-related configuration
type NotificationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Sound   bool   `mapstructure:"sound"`
	Method  string `mapstructure:"method"` // osascript, notify-send
}

// LoggingConfig contains logging-related configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
}

// LogsDir returns the directory holding category log files
func (c DownloadConfig) LogsDir() string {
	return filepath.Join(c.BaseDir, ".logs")
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8000,
		},
		Download: DownloadConfig{
			BaseDir:          "$HOME/Downloads",
			ChunkSize:        64 * 1024,
			RateLimit:        0,
			ConnectTimeout:   30 * time.Second,
			ReadTimeout:      60 * time.Second,
			Referer:          "https://kwik.cx/",
			UserAgent:        defaultUserAgent,
			ProgressInterval: time.Second,
		},
		Queue: QueueConfig{
			Workers:          4,
			AutoStartWorkers: true,
			PollInterval:     time.Second,
			StopTimeout:      30 * time.Second,
			HistoryLimit:     50,
			StatusTail:       10,
			BusBuffer:        64,
			DatabasePath:     "$HOME/.pahe-extract/history.db",
			BatchConcurrency: 5,
		},
		Resolver: ResolverConfig{
			SiteURL:           "https://animepahe.si",
			MaxAttempts:       5,
			FetchRetries:      3,
			RetryDelay:        time.Second,
			ConnectTimeout:    10 * time.Second,
			RequestTimeout:    30 * time.Second,
			RequestsPerSecond: 4,
			UserAgent:         defaultUserAgent,
		},
		Notification: NotificationConfig{
			Enabled: false,
			Sound:   false,
			Method:  "notify-send",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stdout",
		},
	}
}
