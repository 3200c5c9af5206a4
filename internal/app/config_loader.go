package app

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/yourusername/pahe-extract-go/internal/domain"
)

// MaxWorkers is the largest worker pool accepted from configuration or settings
const MaxWorkers = 32

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string) (*domain.Config, error) {
	config := domain.DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.pahe-extract")
		v.AddConfigPath("/etc/pahe-extract")
	}

	// PAHE_QUEUE_WORKERS overrides queue.workers, and so on
	v.SetEnvPrefix("PAHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config = expandPaths(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// bindEnvKeys registers the keys AutomaticEnv should see during Unmarshal;
// viper only consults the environment for keys it already knows about.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"server.host", "server.port",
		"download.base_dir", "download.chunk_size", "download.rate_limit",
		"download.connect_timeout", "download.read_timeout", "download.referer",
		"download.user_agent", "download.progress_interval",
		"queue.workers", "queue.auto_start_workers", "queue.poll_interval",
		"queue.stop_timeout", "queue.history_limit", "queue.status_tail",
		"queue.bus_buffer", "queue.database_path", "queue.batch_concurrency",
		"resolver.site_url", "resolver.max_attempts", "resolver.fetch_retries", "resolver.retry_delay",
		"resolver.connect_timeout", "resolver.request_timeout",
		"resolver.requests_per_second", "resolver.user_agent",
		"notification.enabled", "notification.sound", "notification.method",
		"logging.level", "logging.format", "logging.output_path",
	} {
		_ = v.BindEnv(key)
	}
}

// expandPaths expands environment variables in path configurations
func expandPaths(config *domain.Config) *domain.Config {
	config.Download.BaseDir = expandPath(config.Download.BaseDir)
	config.Queue.DatabasePath = expandPath(config.Queue.DatabasePath)

	if config.Logging.OutputPath != "stdout" && config.Logging.OutputPath != "stderr" {
		config.Logging.OutputPath = expandPath(config.Logging.OutputPath)
	}

	return config
}

// expandPath expands environment variables and ~ in paths
func expandPath(path string) string {
	path = os.ExpandEnv(path)

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return path
}

// validateConfig validates the configuration
func validateConfig(config *domain.Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Download.BaseDir == "" {
		return fmt.Errorf("download base directory not configured")
	}

	if config.Download.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be at least 1 byte")
	}

	if config.Download.RateLimit < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}

	if config.Queue.Workers < 1 || config.Queue.Workers > MaxWorkers {
		return fmt.Errorf("workers must be between 1 and %d", MaxWorkers)
	}

	if config.Queue.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if config.Queue.DatabasePath == "" {
		return fmt.Errorf("queue database path not configured")
	}

	if u, err := url.Parse(config.Resolver.SiteURL); err != nil || u.Host == "" {
		return fmt.Errorf("invalid resolver site url: %q", config.Resolver.SiteURL)
	}

	if config.Resolver.MaxAttempts < 1 {
		return fmt.Errorf("resolver max attempts must be at least 1")
	}

	if config.Resolver.FetchRetries < 1 {
		return fmt.Errorf("resolver fetch retries must be at least 1")
	}

	if config.Resolver.RequestsPerSecond < 0 {
		return fmt.Errorf("resolver requests per second cannot be negative")
	}

	if config.Queue.HistoryLimit < 1 {
		config.Queue.HistoryLimit = 50
	}

	if config.Queue.BusBuffer < 1 {
		config.Queue.BusBuffer = 64
	}

	if config.Queue.BatchConcurrency < 1 {
		config.Queue.BatchConcurrency = 1
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	return nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *domain.Config, path string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	// Sections go through mapstructure so the file uses the same keys LoadConfig reads
	sections := map[string]interface{}{
		"server":       config.Server,
		"download":     config.Download,
		"queue":        config.Queue,
		"resolver":     config.Resolver,
		"notification": config.Notification,
		"logging":      config.Logging,
	}
	for key, section := range sections {
		values := map[string]interface{}{}
		if err := mapstructure.Decode(section, &values); err != nil {
			return fmt.Errorf("failed to encode %s config: %w", key, err)
		}
		v.Set(key, values)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
