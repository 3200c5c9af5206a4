package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogCategory represents different log categories
type LogCategory string

const (
	CategoryQueue    LogCategory = "queue"    // Transfer lifecycle events (JSON)
	CategoryResolver LogCategory = "resolver" // Link resolution attempts (JSON)
	CategoryError    LogCategory = "error"    // Application errors (JSON)
)

// MultiLogger provides categorized logging with separate output files
type MultiLogger struct {
	loggers     map[LogCategory]*zap.Logger
	files       []*os.File
	config      MultiLoggerConfig
	mu          sync.RWMutex
	currentDate string
}

// MultiLoggerConfig contains configuration for multi-output logging
type MultiLoggerConfig struct {
	Level   string // debug, info, warn, error
	LogsDir string // Directory for log files
}

// NewMultiLogger creates a new multi-output logger
func NewMultiLogger(config MultiLoggerConfig) (*MultiLogger, error) {
	if config.LogsDir == "" {
		return nil, fmt.Errorf("logs_dir must be specified")
	}

	if err := os.MkdirAll(config.LogsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	ml := &MultiLogger{
		loggers:     make(map[LogCategory]*zap.Logger),
		config:      config,
		currentDate: time.Now().Format("20060102"),
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	levels := map[LogCategory]zapcore.Level{
		CategoryQueue:    level,
		CategoryResolver: level,
		CategoryError:    zapcore.ErrorLevel,
	}
	for category, lvl := range levels {
		l, err := ml.createStructuredLogger(category, lvl)
		if err != nil {
			_ = ml.Close()
			return nil, fmt.Errorf("failed to create %s logger: %w", category, err)
		}
		ml.loggers[category] = l
	}

	return ml, nil
}

// createStructuredLogger creates a JSON-formatted logger for a category
func (ml *MultiLogger) createStructuredLogger(category LogCategory, level zapcore.Level) (*zap.Logger, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "msg"
	encoderConfig.LevelKey = "level"
	encoderConfig.CallerKey = ""

	encoder := zapcore.NewJSONEncoder(encoderConfig)

	logPath := ml.getCategoryLogPath(category)
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	ml.files = append(ml.files, file)

	core := zapcore.NewCore(encoder, zapcore.AddSync(file), level)
	return zap.New(core), nil
}

// getCategoryLogPath generates a log file path for a category with current date
func (ml *MultiLogger) getCategoryLogPath(category LogCategory) string {
	filename := fmt.Sprintf("%s-%s.log", category, ml.currentDate)
	return filepath.Join(ml.config.LogsDir, filename)
}

// GetLogsDir returns the logs directory path
func (ml *MultiLogger) GetLogsDir() string {
	return ml.config.LogsDir
}

// GetLogger returns the structured logger for a specific category
func (ml *MultiLogger) GetLogger(category LogCategory) *zap.Logger {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	if logger, ok := ml.loggers[category]; ok {
		return logger
	}

	// Return error logger as fallback
	if logger, ok := ml.loggers[CategoryError]; ok {
		return logger
	}
	return zap.NewNop()
}

// Queue returns the queue logger (JSON format)
func (ml *MultiLogger) Queue() *zap.Logger {
	return ml.GetLogger(CategoryQueue)
}

// Resolver returns the resolver logger (JSON format)
func (ml *MultiLogger) Resolver() *zap.Logger {
	return ml.GetLogger(CategoryResolver)
}

// Error returns the error logger (JSON format)
func (ml *MultiLogger) Error() *zap.Logger {
	return ml.GetLogger(CategoryError)
}

// LogAppError logs an application-level error (Go errors, panics)
func (ml *MultiLogger) LogAppError(msg string, fields ...zap.Field) {
	ml.Error().Error(msg, fields...)
}

// LogQueueEvent logs a queue lifecycle event with structured data
func (ml *MultiLogger) LogQueueEvent(event string, fields ...zap.Field) {
	ml.Queue().Info(event, fields...)
}

// LogResolverEvent logs a resolution attempt or outcome
func (ml *MultiLogger) LogResolverEvent(event string, fields ...zap.Field) {
	ml.Resolver().Info(event, fields...)
}

// Sync flushes all loggers
func (ml *MultiLogger) Sync() error {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	var err error
	for _, logger := range ml.loggers {
		err = multierr.Append(err, logger.Sync())
	}
	return err
}

// Close flushes all loggers and closes their files
func (ml *MultiLogger) Close() error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	var err error
	for _, logger := range ml.loggers {
		err = multierr.Append(err, logger.Sync())
	}
	for _, f := range ml.files {
		err = multierr.Append(err, f.Close())
	}
	ml.loggers = map[LogCategory]*zap.Logger{}
	ml.files = nil
	return err
}
