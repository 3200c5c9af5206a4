package infrastructure

import (
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/yourusername/pahe-extract-go/internal/domain"
)

// NotificationService handles sending desktop notifications
type NotificationService struct {
	config *domain.NotificationConfig
	logger *zap.Logger
	run    func(name string, args ...string) error
}

// NewNotificationService creates a new notification service
func NewNotificationService(config *domain.NotificationConfig, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		config: config,
		logger: logger,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// Send sends a notification
func (n *NotificationService) Send(title, message string) error {
	if !n.config.Enabled {
		n.logger.Debug("Notifications disabled, skipping",
			zap.String("title", title),
			zap.String("message", message))
		return nil
	}

	var err error
	switch n.config.Method {
	case "osascript":
		script := fmt.Sprintf(`display notification %q with title %q`, message, title)
		err = n.run("osascript", "-e", script)
	case "notify-send":
		err = n.run("notify-send", title, message)
	default:
		n.logger.Warn("Unknown notification method", zap.String("method", n.config.Method))
		return nil
	}

	if err != nil {
		n.logger.Error("Failed to send notification",
			zap.String("method", n.config.Method),
			zap.Error(err))
		return err
	}

	n.logger.Debug("Notification sent",
		zap.String("title", title),
		zap.String("message", message))
	return nil
}

// HandleProgress notifies on completed and failed transfers. It is meant
// to be subscribed to the progress bus; other events are ignored.
func (n *NotificationService) HandleProgress(s domain.TaskSnapshot) error {
	switch s.Status {
	case domain.StatusCompleted:
		n.NotifyDownloadCompleted(s)
	case domain.StatusFailed:
		n.NotifyDownloadFailed(s)
	}
	return nil
}

// NotifyDownloadCompleted sends notification when a transfer completes
func (n *NotificationService) NotifyDownloadCompleted(s domain.TaskSnapshot) {
	message := fmt.Sprintf("%s (%s)", truncateString(s.Filename, 40), truncateString(s.Group, 30))
	_ = n.Send("Download Completed", message)
}

// NotifyDownloadFailed sends notification when a transfer fails
func (n *NotificationService) NotifyDownloadFailed(s domain.TaskSnapshot) {
	message := fmt.Sprintf("%s: %s", truncateString(s.Filename, 40), truncateString(s.Error, 60))
	_ = n.Send("Download Failed", message)
}

// truncateString truncates a string to the specified length
func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
