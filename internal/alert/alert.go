// Package alert fans execution failures out to notification channels.
// Delivery is best-effort and asynchronous; the execution path never
// blocks on a webhook.
package alert

import (
	"context"
	"sync"
	"time"

	"exec_gateway/internal/core"
)

// Level grades a notification.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Payload is one notification.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers a payload somewhere.
type Channel interface {
	Send(ctx context.Context, payload Payload) error
	Name() string
}

// Manager dispatches payloads to all registered channels concurrently.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.ILogger
}

// NewManager returns an empty manager. With no channels registered,
// Alert is a no-op beyond a log line.
func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

// AddChannel registers a delivery channel.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert fires the notification to every channel without waiting for
// delivery. Each channel gets its own 10 s timeout; failures are logged
// and otherwise swallowed.
func (m *Manager) Alert(ctx context.Context, title, message string, level Level, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	if len(channels) == 0 {
		return
	}
	m.logger.Info("Triggering alert", "title", title, "level", string(level))

	for _, ch := range channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := c.Send(sendCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
