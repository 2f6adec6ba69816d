package alert

import (
	"context"
	"errors"
	"time"
)

var (
	ErrThrottled = errors.New("alert: sink throttled")
	ErrNoCommand = errors.New("alert: command sink has no command")
	ErrNoChat    = errors.New("alert: telegram sink has no chat id")
)

// Config controls the alert pipeline and its sinks.
type Config struct {
	Enabled   bool
	QueueSize int
	// Timeout bounds each sink call.
	Timeout  time.Duration
	Log      bool
	Command  CommandConfig
	Telegram TelegramConfig
}

type CommandConfig struct {
	Enabled bool
	Path    string
	Args    []string
}

type TelegramConfig struct {
	Enabled  bool
	Token    string
	ChatID   int64
	ThreadID int
	// MinInterval is the minimum spacing between two messages.
	MinInterval time.Duration
	Template    string
}

// Event is one edge-triggered alert.
type Event struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	Unread int       `json:"unread"`
	// Coalesced counts alerts merged into this one while the queue was full.
	Coalesced int `json:"coalesced,omitempty"`
}

// Sink performs the alert side effect.
type Sink interface {
	Name() string
	Alert(ctx context.Context, e Event) error
}

// Failure is the payload of alert.failed bus events.
type Failure struct {
	Sink    string `json:"sink"`
	EventID string `json:"event_id"`
	Error   string `json:"error"`
}
