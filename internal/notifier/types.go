package notifier

import "time"

// Config controls throttling and retries. Zero values take defaults.
type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// NotificationEvent is the payload of notifier.* bus events.
type NotificationEvent struct {
	Kind     string    `json:"kind"`
	UserID   int64     `json:"user_id"`
	ChatID   int64     `json:"chat_id"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
