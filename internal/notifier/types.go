package notifier

import (
	"time"

	"discquiz/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// Notification is one message to one chat.
type Notification struct {
	// Key identifies the message for dedup. Empty derives it from Target
	// and Text.
	Key     string
	Target  transport.ChatTarget
	Text    string
	Options *transport.SendOptions
}

type HistoryItem struct {
	At       time.Time
	Key      string
	ChatID   int64
	Attempts int
	Error    string
}
