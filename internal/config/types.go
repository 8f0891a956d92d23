// Package config loads, validates and watches the bot configuration.
package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Quiz        QuizConfig        `json:"quiz"`
	Leaderboard LeaderboardConfig `json:"leaderboard"`

	// TaskEngine runs quiz deliveries. Omitted means enabled with defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	// Notifier carries leaderboard broadcasts. Omitted means enabled with
	// defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Storage StorageConfig `json:"storage"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// GroupLog is the chat ID receiving Telegram log lines.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// QuizConfig points at the question/score service and sets delivery
// behavior.
//
// Defaults: api_timeout 3s, timezone UTC, delivery_timeout 15s.
type QuizConfig struct {
	APIURL          string `json:"api_url"`
	APITimeout      string `json:"api_timeout,omitempty"`
	RulesPageURL    string `json:"rules_page_url,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`
}

// LeaderboardConfig controls the daily leaderboard broadcast.
//
// Time is "HH:MM" or a 5-field cron expression evaluated in quiz.timezone.
// Scope is "chats" (every chat with a schedule, the default), "admins" or
// "list" (ChatIDs).
type LeaderboardConfig struct {
	Enabled bool    `json:"enabled"`
	Time    string  `json:"time"`
	Period  string  `json:"period,omitempty"`
	Scope   string  `json:"scope,omitempty"`
	ChatIDs []int64 `json:"chat_ids,omitempty"`
}

// TaskEngineConfig controls the delivery worker pool.
//
// Defaults: enabled, workers 4, queue_size 256, history_size 200,
// default_timeout and max_queue_delay disabled.
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig selects the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/discquiz.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// DefaultStoragePath is used by the file driver when no path is set.
const DefaultStoragePath = "./data/discquiz.json"
