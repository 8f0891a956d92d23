package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"discquiz/internal/config"
	"discquiz/internal/leaderboard"
	"discquiz/internal/notifier"
	"discquiz/internal/storage"
	"discquiz/internal/task/engine"
	logx "discquiz/pkg/logx"
)

const (
	defaultPollTimeout     = 10 * time.Second
	defaultDeliveryTimeout = 15 * time.Second
	defaultBusyTimeout     = 1 * time.Second
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget returns the chat receiving Telegram log lines; 0 clears it.
func logTarget(cfg *config.Config) int64 {
	g := strings.TrimSpace(cfg.Telegram.GroupLog)
	if g == "" {
		return 0
	}
	id, err := strconv.ParseInt(g, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file":
		if path == "" {
			path = config.DefaultStoragePath
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "badger":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=badger")
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "postgres", "postgresql":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "postgres", DSN: dsn}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     true,
		Workers:     4,
		QueueSize:   256,
		HistorySize: 200,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true, RetryMax: 3, DedupWindow: time.Hour}, nil
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedupWindow, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, nil
}

func mapLeaderboardConfig(cfg *config.Config) leaderboard.Config {
	lb := cfg.Leaderboard
	return leaderboard.Config{
		Enabled:  lb.Enabled,
		Time:     strings.TrimSpace(lb.Time),
		Period:   strings.TrimSpace(lb.Period),
		Scope:    strings.ToLower(strings.TrimSpace(lb.Scope)),
		ChatIDs:  append([]int64(nil), lb.ChatIDs...),
		AdminIDs: append([]int64(nil), cfg.Telegram.AdminUserIDs...),
	}
}

func mapQuizTimeouts(cfg *config.Config) (api, delivery time.Duration, err error) {
	if api, err = config.ParseDurationField("quiz.api_timeout", cfg.Quiz.APITimeout); err != nil {
		return 0, 0, err
	}
	if delivery, err = config.ParseDurationOrDefault("quiz.delivery_timeout", cfg.Quiz.DeliveryTimeout, defaultDeliveryTimeout); err != nil {
		return 0, 0, err
	}
	return api, delivery, nil
}
