package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"discquiz/internal/clock"
	"discquiz/internal/leaderboard"
	"discquiz/internal/storage"
	logx "discquiz/pkg/logx"
)

// Validate checks cfg as a whole; it reports every problem found.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			add(fmt.Errorf("%s must be >= 0", path))
		}
	}

	// telegram
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token is required (or set %s)", EnvToken))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add(fmt.Errorf("telegram.group_log: invalid chat id %q", g))
		}
	}

	// logging
	if l := strings.TrimSpace(cfg.Logging.Level); l != "" && !logx.ValidLevel(l) {
		add(fmt.Errorf("logging.level: unknown level %q", l))
	}
	if l := strings.TrimSpace(cfg.Logging.Telegram.MinLevel); l != "" && !logx.ValidLevel(l) {
		add(fmt.Errorf("logging.telegram.min_level: unknown level %q", l))
	}
	nonNeg("logging.telegram.rate_per_sec", cfg.Logging.Telegram.RatePerSec)

	// quiz
	if u := strings.TrimSpace(cfg.Quiz.APIURL); u != "" {
		add(validateHTTPURL("quiz.api_url", u))
	}
	if u := strings.TrimSpace(cfg.Quiz.RulesPageURL); u != "" {
		add(validateHTTPURL("quiz.rules_page_url", u))
	}
	dur("quiz.api_timeout", cfg.Quiz.APITimeout)
	dur("quiz.delivery_timeout", cfg.Quiz.DeliveryTimeout)
	if _, err := clock.LoadLocation(strings.TrimSpace(cfg.Quiz.Timezone)); err != nil {
		add(fmt.Errorf("quiz.timezone: %w", err))
	}

	// leaderboard
	lb := cfg.Leaderboard
	if lb.Enabled || strings.TrimSpace(lb.Time) != "" {
		if _, err := leaderboard.ParseTrigger(lb.Time); err != nil {
			add(fmt.Errorf("leaderboard.time: %w", err))
		}
	}
	switch strings.ToLower(strings.TrimSpace(lb.Scope)) {
	case "", leaderboard.ScopeChats, leaderboard.ScopeAdmins:
	case leaderboard.ScopeList:
		if lb.Enabled && len(lb.ChatIDs) == 0 {
			add(errors.New("leaderboard.chat_ids is required when leaderboard.scope=list"))
		}
	default:
		add(fmt.Errorf("leaderboard.scope: unknown scope %q", lb.Scope))
	}

	// task engine
	if te := cfg.TaskEngine; te != nil {
		nonNeg("task_engine.workers", te.Workers)
		nonNeg("task_engine.queue_size", te.QueueSize)
		nonNeg("task_engine.history_size", te.HistorySize)
		nonNeg("task_engine.retry_max", te.RetryMax)
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
	}

	// notifier
	if n := cfg.Notifier; n != nil {
		nonNeg("notifier.workers", n.Workers)
		nonNeg("notifier.queue_size", n.QueueSize)
		nonNeg("notifier.rate_per_sec", n.RatePerSec)
		nonNeg("notifier.retry_max", n.RetryMax)
		nonNeg("notifier.dedup_max_entries", n.DedupMaxEntries)
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	// storage
	add(validateStorage(cfg.Storage))

	return errors.Join(errs...)
}

func validateHTTPURL(path, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: expected an http(s) URL, got %q", path, raw)
	}
	return nil
}

func validateStorage(sc StorageConfig) error {
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if !storage.KnownDriver(driver) {
		return fmt.Errorf("storage.driver: unknown driver %q", sc.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout); err != nil {
		return err
	}
	switch driver {
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return fmt.Errorf("storage.dsn is required when storage.driver=%s (or set %s)", driver, EnvStorageDSN)
		}
	case "sqlite", "sqlite3", "badger":
		if strings.TrimSpace(sc.Path) == "" {
			return fmt.Errorf("storage.path is required when storage.driver=%s (or set %s)", driver, EnvDatabasePath)
		}
	}
	return nil
}
