package storage

import (
	"fmt"
	"strings"

	logx "discquiz/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	case "badger":
		return openBadger(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}

// KnownDriver reports whether Open accepts driver.
func KnownDriver(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "file", "sqlite", "sqlite3", "postgres", "postgresql", "badger":
		return true
	}
	return false
}
