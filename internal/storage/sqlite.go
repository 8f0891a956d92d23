package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/GuiaBolso/darwin"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "discquiz/pkg/logx"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know by name.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if err := migrate(db.DB, darwin.SqliteDialect{}, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqlStore{db: db, log: log, pruneEvery: 500, auditKeep: 90 * 24 * time.Hour}, nil
}
