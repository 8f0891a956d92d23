package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/GuiaBolso/darwin"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	logx "discquiz/pkg/logx"
)

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := migrate(db.DB, darwin.PostgresDialect{}, postgresMigrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqlStore{db: db, log: log, pruneEvery: 500, auditKeep: 90 * 24 * time.Hour}, nil
}
