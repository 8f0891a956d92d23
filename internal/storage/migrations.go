package storage

import (
	"database/sql"
	"fmt"

	"github.com/GuiaBolso/darwin"
)

// Schema migrations. Append only; darwin checksums applied scripts.
// One statement per migration keeps every driver happy.

var sqliteMigrations = []darwin.Migration{
	{Version: 1, Description: "create schedules", Script: `CREATE TABLE IF NOT EXISTS schedules (
		chat_id    INTEGER NOT NULL,
		at         TEXT    NOT NULL,
		thread_id  INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (chat_id, at)
	)`},
	{Version: 2, Description: "create pending_quizzes", Script: `CREATE TABLE IF NOT EXISTS pending_quizzes (
		chat_id        INTEGER PRIMARY KEY,
		thread_id      INTEGER NOT NULL DEFAULT 0,
		question_id    INTEGER NOT NULL,
		poll_id        TEXT    NOT NULL,
		message_id     INTEGER NOT NULL,
		correct_option INTEGER NOT NULL,
		sent_at        INTEGER NOT NULL
	)`},
	{Version: 3, Description: "index pending_quizzes.poll_id", Script: `CREATE INDEX IF NOT EXISTS idx_pending_poll ON pending_quizzes(poll_id)`},
	{Version: 4, Description: "create marks", Script: `CREATE TABLE IF NOT EXISTS marks (
		key        TEXT PRIMARY KEY,
		value      TEXT    NOT NULL,
		updated_at INTEGER NOT NULL
	)`},
	{Version: 5, Description: "create audit", Script: `CREATE TABLE IF NOT EXISTS audit (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		at             TEXT    NOT NULL,
		actor_id       INTEGER NOT NULL,
		actor_username TEXT,
		chat_id        INTEGER NOT NULL,
		thread_id      INTEGER NOT NULL DEFAULT 0,
		action         TEXT    NOT NULL,
		target         TEXT,
		err            TEXT,
		meta           TEXT
	)`},
}

var postgresMigrations = []darwin.Migration{
	{Version: 1, Description: "create schedules", Script: `CREATE TABLE IF NOT EXISTS schedules (
		chat_id    BIGINT  NOT NULL,
		at         TEXT    NOT NULL,
		thread_id  BIGINT  NOT NULL DEFAULT 0,
		created_at BIGINT  NOT NULL,
		PRIMARY KEY (chat_id, at)
	)`},
	{Version: 2, Description: "create pending_quizzes", Script: `CREATE TABLE IF NOT EXISTS pending_quizzes (
		chat_id        BIGINT PRIMARY KEY,
		thread_id      BIGINT NOT NULL DEFAULT 0,
		question_id    BIGINT NOT NULL,
		poll_id        TEXT   NOT NULL,
		message_id     BIGINT NOT NULL,
		correct_option INTEGER NOT NULL,
		sent_at        BIGINT NOT NULL
	)`},
	{Version: 3, Description: "index pending_quizzes.poll_id", Script: `CREATE INDEX IF NOT EXISTS idx_pending_poll ON pending_quizzes(poll_id)`},
	{Version: 4, Description: "create marks", Script: `CREATE TABLE IF NOT EXISTS marks (
		key        TEXT PRIMARY KEY,
		value      TEXT   NOT NULL,
		updated_at BIGINT NOT NULL
	)`},
	{Version: 5, Description: "create audit", Script: `CREATE TABLE IF NOT EXISTS audit (
		id             BIGSERIAL PRIMARY KEY,
		at             TEXT   NOT NULL,
		actor_id       BIGINT NOT NULL,
		actor_username TEXT,
		chat_id        BIGINT NOT NULL,
		thread_id      BIGINT NOT NULL DEFAULT 0,
		action         TEXT   NOT NULL,
		target         TEXT,
		err            TEXT,
		meta           TEXT
	)`},
}

func migrate(db *sql.DB, dialect darwin.Dialect, migrations []darwin.Migration) error {
	d := darwin.New(darwin.NewGenericDriver(db, dialect), migrations, nil)
	if err := d.Migrate(); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}
