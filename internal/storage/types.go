package storage

import (
	"context"
	"errors"
	"time"

	"discquiz/internal/quiz"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string        // file, sqlite, badger
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	ThreadID      int       `json:"thread_id,omitempty"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	Error         string    `json:"error,omitempty"`
	MetaJSON      string    `json:"meta,omitempty"`
}

// Store is the persistence API shared by every driver.
type Store interface {
	// AddSchedule inserts s unless (ChatID, At) already exists.
	AddSchedule(ctx context.Context, s quiz.Schedule) (created bool, err error)
	RemoveSchedule(ctx context.Context, chatID int64, at quiz.TimeOfDay) (removed bool, err error)
	ListSchedules(ctx context.Context) ([]quiz.Schedule, error)

	// PutPending replaces the chat's pending quiz and its poll index.
	PutPending(ctx context.Context, p quiz.PendingQuiz) error
	GetPending(ctx context.Context, chatID int64) (quiz.PendingQuiz, bool, error)
	PendingByPoll(ctx context.Context, pollID string) (quiz.PendingQuiz, bool, error)
	// DeletePending removes the chat's pending quiz if its poll matches
	// pollID. An empty pollID removes whatever is pending.
	DeletePending(ctx context.Context, chatID int64, pollID string) error

	PutMark(ctx context.Context, key, value string) error
	GetMark(ctx context.Context, key string) (string, bool, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
