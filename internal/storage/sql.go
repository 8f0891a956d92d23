package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"discquiz/internal/quiz"
	logx "discquiz/pkg/logx"
)

// sqlStore implements Store over sqlx. Queries are written with '?'
// placeholders and rebound for the driver.
type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
	auditKeep  time.Duration
}

type scheduleRow struct {
	ChatID   int64  `db:"chat_id"`
	At       string `db:"at"`
	ThreadID int64  `db:"thread_id"`
}

type pendingRow struct {
	ChatID        int64  `db:"chat_id"`
	ThreadID      int64  `db:"thread_id"`
	QuestionID    int64  `db:"question_id"`
	PollID        string `db:"poll_id"`
	MessageID     int64  `db:"message_id"`
	CorrectOption int64  `db:"correct_option"`
	SentAt        int64  `db:"sent_at"`
}

func (r pendingRow) quiz() quiz.PendingQuiz {
	return quiz.PendingQuiz{
		ChatID:        r.ChatID,
		ThreadID:      int(r.ThreadID),
		QuestionID:    r.QuestionID,
		PollID:        r.PollID,
		MessageID:     int(r.MessageID),
		CorrectOption: int(r.CorrectOption),
		SentAt:        time.UnixMilli(r.SentAt),
	}
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	return s.db.ExecContext(ctx, s.db.Rebind(q), args...)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) AddSchedule(ctx context.Context, sc quiz.Schedule) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO schedules(chat_id, at, thread_id, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(chat_id, at) DO NOTHING`,
		sc.ChatID, sc.At.String(), sc.ThreadID, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) RemoveSchedule(ctx context.Context, chatID int64, at quiz.TimeOfDay) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM schedules WHERE chat_id = ? AND at = ?`, chatID, at.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) ListSchedules(ctx context.Context) ([]quiz.Schedule, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	var rows []scheduleRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT chat_id, at, thread_id FROM schedules ORDER BY chat_id, at`); err != nil {
		return nil, err
	}
	out := make([]quiz.Schedule, 0, len(rows))
	for _, r := range rows {
		at, err := quiz.ParseTimeOfDay(r.At)
		if err != nil {
			s.log.Warn("storage: skipping malformed schedule row", logx.Int64("chat_id", r.ChatID), logx.String("at", r.At))
			continue
		}
		out = append(out, quiz.Schedule{ChatID: r.ChatID, ThreadID: int(r.ThreadID), At: at})
	}
	return out, nil
}

func (s *sqlStore) PutPending(ctx context.Context, p quiz.PendingQuiz) error {
	_, err := s.exec(ctx,
		`INSERT INTO pending_quizzes(chat_id, thread_id, question_id, poll_id, message_id, correct_option, sent_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   thread_id=excluded.thread_id, question_id=excluded.question_id, poll_id=excluded.poll_id,
		   message_id=excluded.message_id, correct_option=excluded.correct_option, sent_at=excluded.sent_at`,
		p.ChatID, p.ThreadID, p.QuestionID, p.PollID, p.MessageID, p.CorrectOption, p.SentAt.UnixMilli(),
	)
	return err
}

func (s *sqlStore) getPending(ctx context.Context, where string, arg any) (quiz.PendingQuiz, bool, error) {
	if s == nil || s.db == nil {
		return quiz.PendingQuiz{}, false, ErrClosed
	}
	var r pendingRow
	q := `SELECT chat_id, thread_id, question_id, poll_id, message_id, correct_option, sent_at
	      FROM pending_quizzes WHERE ` + where
	err := s.db.GetContext(ctx, &r, s.db.Rebind(q), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return quiz.PendingQuiz{}, false, nil
	}
	if err != nil {
		return quiz.PendingQuiz{}, false, err
	}
	return r.quiz(), true, nil
}

func (s *sqlStore) GetPending(ctx context.Context, chatID int64) (quiz.PendingQuiz, bool, error) {
	return s.getPending(ctx, "chat_id = ?", chatID)
}

func (s *sqlStore) PendingByPoll(ctx context.Context, pollID string) (quiz.PendingQuiz, bool, error) {
	if pollID == "" {
		return quiz.PendingQuiz{}, false, nil
	}
	return s.getPending(ctx, "poll_id = ?", pollID)
}

func (s *sqlStore) DeletePending(ctx context.Context, chatID int64, pollID string) error {
	if pollID == "" {
		_, err := s.exec(ctx, `DELETE FROM pending_quizzes WHERE chat_id = ?`, chatID)
		return err
	}
	_, err := s.exec(ctx, `DELETE FROM pending_quizzes WHERE chat_id = ? AND poll_id = ?`, chatID, pollID)
	return err
}

func (s *sqlStore) PutMark(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	_, err := s.exec(ctx,
		`INSERT INTO marks(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqlStore) GetMark(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrClosed
	}
	var v string
	err := s.db.GetContext(ctx, &v, s.db.Rebind(`SELECT value FROM marks WHERE key = ?`), strings.TrimSpace(key))
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, thread_id, action, target, err, meta)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID, e.ThreadID,
		e.Action, nullStr(e.Target), nullStr(e.Error), nullStr(e.MetaJSON),
	)
	if err == nil && s.pruneEvery > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		if perr := s.pruneAudit(pctx); perr != nil {
			s.log.Debug("audit prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqlStore) pruneAudit(ctx context.Context) error {
	if s.auditKeep <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.auditKeep).UTC().Format(time.RFC3339Nano)
	_, err := s.exec(ctx, `DELETE FROM audit WHERE at < ?`, cutoff)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
