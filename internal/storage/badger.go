package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v3"

	"discquiz/internal/quiz"
	logx "discquiz/pkg/logx"
)

// Key layout:
//
//	sched/<chat>/<HH:MM> -> Schedule JSON
//	pending/<chat>       -> PendingQuiz JSON
//	poll/<poll id>       -> chat id
//	mark/<key>           -> raw value
//	audit/<unix nanos>-<seq> -> AuditEntry JSON
const (
	prefixSchedule = "sched/"
	prefixPending  = "pending/"
	prefixPoll     = "poll/"
	prefixMark     = "mark/"
	prefixAudit    = "audit/"
)

type badgerStore struct {
	db  *badger.DB
	log logx.Logger
	seq atomic.Uint64
}

// badgerLogger routes badger's printf-style logs into logx.
type badgerLogger struct{ log logx.Logger }

func (l badgerLogger) Errorf(f string, a ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(f, a...)))
}
func (l badgerLogger) Warningf(f string, a ...interface{}) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(f, a...)))
}
func (l badgerLogger) Infof(f string, a ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(f, a...)))
}
func (l badgerLogger) Debugf(f string, a ...interface{}) {
	l.log.Trace(strings.TrimSpace(fmt.Sprintf(f, a...)))
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for badger driver")
	}
	var opts badger.Options
	if path == ":memory:" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	opts = opts.WithLogger(badgerLogger{log: log.With(logx.String("comp", "badger"))})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger: %w", err)
	}
	return &badgerStore{db: db, log: log}, nil
}

func scheduleKey(chatID int64, at quiz.TimeOfDay) []byte {
	return []byte(prefixSchedule + strconv.FormatInt(chatID, 10) + "/" + at.String())
}

func pendingKey(chatID int64) []byte {
	return []byte(prefixPending + strconv.FormatInt(chatID, 10))
}

func pollKey(pollID string) []byte { return []byte(prefixPoll + pollID) }

func (s *badgerStore) Close() error {
	if s.db == nil {
		return nil
	}
	// Reclaim value log space before shutdown; ErrNoRewrite means nothing to do.
	if !s.db.Opts().InMemory {
		if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			s.log.Debug("badger value log gc", logx.Err(err))
		}
	}
	return s.db.Close()
}

func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error { return json.Unmarshal(val, v) })
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func (s *badgerStore) AddSchedule(_ context.Context, sc quiz.Schedule) (bool, error) {
	created := false
	err := s.db.Update(func(txn *badger.Txn) error {
		var existing quiz.Schedule
		found, err := getJSON(txn, scheduleKey(sc.ChatID, sc.At), &existing)
		if err != nil || found {
			return err
		}
		created = true
		return setJSON(txn, scheduleKey(sc.ChatID, sc.At), sc)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *badgerStore) RemoveSchedule(_ context.Context, chatID int64, at quiz.TimeOfDay) (bool, error) {
	removed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key := scheduleKey(chatID, at)
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		removed = true
		return txn.Delete(key)
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

func (s *badgerStore) ListSchedules(context.Context) ([]quiz.Schedule, error) {
	var out []quiz.Schedule
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixSchedule)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var sc quiz.Schedule
			err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &sc) })
			if err != nil {
				s.log.Warn("storage: skipping malformed schedule", logx.String("key", string(it.Item().Key())), logx.Err(err))
				continue
			}
			out = append(out, sc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

func (s *badgerStore) PutPending(_ context.Context, p quiz.PendingQuiz) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var prev quiz.PendingQuiz
		found, err := getJSON(txn, pendingKey(p.ChatID), &prev)
		if err != nil {
			return err
		}
		if found && prev.PollID != "" && prev.PollID != p.PollID {
			if err := txn.Delete(pollKey(prev.PollID)); err != nil {
				return err
			}
		}
		if err := setJSON(txn, pendingKey(p.ChatID), p); err != nil {
			return err
		}
		if p.PollID == "" {
			return nil
		}
		return txn.Set(pollKey(p.PollID), []byte(strconv.FormatInt(p.ChatID, 10)))
	})
}

func (s *badgerStore) GetPending(_ context.Context, chatID int64) (quiz.PendingQuiz, bool, error) {
	var p quiz.PendingQuiz
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, pendingKey(chatID), &p)
		return err
	})
	return p, found, err
}

func (s *badgerStore) PendingByPoll(_ context.Context, pollID string) (quiz.PendingQuiz, bool, error) {
	if pollID == "" {
		return quiz.PendingQuiz{}, false, nil
	}
	var p quiz.PendingQuiz
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pollKey(pollID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		chatID, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return err
		}
		found, err = getJSON(txn, pendingKey(chatID), &p)
		if err != nil {
			return err
		}
		// the index can only lag behind a replaced pending quiz
		if found && p.PollID != pollID {
			found = false
		}
		return nil
	})
	if err != nil || !found {
		return quiz.PendingQuiz{}, false, err
	}
	return p, true, nil
}

func (s *badgerStore) DeletePending(_ context.Context, chatID int64, pollID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var p quiz.PendingQuiz
		found, err := getJSON(txn, pendingKey(chatID), &p)
		if err != nil || !found {
			return err
		}
		if pollID != "" && p.PollID != pollID {
			return nil
		}
		if p.PollID != "" {
			if err := txn.Delete(pollKey(p.PollID)); err != nil {
				return err
			}
		}
		return txn.Delete(pendingKey(chatID))
	})
}

func (s *badgerStore) PutMark(_ context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixMark+key), []byte(value))
	})
}

func (s *badgerStore) GetMark(_ context.Context, key string) (string, bool, error) {
	var v string
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixMark + strings.TrimSpace(key)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		v, found = string(raw), true
		return nil
	})
	return v, found, err
}

func (s *badgerStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	key := fmt.Sprintf("%s%020d-%06d", prefixAudit, e.At.UnixNano(), s.seq.Add(1)%1000000)
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(key), e)
	})
}
