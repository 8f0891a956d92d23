package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"discquiz/internal/quiz"
	logx "discquiz/pkg/logx"
)

// fileStore keeps state in memory and makes it durable with a journal.
//
// Files:
//   - <prefix>.state.json    (compacted snapshot)
//   - <prefix>.journal.jsonl (append-only, fsync'd per mutation)
//   - <prefix>.audit.jsonl   (append-only audit log)
//
// The journal is folded into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	statePath   string
	journalFile *os.File
	auditFile   *os.File

	schedules map[quiz.Key]quiz.Schedule
	pending   map[int64]quiz.PendingQuiz
	marks     map[string]string

	writes       int
	compactEvery int
	torn         bool
}

type fileSnapshot struct {
	Schedules []quiz.Schedule    `json:"schedules"`
	Pending   []quiz.PendingQuiz `json:"pending"`
	Marks     map[string]string  `json:"marks"`
}

const (
	opScheduleAdd = "schedule.add"
	opScheduleDel = "schedule.del"
	opPendingPut  = "pending.put"
	opPendingDel  = "pending.del"
	opMarkPut     = "mark.put"
)

type journalRecord struct {
	Op       string            `json:"op"`
	Schedule *quiz.Schedule    `json:"schedule,omitempty"`
	Pending  *quiz.PendingQuiz `json:"pending,omitempty"`
	ChatID   int64             `json:"chat_id,omitempty"`
	Key      string            `json:"key,omitempty"`
	Value    string            `json:"value,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		statePath:    prefix + ".state.json",
		schedules:    map[quiz.Key]quiz.Schedule{},
		pending:      map[int64]quiz.PendingQuiz{},
		marks:        map[string]string{},
		compactEvery: 500,
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.auditFile = af
	s.journalFile = jf
	// Fold the replayed journal into the snapshot so that new records never
	// land after a torn tail.
	if s.writes > 0 || s.torn {
		if err := s.compactLocked(); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.statePath)
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	for _, sc := range snap.Schedules {
		s.schedules[sc.Key()] = sc
	}
	for _, p := range snap.Pending {
		s.pending[p.ChatID] = p
	}
	for k, v := range snap.Marks {
		s.marks[k] = v
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	n := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// torn tail after a crash
			s.log.Warn("storage journal record skipped", logx.Err(err))
			s.torn = true
			continue
		}
		s.apply(r)
		n++
	}
	s.writes = n
	return sc.Err()
}

func (s *fileStore) apply(r journalRecord) {
	switch r.Op {
	case opScheduleAdd:
		if r.Schedule != nil {
			s.schedules[r.Schedule.Key()] = *r.Schedule
		}
	case opScheduleDel:
		if r.Schedule != nil {
			delete(s.schedules, r.Schedule.Key())
		}
	case opPendingPut:
		if r.Pending != nil {
			s.pending[r.Pending.ChatID] = *r.Pending
		}
	case opPendingDel:
		delete(s.pending, r.ChatID)
	case opMarkPut:
		s.marks[r.Key] = r.Value
	}
}

// commitLocked makes r durable, then applies it to memory.
func (s *fileStore) commitLocked(r journalRecord) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := s.journalFile.Write(append(b, '\n')); err != nil {
		return err
	}
	if err := s.journalFile.Sync(); err != nil {
		return err
	}
	s.apply(r)
	s.writes++
	if s.writes >= s.compactEvery {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{
		Schedules: make([]quiz.Schedule, 0, len(s.schedules)),
		Pending:   make([]quiz.PendingQuiz, 0, len(s.pending)),
		Marks:     s.marks,
	}
	for _, sc := range s.schedules {
		snap.Schedules = append(snap.Schedules, sc)
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Less(snap.Schedules[j]) })
	for _, p := range s.pending {
		snap.Pending = append(snap.Pending, p)
	}

	tmp := s.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journalFile.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	s.writes = 0
	s.torn = false
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		errs = append(errs, s.compactLocked(), s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AddSchedule(_ context.Context, sc quiz.Schedule) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sc.Key()]; ok {
		return false, nil
	}
	if err := s.commitLocked(journalRecord{Op: opScheduleAdd, Schedule: &sc}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) RemoveSchedule(_ context.Context, chatID int64, at quiz.TimeOfDay) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[quiz.Key{ChatID: chatID, At: at}]
	if !ok {
		return false, nil
	}
	if err := s.commitLocked(journalRecord{Op: opScheduleDel, Schedule: &sc}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) ListSchedules(context.Context) ([]quiz.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]quiz.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

func (s *fileStore) PutPending(_ context.Context, p quiz.PendingQuiz) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalRecord{Op: opPendingPut, Pending: &p})
}

func (s *fileStore) GetPending(_ context.Context, chatID int64) (quiz.PendingQuiz, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[chatID]
	return p, ok, nil
}

func (s *fileStore) PendingByPoll(_ context.Context, pollID string) (quiz.PendingQuiz, bool, error) {
	if pollID == "" {
		return quiz.PendingQuiz{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pending {
		if p.PollID == pollID {
			return p, true, nil
		}
	}
	return quiz.PendingQuiz{}, false, nil
}

func (s *fileStore) DeletePending(_ context.Context, chatID int64, pollID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[chatID]
	if !ok || (pollID != "" && p.PollID != pollID) {
		return nil
	}
	return s.commitLocked(journalRecord{Op: opPendingDel, ChatID: chatID})
}

func (s *fileStore) PutMark(_ context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalRecord{Op: opMarkPut, Key: key, Value: value})
}

func (s *fileStore) GetMark(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.marks[strings.TrimSpace(key)]
	return v, ok, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}
