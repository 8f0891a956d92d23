// Package schedule owns the set of (chat, time-of-day) quiz triggers.
package schedule

import (
	"context"
	"sort"
	"sync"

	"discquiz/internal/quiz"
	"discquiz/internal/runtime/keylock"
	"discquiz/internal/storage"
	logx "discquiz/pkg/logx"
)

type AddResult int

const (
	Created AddResult = iota + 1
	AlreadyExists
)

func (r AddResult) String() string {
	switch r {
	case Created:
		return "created"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

type RemoveResult int

const (
	Removed RemoveResult = iota + 1
	NotFound
)

func (r RemoveResult) String() string {
	switch r {
	case Removed:
		return "removed"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Registry is the schedule set seen by commands and the dispatch engine.
// Errors only report persistence failures; duplicate and missing entries
// are results.
type Registry interface {
	Add(ctx context.Context, s quiz.Schedule) (AddResult, error)
	Remove(ctx context.Context, chatID int64, at quiz.TimeOfDay) (RemoveResult, error)
	// List returns the chat's times in ascending order.
	List(chatID int64) []quiz.TimeOfDay
	// Snapshot returns every schedule, ordered by chat then time.
	Snapshot() []quiz.Schedule
}

// Service is the store-backed Registry.
//
// Mutations of one chat are serialized by a per-chat lock held across the
// store write. The index lock is only held for in-memory reads and the
// final publish, never across I/O, so snapshots stay cheap while a slow
// write is in flight.
type Service struct {
	store storage.Store
	log   logx.Logger

	chatLocks keylock.Map

	mu    sync.RWMutex
	index map[int64]map[quiz.TimeOfDay]quiz.Schedule
}

// Open loads the persisted schedules.
func Open(ctx context.Context, store storage.Store, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	list, err := store.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	s := &Service{
		store: store,
		log:   log,
		index: make(map[int64]map[quiz.TimeOfDay]quiz.Schedule),
	}
	for _, sc := range list {
		s.put(sc)
	}
	log.Info("schedules loaded", logx.Int("count", len(list)))
	return s, nil
}

func (s *Service) put(sc quiz.Schedule) {
	m := s.index[sc.ChatID]
	if m == nil {
		m = make(map[quiz.TimeOfDay]quiz.Schedule)
		s.index[sc.ChatID] = m
	}
	m[sc.At] = sc
}

func (s *Service) exists(chatID int64, at quiz.TimeOfDay) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[chatID][at]
	return ok
}

func (s *Service) Add(ctx context.Context, sc quiz.Schedule) (AddResult, error) {
	unlock := s.chatLocks.Lock(sc.ChatID)
	defer unlock()

	if s.exists(sc.ChatID, sc.At) {
		return AlreadyExists, nil
	}
	created, err := s.store.AddSchedule(ctx, sc)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.put(sc)
	s.mu.Unlock()

	if !created {
		// store already had it; the index was stale
		return AlreadyExists, nil
	}
	s.log.Info("schedule added", logx.Int64("chat_id", sc.ChatID), logx.String("at", sc.At.String()))
	return Created, nil
}

func (s *Service) Remove(ctx context.Context, chatID int64, at quiz.TimeOfDay) (RemoveResult, error) {
	unlock := s.chatLocks.Lock(chatID)
	defer unlock()

	if !s.exists(chatID, at) {
		return NotFound, nil
	}
	removed, err := s.store.RemoveSchedule(ctx, chatID, at)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	if m := s.index[chatID]; m != nil {
		delete(m, at)
		if len(m) == 0 {
			delete(s.index, chatID)
		}
	}
	s.mu.Unlock()

	if !removed {
		return NotFound, nil
	}
	s.log.Info("schedule removed", logx.Int64("chat_id", chatID), logx.String("at", at.String()))
	return Removed, nil
}

func (s *Service) List(chatID int64) []quiz.TimeOfDay {
	s.mu.RLock()
	out := make([]quiz.TimeOfDay, 0, len(s.index[chatID]))
	for at := range s.index[chatID] {
		out = append(out, at)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (s *Service) Snapshot() []quiz.Schedule {
	s.mu.RLock()
	n := 0
	for _, m := range s.index {
		n += len(m)
	}
	out := make([]quiz.Schedule, 0, n)
	for _, m := range s.index {
		for _, sc := range m {
			out = append(out, sc)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Chats returns each chat with at least one schedule, targeting the thread
// of its earliest schedule.
func (s *Service) Chats() []quiz.Schedule {
	snap := s.Snapshot()
	out := make([]quiz.Schedule, 0, len(snap))
	for _, sc := range snap {
		if len(out) > 0 && out[len(out)-1].ChatID == sc.ChatID {
			continue
		}
		out = append(out, sc)
	}
	return out
}

// DueAt returns the schedules whose time of day equals at.
func DueAt(snap []quiz.Schedule, at quiz.TimeOfDay) []quiz.Schedule {
	var out []quiz.Schedule
	for _, sc := range snap {
		if sc.At == at {
			out = append(out, sc)
		}
	}
	return out
}
