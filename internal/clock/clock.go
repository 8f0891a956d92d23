// Package clock provides the wall-clock source used by the dispatch and
// leaderboard loops.
package clock

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnsynced is returned when the host clock reads an impossible date,
// which happens on boards without an RTC before NTP has run.
var ErrUnsynced = errors.New("clock: host time not synchronized")

// Clock reads the current local time. A non-nil error means the reading
// cannot be trusted.
type Clock interface {
	Now() (time.Time, error)
}

var minSane = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// System reads time.Now in a configurable location.
type System struct {
	loc atomic.Pointer[time.Location]
	now func() time.Time
}

func NewSystem(loc *time.Location) *System {
	s := &System{now: time.Now}
	s.SetLocation(loc)
	return s
}

// SetLocation switches the timezone used for subsequent readings.
func (s *System) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	s.loc.Store(loc)
}

func (s *System) Location() *time.Location { return s.loc.Load() }

func (s *System) Now() (time.Time, error) {
	t := s.now()
	if t.Before(minSane) {
		return time.Time{}, fmt.Errorf("%w: read %s", ErrUnsynced, t.UTC().Format(time.RFC3339))
	}
	return t.In(s.loc.Load()), nil
}

// LoadLocation resolves an IANA name; empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("clock: timezone %q: %w", name, err)
	}
	return loc, nil
}

// Minute truncates t to the start of its minute.
func Minute(t time.Time) time.Time { return t.Truncate(time.Minute) }

// UntilNextMinute is the wait from t to the next minute boundary.
func UntilNextMinute(t time.Time) time.Duration {
	return Minute(t).Add(time.Minute).Sub(t)
}

// Manual is a settable Clock for tests.
type Manual struct {
	mu  sync.Mutex
	t   time.Time
	err error
}

func NewManual(t time.Time) *Manual { return &Manual{t: t} }

func (m *Manual) Now() (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return time.Time{}, m.err
	}
	return m.t, nil
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.t = t
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

// Fail makes subsequent readings return err; nil restores normal readings.
func (m *Manual) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}
