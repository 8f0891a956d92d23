package clock

import (
	"errors"
	"testing"
	"time"
)

func TestSystemNowUsesLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+8", 8*3600)
	s := NewSystem(loc)
	s.now = func() time.Time { return time.Date(2024, 5, 1, 2, 35, 0, 0, time.UTC) }

	got, err := s.Now()
	if err != nil {
		t.Fatalf("Now() err = %v", err)
	}
	if got.Hour() != 10 || got.Location() != loc {
		t.Fatalf("Now() = %v, want 10:35 in UTC+8", got)
	}

	s.SetLocation(nil)
	got, _ = s.Now()
	if got.Location() != time.UTC {
		t.Fatalf("nil location should fall back to UTC, got %v", got.Location())
	}
}

func TestSystemNowRejectsUnsyncedClock(t *testing.T) {
	t.Parallel()

	s := NewSystem(time.UTC)
	s.now = func() time.Time { return time.Date(1970, 1, 1, 0, 0, 5, 0, time.UTC) }
	if _, err := s.Now(); !errors.Is(err, ErrUnsynced) {
		t.Fatalf("Now() err = %v, want ErrUnsynced", err)
	}
}

func TestLoadLocation(t *testing.T) {
	t.Parallel()

	if loc, err := LoadLocation(""); err != nil || loc != time.UTC {
		t.Fatalf("LoadLocation(\"\") = %v, %v", loc, err)
	}
	if _, err := LoadLocation("Not/AZone"); err == nil {
		t.Fatalf("expected error for unknown zone")
	}
}

func TestMinuteHelpers(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 1, 1, 10, 35, 42, 500, time.UTC)
	if got := Minute(at); !got.Equal(time.Date(2024, 1, 1, 10, 35, 0, 0, time.UTC)) {
		t.Fatalf("Minute() = %v", got)
	}
	if got := UntilNextMinute(at); got != 17*time.Second+999999500 {
		t.Fatalf("UntilNextMinute() = %v", got)
	}
}

func TestManual(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	m := NewManual(start)
	m.Advance(time.Minute)
	if got, _ := m.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Fatalf("Now() = %v", got)
	}
	boom := errors.New("boom")
	m.Fail(boom)
	if _, err := m.Now(); !errors.Is(err, boom) {
		t.Fatalf("Now() err = %v, want boom", err)
	}
	m.Fail(nil)
	if _, err := m.Now(); err != nil {
		t.Fatalf("Now() err = %v after reset", err)
	}
}
