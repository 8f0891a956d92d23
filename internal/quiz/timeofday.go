package quiz

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidTime = errors.New("invalid time of day")

// TimeOfDay is a wall-clock minute (HH:MM) in the bot's configured timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "H:MM" and "HH:MM" with hour 0-23 and minute 0-59.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) < 1 || len(hh) > 2 || len(mm) != 2 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	h, err := parseDigits(hh)
	if err != nil || h > 23 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	m, err := parseDigits(mm)
	if err != nil || m > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// MustTime is ParseTimeOfDay for literals.
func MustTime(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func parseDigits(s string) (int, error) {
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.Atoi(s)
}

// TimeOfDayOf returns the wall-clock minute of t in t's location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// Minutes is the number of minutes since midnight.
func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }

func (t TimeOfDay) Before(o TimeOfDay) bool { return t.Minutes() < o.Minutes() }

func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d:%d", ErrInvalidTime, t.Hour, t.Minute)
	}
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
