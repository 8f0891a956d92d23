package clock

import (
	"strconv"
	"strings"
	"time"
)

const markLayout = "2006-01-02 15:04"

// Mark records a processed minute as read in a zone:
// "<zone>|YYYY-MM-DD HH:MM|<unix>". Marks written before zones were
// recorded hold only the wall-clock stamp.
type Mark struct {
	Zone  string
	Stamp string
	Unix  int64
}

func MarkOf(t time.Time) Mark {
	t = Minute(t)
	return Mark{Zone: t.Location().String(), Stamp: t.Format(markLayout), Unix: t.Unix()}
}

func ParseMark(s string) Mark {
	parts := strings.Split(strings.TrimSpace(s), "|")
	if len(parts) != 3 {
		return Mark{Stamp: strings.TrimSpace(s)}
	}
	unix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Mark{Stamp: parts[1]}
	}
	return Mark{Zone: parts[0], Stamp: parts[1], Unix: unix}
}

func (m Mark) IsZero() bool { return m.Stamp == "" }

func (m Mark) String() string {
	if m.Zone == "" {
		return m.Stamp
	}
	return m.Zone + "|" + m.Stamp + "|" + strconv.FormatInt(m.Unix, 10)
}

func (m Mark) sameZone(t time.Time) bool {
	return m.Zone == "" || m.Zone == t.Location().String()
}

// Covers reports whether the minute of t is at or before m. Within one zone
// wall-clock order is used, so a repeated DST hour stays covered; across a
// zone change the instants are compared.
func (m Mark) Covers(t time.Time) bool {
	if m.IsZero() {
		return false
	}
	if m.sameZone(t) {
		return MarkOf(t).Stamp <= m.Stamp
	}
	return Minute(t).Unix() <= m.Unix
}

// DateIn is the calendar date of m as seen in loc.
func (m Mark) DateIn(loc *time.Location) string {
	if m.IsZero() {
		return ""
	}
	if m.Zone == "" || m.Zone == loc.String() {
		return m.Date()
	}
	return time.Unix(m.Unix, 0).In(loc).Format("2006-01-02")
}

// Date is the calendar date part of the stamp.
func (m Mark) Date() string {
	d, _, _ := strings.Cut(m.Stamp, " ")
	return d
}
