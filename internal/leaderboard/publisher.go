// Package leaderboard publishes the daily score ranking.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"discquiz/internal/clock"
	"discquiz/internal/notifier"
	"discquiz/internal/quiz"
	"discquiz/internal/transport"
	logx "discquiz/pkg/logx"
	"discquiz/pkg/tgui"
)

// ErrClock wraps clock failures; Run stops on it.
var ErrClock = errors.New("leaderboard: clock source failed")

// LastDateKey is the store mark holding the last publication date.
const LastDateKey = "leaderboard.last_date"

const dateLayout = "2006-01-02"

type Result int

const (
	NotDue Result = iota
	AlreadyPublished
	Published
	Failed
)

func (r Result) String() string {
	switch r {
	case NotDue:
		return "not_due"
	case AlreadyPublished:
		return "already_published"
	case Published:
		return "published"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	ScopeChats  = "chats"
	ScopeAdmins = "admins"
	ScopeList   = "list"
)

type Config struct {
	Enabled  bool
	Time     string // HH:MM or cron
	Period   string
	Scope    string
	ChatIDs  []int64
	AdminIDs []int64
}

type Scores interface {
	Leaderboard(ctx context.Context, period string) ([]quiz.LeaderboardRow, error)
}

type Names interface {
	ChatName(ctx context.Context, id int64) (string, error)
}

type ChatSource interface {
	Chats() []quiz.Schedule
}

type Broadcaster interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

type Marks interface {
	GetMark(ctx context.Context, key string) (string, bool, error)
	PutMark(ctx context.Context, key, value string) error
}

type Publisher struct {
	clock  clock.Clock
	scores Scores
	names  Names
	chats  ChatSource
	out    Broadcaster
	marks  Marks
	log    logx.Logger

	mu    sync.Mutex
	cfg   Config
	sched cron.Schedule

	checkMu  sync.Mutex
	last clock.Mark // guarded by checkMu
}

type Deps struct {
	Clock  clock.Clock
	Scores Scores
	Names  Names
	Chats  ChatSource
	Out    Broadcaster
	Marks  Marks
	Log    logx.Logger
}

func New(cfg Config, d Deps) (*Publisher, error) {
	p := &Publisher{
		clock:  d.Clock,
		scores: d.Scores,
		names:  d.Names,
		chats:  d.Chats,
		out:    d.Out,
		marks:  d.Marks,
		log:    d.Log,
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	if err := p.Apply(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// Apply swaps the config. An invalid trigger leaves the old config active.
func (p *Publisher) Apply(cfg Config) error {
	if strings.TrimSpace(cfg.Period) == "" {
		cfg.Period = "all"
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeChats
	}
	var sched cron.Schedule
	if cfg.Enabled {
		var err error
		if sched, err = ParseTrigger(cfg.Time); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.cfg, p.sched = cfg, sched
	p.mu.Unlock()
	return nil
}

func (p *Publisher) config() (Config, cron.Schedule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg, p.sched
}

// Restore loads the persisted publication date.
func (p *Publisher) Restore(ctx context.Context) error {
	if p.marks == nil {
		return nil
	}
	v, ok, err := p.marks.GetMark(ctx, LastDateKey)
	if err != nil {
		return fmt.Errorf("leaderboard: load last date: %w", err)
	}
	if ok {
		p.checkMu.Lock()
		p.last = clock.ParseMark(v)
		p.checkMu.Unlock()
	}
	return nil
}

func (p *Publisher) LastDate() string {
	p.checkMu.Lock()
	defer p.checkMu.Unlock()
	return p.last.Date()
}

// Check publishes when the current minute is a trigger activation and the
// board was not yet published for today. The date is claimed before
// publishing, so a failure is retried on the next day only.
func (p *Publisher) Check(ctx context.Context) (Result, error) {
	p.checkMu.Lock()
	defer p.checkMu.Unlock()

	now, err := p.clock.Now()
	if err != nil {
		return Failed, fmt.Errorf("%w: %w", ErrClock, err)
	}
	cfg, sched := p.config()
	if !cfg.Enabled || sched == nil {
		return NotDue, nil
	}
	minute := clock.Minute(now)
	if !firesAt(sched, minute) {
		return NotDue, nil
	}
	date := minute.Format(dateLayout)
	if last := p.last.DateIn(minute.Location()); last != "" && date <= last {
		return AlreadyPublished, nil
	}
	p.last = clock.MarkOf(minute)
	if p.marks != nil {
		if err := p.marks.PutMark(ctx, LastDateKey, p.last.String()); err != nil {
			p.log.Warn("leaderboard date not persisted", logx.String("date", date), logx.Err(err))
		}
	}

	if err := p.publish(ctx, cfg, date); err != nil {
		p.log.Error("leaderboard publish failed", logx.String("date", date), logx.Err(err))
		return Failed, err
	}
	return Published, nil
}

func (p *Publisher) publish(ctx context.Context, cfg Config, date string) error {
	board, err := p.render(ctx, cfg.Period)
	if err != nil {
		return err
	}
	targets := p.recipients(cfg)
	if len(targets) == 0 {
		return errors.New("no recipients")
	}
	var errs []error
	for _, t := range targets {
		err := p.out.Notify(ctx, notifier.Notification{
			Key:     fmt.Sprintf("leaderboard:%s:%d", date, t.ChatID),
			Target:  t,
			Text:    board.String(),
			Options: &transport.SendOptions{ParseMode: tgui.ParseMode, DisablePreview: true},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", t.ChatID, err))
		}
	}
	if len(errs) == len(targets) {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		p.log.Warn("leaderboard not queued", logx.Err(err))
	}
	p.log.Info("leaderboard published", logx.String("date", date), logx.Int("chats", len(targets)-len(errs)))
	return nil
}

func (p *Publisher) recipients(cfg Config) []transport.ChatTarget {
	var out []transport.ChatTarget
	seen := map[int64]bool{}
	add := func(t transport.ChatTarget) {
		if t.ChatID == 0 || seen[t.ChatID] {
			return
		}
		seen[t.ChatID] = true
		out = append(out, t)
	}
	switch cfg.Scope {
	case ScopeAdmins:
		for _, id := range cfg.AdminIDs {
			add(transport.ChatTarget{ChatID: id})
		}
	case ScopeList:
		for _, id := range cfg.ChatIDs {
			add(transport.ChatTarget{ChatID: id})
		}
	default:
		if p.chats != nil {
			for _, sc := range p.chats.Chats() {
				add(transport.ChatTarget{ChatID: sc.ChatID, ThreadID: sc.ThreadID})
			}
		}
	}
	return out
}

// Render formats the current board for the configured period.
func (p *Publisher) Render(ctx context.Context) (tgui.H, error) {
	cfg, _ := p.config()
	return p.render(ctx, cfg.Period)
}

func (p *Publisher) render(ctx context.Context, period string) (tgui.H, error) {
	rows, err := p.scores.Leaderboard(ctx, period)
	if err != nil {
		return "", fmt.Errorf("leaderboard: scores: %w", err)
	}
	var l tgui.Lines
	l.Add(tgui.U("Leaderboard"))
	if len(rows) == 0 {
		l.Addf("No answers have been recorded yet.")
		return l.H(), nil
	}
	for i, r := range rows {
		l.Addf("%d. %s - %d%% (%d/%d)", i+1, p.displayName(ctx, r.UserID), int(math.RoundToEven(r.Percent)), r.Correct, r.Total)
	}
	return l.H(), nil
}

func (p *Publisher) displayName(ctx context.Context, userID int64) string {
	if p.names != nil {
		name, err := p.names.ChatName(ctx, userID)
		if err == nil && strings.TrimSpace(name) != "" {
			return name
		}
		if err != nil {
			p.log.Debug("leaderboard name lookup failed", logx.Int64("user_id", userID), logx.Err(err))
		}
	}
	return strconv.FormatInt(userID, 10)
}

// Run checks once per minute until ctx is canceled. Clock failures end
// the loop with an error.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		if _, err := p.Check(ctx); errors.Is(err, ErrClock) {
			p.log.Error("leaderboard loop stopped", logx.Err(err))
			return err
		}
		t := time.NewTimer(clock.UntilNextMinute(time.Now()) + 50*time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
