// Package commands is the bot's command set.
package commands

import (
	"context"
	"fmt"
	"time"

	"discquiz/internal/quiz"
	"discquiz/internal/schedule"
	"discquiz/internal/storage"
	"discquiz/internal/transport/telegram/router"
	logx "discquiz/pkg/logx"
	"discquiz/pkg/tgui"
)

const (
	textRunning            = "DiscQuiz is running."
	textNewMissing         = "Please specify a time for the quiz to be sent."
	textRemoveMissing      = "Please specify the time of the quiz to be removed."
	textInvalidTime        = "Invalid time format. Please specify the time in the HH:MM format."
	textNoSchedules        = "There are no scheduled quizzes."
	textLeaderboardMissing = "The leaderboard is unavailable right now."
	textSaveFailed         = "The schedule could not be saved. Please try again later."

	ActionScheduleAdd    = "schedule.add"
	ActionScheduleRemove = "schedule.remove"
)

// Auditor records schedule mutations.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Board renders the current leaderboard.
type Board interface {
	Render(ctx context.Context) (tgui.H, error)
}

type Set struct {
	reg   schedule.Registry
	audit Auditor
	board Board
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Set)

func WithLogger(log logx.Logger) Option { return func(s *Set) { s.log = log } }

func WithNow(now func() time.Time) Option { return func(s *Set) { s.now = now } }

func New(reg schedule.Registry, audit Auditor, board Board, opts ...Option) *Set {
	s := &Set{reg: reg, audit: audit, board: board, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Set) Commands() []router.Command {
	return []router.Command{
		{
			Name:        "start",
			Description: "check that the bot is running",
			Usage:       "/start",
			Handle:      s.cmdStart,
		},
		{
			Name:        "new",
			Description: "schedule a daily quiz in this chat",
			Usage:       "/new HH:MM",
			Handle:      s.cmdNew,
		},
		{
			Name:        "remove",
			Description: "remove a daily quiz from this chat",
			Usage:       "/remove HH:MM",
			Handle:      s.cmdRemove,
		},
		{
			Name:        "schedule",
			Description: "list this chat's daily quizzes",
			Usage:       "/schedule",
			Handle:      s.cmdSchedule,
		},
		{
			Name:        "leaderboard",
			Description: "show the leaderboard",
			Usage:       "/leaderboard",
			Timeout:     time.Minute,
			Handle:      s.cmdLeaderboard,
		},
	}
}

func (s *Set) cmdStart(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, textRunning)
}

func (s *Set) cmdNew(ctx context.Context, req *router.Request) error {
	raw := req.Arg(0)
	if raw == "" {
		return req.Reply(ctx, textNewMissing)
	}
	at, err := quiz.ParseTimeOfDay(raw)
	if err != nil {
		return req.Reply(ctx, textInvalidTime)
	}

	resp, err := schedule.Handle(ctx, s.reg, schedule.AddSchedule{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID, At: at})
	s.record(ctx, req, ActionScheduleAdd, at, resp.Added.String(), err)
	if err != nil {
		_ = req.Reply(ctx, textSaveFailed)
		return err
	}
	if resp.Added == schedule.AlreadyExists {
		return req.Reply(ctx, fmt.Sprintf("There is already a daily quiz scheduled for %s.", at))
	}
	return req.Reply(ctx, fmt.Sprintf("You have scheduled a quiz to be sent at %s daily.", at))
}

func (s *Set) cmdRemove(ctx context.Context, req *router.Request) error {
	raw := req.Arg(0)
	if raw == "" {
		return req.Reply(ctx, textRemoveMissing)
	}
	at, err := quiz.ParseTimeOfDay(raw)
	if err != nil {
		return req.Reply(ctx, textInvalidTime)
	}

	resp, err := schedule.Handle(ctx, s.reg, schedule.RemoveSchedule{ChatID: req.Chat.ChatID, At: at})
	s.record(ctx, req, ActionScheduleRemove, at, resp.Removed.String(), err)
	if err != nil {
		_ = req.Reply(ctx, textSaveFailed)
		return err
	}
	if resp.Removed == schedule.NotFound {
		return req.Reply(ctx, fmt.Sprintf("There is no daily quiz scheduled for %s.", at))
	}
	return req.Reply(ctx, fmt.Sprintf("The daily quiz scheduled for %s has been removed.", at))
}

func (s *Set) cmdSchedule(ctx context.Context, req *router.Request) error {
	resp, err := schedule.Handle(ctx, s.reg, schedule.ListSchedules{ChatID: req.Chat.ChatID})
	if err != nil {
		return err
	}
	if len(resp.Times) == 0 {
		return req.Reply(ctx, textNoSchedules)
	}
	return req.ReplyHTML(ctx, renderSchedule(resp.Times))
}

func renderSchedule(times []quiz.TimeOfDay) tgui.H {
	var l tgui.Lines
	l.Add(tgui.U("Daily Schedule"))
	for _, t := range times {
		l.Addf("•%s", t)
	}
	return l.H()
}

func (s *Set) cmdLeaderboard(ctx context.Context, req *router.Request) error {
	if s.board == nil {
		return req.Reply(ctx, textLeaderboardMissing)
	}
	h, err := s.board.Render(ctx)
	if err != nil {
		req.Logger.Warn("leaderboard render failed", logx.Err(err))
		return req.Reply(ctx, textLeaderboardMissing)
	}
	return req.ReplyHTML(ctx, h)
}

// record appends an audit entry; audit failures are logged only.
func (s *Set) record(ctx context.Context, req *router.Request, action string, at quiz.TimeOfDay, outcome string, opErr error) {
	if s.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:            s.now().UTC(),
		ActorID:       req.FromID,
		ActorUsername: req.FromUsername,
		ChatID:        req.Chat.ChatID,
		ThreadID:      req.Chat.ThreadID,
		Action:        action,
		Target:        at.String(),
		MetaJSON:      fmt.Sprintf(`{"outcome":%q}`, outcome),
	}
	if opErr != nil {
		e.Error = opErr.Error()
		e.MetaJSON = ""
	}
	if err := s.audit.AppendAudit(ctx, e); err != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}
