// Package delivery sends quiz polls to chats and scores the answers.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"discquiz/internal/quiz"
	"discquiz/internal/runtime/keylock"
	"discquiz/internal/transport"
	logx "discquiz/pkg/logx"
	"discquiz/pkg/tgui"
)

// Telegram rejects quiz explanations longer than this.
const maxExplanation = 200

var quizOptions = []string{"True", "False"}

type QuestionSource interface {
	RandomQuestion(ctx context.Context) (quiz.Question, error)
}

type Gateway interface {
	SendQuiz(ctx context.Context, to transport.ChatTarget, q transport.Quiz) (transport.SentPoll, error)
	StopPoll(ctx context.Context, ref transport.MessageRef) error
}

type PendingStore interface {
	PutPending(ctx context.Context, p quiz.PendingQuiz) error
	GetPending(ctx context.Context, chatID int64) (quiz.PendingQuiz, bool, error)
	PendingByPoll(ctx context.Context, pollID string) (quiz.PendingQuiz, bool, error)
	DeletePending(ctx context.Context, chatID int64, pollID string) error
}

type Scorer interface {
	RecordAnswer(ctx context.Context, a quiz.Answer) error
}

type Handler struct {
	questions QuestionSource
	gw        Gateway
	pending   PendingStore
	scorer    Scorer
	log       logx.Logger
	now       func() time.Time

	rulesURL atomic.Value // string
	chats    keylock.Map
}

type Option func(*Handler)

func WithLogger(log logx.Logger) Option { return func(h *Handler) { h.log = log } }

func WithRulesURL(u string) Option { return func(h *Handler) { h.SetRulesURL(u) } }

func WithNow(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

func New(questions QuestionSource, gw Gateway, pending PendingStore, scorer Scorer, opts ...Option) *Handler {
	h := &Handler{
		questions: questions,
		gw:        gw,
		pending:   pending,
		scorer:    scorer,
		log:       logx.Nop(),
		now:       time.Now,
	}
	h.rulesURL.Store("")
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetRulesURL changes the link target used for remarks.
func (h *Handler) SetRulesURL(u string) {
	h.rulesURL.Store(strings.TrimRight(strings.TrimSpace(u), "#"))
}

func (h *Handler) RulesURL() string { return h.rulesURL.Load().(string) }

// Deliver sends one quiz to target. The pending quiz is recorded only after
// the poll was accepted by the gateway; it replaces whatever was pending.
// Deliveries to the same chat run one at a time.
func (h *Handler) Deliver(ctx context.Context, target quiz.Schedule) (Outcome, error) {
	unlock := h.chats.Lock(target.ChatID)
	defer unlock()

	q, err := h.questions.RandomQuestion(ctx)
	if err != nil {
		return QuestionStoreUnavailable, fmt.Errorf("fetch question: %w", err)
	}

	sent, err := h.gw.SendQuiz(ctx, transport.ChatTarget{ChatID: target.ChatID, ThreadID: target.ThreadID}, h.buildQuiz(q))
	if err != nil {
		return SendFailed, fmt.Errorf("send quiz %d: %w", q.ID, err)
	}

	prev, hadPrev, err := h.pending.GetPending(ctx, target.ChatID)
	if err != nil {
		h.log.Warn("pending quiz lookup failed", logx.Int64("chat_id", target.ChatID), logx.Err(err))
	}
	if hadPrev && prev.MessageID != 0 && prev.MessageID != sent.Ref.MessageID {
		ref := transport.MessageRef{ChatID: prev.ChatID, ThreadID: prev.ThreadID, MessageID: prev.MessageID}
		if err := h.gw.StopPoll(ctx, ref); err != nil {
			h.log.Debug("previous poll not stopped", logx.Int64("chat_id", target.ChatID), logx.Int("message_id", prev.MessageID), logx.Err(err))
		}
	}

	p := quiz.PendingQuiz{
		ChatID:        target.ChatID,
		ThreadID:      target.ThreadID,
		QuestionID:    q.ID,
		PollID:        sent.PollID,
		MessageID:     sent.Ref.MessageID,
		CorrectOption: q.CorrectOption(),
		SentAt:        h.now().UTC(),
	}
	if err := h.pending.PutPending(ctx, p); err != nil {
		return Delivered, fmt.Errorf("record pending quiz: %w", err)
	}
	h.log.Info("quiz delivered",
		logx.Int64("chat_id", target.ChatID),
		logx.Int64("question_id", q.ID),
		logx.String("poll_id", sent.PollID),
	)
	return Delivered, nil
}

func (h *Handler) buildQuiz(q quiz.Question) transport.Quiz {
	return transport.Quiz{
		Question:             q.Text,
		Options:              quizOptions,
		CorrectOption:        q.CorrectOption(),
		Explanation:          FormatRemarks(clipRemarks(q.Remarks, maxExplanation), h.RulesURL()).String(),
		ExplanationParseMode: tgui.ParseMode,
	}
}

// clipRemarks shortens s to at most max runes, cutting at a word boundary.
func clipRemarks(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)[:max-1]
	cut := string(r)
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "…"
}

// ErrUnknownPoll is returned for answers to polls that are not pending,
// either never sent by this bot or already superseded.
var ErrUnknownPoll = errors.New("poll is not pending")

// HandleAnswer scores a poll answer against the pending quiz and records
// it with the score store. Private chats consume the pending quiz on the
// first answer; group quizzes stay open until superseded.
func (h *Handler) HandleAnswer(ctx context.Context, pa transport.PollAnswer) (quiz.Answer, error) {
	if len(pa.Options) == 0 {
		return quiz.Answer{}, fmt.Errorf("%w: vote retracted", ErrUnknownPoll)
	}
	p, ok, err := h.pending.PendingByPoll(ctx, pa.PollID)
	if err != nil {
		return quiz.Answer{}, fmt.Errorf("lookup poll %s: %w", pa.PollID, err)
	}
	if !ok {
		return quiz.Answer{}, ErrUnknownPoll
	}

	a := quiz.Answer{
		ChatID:     p.ChatID,
		UserID:     pa.UserID,
		QuestionID: p.QuestionID,
		Option:     pa.Options[0],
		Correct:    pa.Options[0] == p.CorrectOption,
	}
	if err := h.scorer.RecordAnswer(ctx, a); err != nil {
		return a, fmt.Errorf("record answer: %w", err)
	}
	if p.ChatID > 0 {
		if err := h.pending.DeletePending(ctx, p.ChatID, p.PollID); err != nil {
			h.log.Warn("pending quiz not consumed", logx.Int64("chat_id", p.ChatID), logx.Err(err))
		}
	}
	h.log.Debug("answer recorded",
		logx.Int64("chat_id", a.ChatID),
		logx.Int64("user_id", a.UserID),
		logx.Int64("question_id", a.QuestionID),
		logx.Bool("correct", a.Correct),
	)
	return a, nil
}
