package transport

import (
	"context"
	"errors"
)

// ErrQuestionTooLong is returned by SendQuiz when the question exceeds the
// platform limit.
var ErrQuestionTooLong = errors.New("quiz question too long")

type UpdateKind string

const (
	UpdateMessage    UpdateKind = "message"
	UpdatePollAnswer UpdateKind = "poll_answer"
)

type Update struct {
	Kind       UpdateKind
	Message    *Message
	PollAnswer *PollAnswer
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// PollAnswer is a user's vote on a non-anonymous poll. An empty Options
// means the vote was retracted.
type PollAnswer struct {
	PollID   string
	UserID   int64
	Username string
	Options  []int
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Quiz is a quiz-mode poll with exactly one correct option.
type Quiz struct {
	Question             string
	Options              []string
	CorrectOption        int
	Explanation          string
	ExplanationParseMode string
	Anonymous            bool
}

// SentPoll identifies a delivered poll: the message carrying it and the
// poll ID that answers refer to.
type SentPoll struct {
	Ref    MessageRef
	PollID string
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendQuiz(ctx context.Context, to ChatTarget, q Quiz) (SentPoll, error)
	StopPoll(ctx context.Context, ref MessageRef) error

	// ChatName resolves a user or chat ID to a display name (the username
	// when one is set).
	ChatName(ctx context.Context, id int64) (string, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
