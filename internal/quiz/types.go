package quiz

import "time"

// Schedule is one daily trigger for a chat. (ChatID, At) is the identity;
// ThreadID is the forum topic the quiz is posted to.
type Schedule struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	At       TimeOfDay `json:"at"`
}

type Key struct {
	ChatID int64
	At     TimeOfDay
}

func (s Schedule) Key() Key { return Key{ChatID: s.ChatID, At: s.At} }

// Less orders schedules by chat, then time of day.
func (s Schedule) Less(o Schedule) bool {
	if s.ChatID != o.ChatID {
		return s.ChatID < o.ChatID
	}
	return s.At.Before(o.At)
}

// Question is a true/false question served by the question store.
type Question struct {
	ID      int64
	Text    string
	Answer  bool
	Remarks string
}

// CorrectOption is the poll option index of the right answer:
// 0 for "True", 1 for "False".
func (q Question) CorrectOption() int {
	if q.Answer {
		return 0
	}
	return 1
}

// PendingQuiz is the last quiz delivered to a chat that can still be answered.
type PendingQuiz struct {
	ChatID        int64     `json:"chat_id"`
	ThreadID      int       `json:"thread_id,omitempty"`
	QuestionID    int64     `json:"question_id"`
	PollID        string    `json:"poll_id"`
	MessageID     int       `json:"message_id"`
	CorrectOption int       `json:"correct_option"`
	SentAt        time.Time `json:"sent_at"`
}

// Answer is a user's response to a pending quiz.
type Answer struct {
	ChatID     int64
	UserID     int64
	QuestionID int64
	Option     int
	Correct    bool
}

// ChoseTrue reports whether the user picked the "True" option.
func (a Answer) ChoseTrue() bool { return a.Option == 0 }

// LeaderboardRow is one user's aggregate score.
type LeaderboardRow struct {
	UserID  int64   `json:"user_id"`
	Correct int     `json:"correctly_answered"`
	Wrong   int     `json:"wrongly_answered"`
	Total   int     `json:"total_answered"`
	Percent float64 `json:"percentage_correct"`
}
