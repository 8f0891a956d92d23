package app

import (
	"context"
	"sync/atomic"
	"time"

	"discquiz/internal/quiz"
	"discquiz/internal/quizapi"
)

// quizSource forwards to the current quiz API client so a reload can
// repoint it without rewiring its consumers.
type quizSource struct {
	cur atomic.Pointer[quizapi.Client]
}

func newQuizSource(baseURL string, timeout time.Duration) *quizSource {
	s := &quizSource{}
	s.cur.Store(quizapi.New(baseURL, timeout))
	return s
}

// Repoint swaps the client when the URL or timeout changed and reports
// whether it did.
func (s *quizSource) Repoint(baseURL string, timeout time.Duration) bool {
	next := quizapi.New(baseURL, timeout)
	prev := s.cur.Load()
	if prev != nil && prev.BaseURL() == next.BaseURL() && prev.Timeout() == next.Timeout() {
		return false
	}
	s.cur.Store(next)
	return true
}

func (s *quizSource) RandomQuestion(ctx context.Context) (quiz.Question, error) {
	return s.cur.Load().RandomQuestion(ctx)
}

func (s *quizSource) RecordAnswer(ctx context.Context, a quiz.Answer) error {
	return s.cur.Load().RecordAnswer(ctx, a)
}

func (s *quizSource) Leaderboard(ctx context.Context, period string) ([]quiz.LeaderboardRow, error) {
	return s.cur.Load().Leaderboard(ctx, period)
}
