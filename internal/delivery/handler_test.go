package delivery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discquiz/internal/quiz"
	"discquiz/internal/quizapi"
	"discquiz/internal/storage"
	"discquiz/internal/transport"
	logx "discquiz/pkg/logx"
)

type fakeQuestions struct {
	q   quiz.Question
	err error
}

func (f fakeQuestions) RandomQuestion(context.Context) (quiz.Question, error) { return f.q, f.err }

type fakeGateway struct {
	mu      sync.Mutex
	nextMsg int
	sent    []transport.Quiz
	stopped []transport.MessageRef
	sendErr error
}

func (g *fakeGateway) SendQuiz(_ context.Context, to transport.ChatTarget, q transport.Quiz) (transport.SentPoll, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return transport.SentPoll{}, g.sendErr
	}
	g.nextMsg++
	g.sent = append(g.sent, q)
	return transport.SentPoll{
		Ref:    transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: g.nextMsg},
		PollID: fmt.Sprintf("poll-%d", g.nextMsg),
	}, nil
}

func (g *fakeGateway) StopPoll(_ context.Context, ref transport.MessageRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = append(g.stopped, ref)
	return nil
}

type fakeScorer struct {
	mu      sync.Mutex
	answers []quiz.Answer
	err     error
}

func (s *fakeScorer) RecordAnswer(_ context.Context, a quiz.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.answers = append(s.answers, a)
	return nil
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

var sampleQuestion = quiz.Question{ID: 5, Text: "The disc is live after a pull.", Answer: true, Remarks: "See 7.3."}

func TestDeliverCreatesPendingAfterSend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	gw := &fakeGateway{}
	sentAt := time.Date(2024, 3, 1, 10, 35, 0, 0, time.UTC)
	h := New(fakeQuestions{q: sampleQuestion}, gw, st, &fakeScorer{},
		WithRulesURL("https://rules.example/"),
		WithNow(func() time.Time { return sentAt }),
	)

	out, err := h.Deliver(ctx, quiz.Schedule{ChatID: -100, ThreadID: 4, At: quiz.MustTime("10:35")})
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)

	require.Len(t, gw.sent, 1)
	q := gw.sent[0]
	assert.Equal(t, []string{"True", "False"}, q.Options)
	assert.Equal(t, 0, q.CorrectOption)
	assert.False(t, q.Anonymous)
	assert.Equal(t, "HTML", q.ExplanationParseMode)
	assert.Equal(t, `See <a href="https://rules.example/#7.3">7.3</a>`, q.Explanation)

	p, ok, err := st.GetPending(ctx, -100)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, quiz.PendingQuiz{ChatID: -100, ThreadID: 4, QuestionID: 5, PollID: "poll-1", MessageID: 1, CorrectOption: 0, SentAt: sentAt}, p)
}

func TestDeliverEmptyQuestionStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	gw := &fakeGateway{}
	h := New(fakeQuestions{err: quizapi.ErrNoQuestions}, gw, st, &fakeScorer{})

	out, err := h.Deliver(ctx, quiz.Schedule{ChatID: 7, At: quiz.MustTime("08:00")})
	assert.Equal(t, QuestionStoreUnavailable, out)
	assert.ErrorIs(t, err, quizapi.ErrNoQuestions)
	assert.Empty(t, gw.sent)

	_, ok, err := st.GetPending(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeliverSendFailureLeavesNoPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	h := New(fakeQuestions{q: sampleQuestion}, &fakeGateway{sendErr: errors.New("forbidden: bot was kicked")}, st, &fakeScorer{})

	out, err := h.Deliver(ctx, quiz.Schedule{ChatID: 9, At: quiz.MustTime("08:00")})
	assert.Equal(t, SendFailed, out)
	assert.Error(t, err)

	_, ok, err := st.GetPending(ctx, 9)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewDeliverySupersedesPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	gw := &fakeGateway{}
	scorer := &fakeScorer{}
	h := New(fakeQuestions{q: sampleQuestion}, gw, st, scorer)
	target := quiz.Schedule{ChatID: -100, At: quiz.MustTime("09:00")}

	_, err := h.Deliver(ctx, target)
	require.NoError(t, err)
	_, err = h.Deliver(ctx, target)
	require.NoError(t, err)

	require.Len(t, gw.stopped, 1)
	assert.Equal(t, 1, gw.stopped[0].MessageID)

	p, ok, err := st.GetPending(ctx, -100)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "poll-2", p.PollID)

	_, err = h.HandleAnswer(ctx, transport.PollAnswer{PollID: "poll-1", UserID: 1, Options: []int{0}})
	assert.ErrorIs(t, err, ErrUnknownPoll)
	assert.Empty(t, scorer.answers)
}

func TestHandleAnswerScoresAndConsumesInPrivateChat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	scorer := &fakeScorer{}
	h := New(fakeQuestions{q: sampleQuestion}, &fakeGateway{}, st, scorer)

	_, err := h.Deliver(ctx, quiz.Schedule{ChatID: 55, At: quiz.MustTime("09:00")})
	require.NoError(t, err)

	a, err := h.HandleAnswer(ctx, transport.PollAnswer{PollID: "poll-1", UserID: 55, Options: []int{1}})
	require.NoError(t, err)
	assert.Equal(t, quiz.Answer{ChatID: 55, UserID: 55, QuestionID: 5, Option: 1, Correct: false}, a)
	assert.Len(t, scorer.answers, 1)

	_, ok, err := st.GetPending(ctx, 55)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandleAnswerKeepsGroupQuizOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	scorer := &fakeScorer{}
	h := New(fakeQuestions{q: sampleQuestion}, &fakeGateway{}, st, scorer)

	_, err := h.Deliver(ctx, quiz.Schedule{ChatID: -100, At: quiz.MustTime("09:00")})
	require.NoError(t, err)

	for _, user := range []int64{1, 2} {
		a, err := h.HandleAnswer(ctx, transport.PollAnswer{PollID: "poll-1", UserID: user, Options: []int{0}})
		require.NoError(t, err)
		assert.True(t, a.Correct)
	}
	assert.Len(t, scorer.answers, 2)

	_, ok, err := st.GetPending(ctx, -100)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHandleAnswerRetractedVote(t *testing.T) {
	t.Parallel()
	h := New(fakeQuestions{}, &fakeGateway{}, openStore(t), &fakeScorer{})
	_, err := h.HandleAnswer(context.Background(), transport.PollAnswer{PollID: "poll-1", UserID: 1})
	assert.ErrorIs(t, err, ErrUnknownPoll)
}

func TestClipRemarks(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "short one", clipRemarks("  short   one ", 200))

	long := strings.Repeat("word ", 60)
	got := clipRemarks(long, 200)
	assert.LessOrEqual(t, len([]rune(got)), 200)
	assert.True(t, strings.HasSuffix(got, "word…"))
}
