package leaderboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discquiz/internal/clock"
	"discquiz/internal/notifier"
	"discquiz/internal/quiz"
	"discquiz/pkg/tgui"
)

type fakeScores struct {
	rows []quiz.LeaderboardRow
	err  error
}

func (f fakeScores) Leaderboard(context.Context, string) ([]quiz.LeaderboardRow, error) {
	return f.rows, f.err
}

type fakeNames map[int64]string

func (f fakeNames) ChatName(_ context.Context, id int64) (string, error) {
	if n, ok := f[id]; ok {
		return n, nil
	}
	return "", errors.New("chat not found")
}

type fakeChats []quiz.Schedule

func (f fakeChats) Chats() []quiz.Schedule { return f }

type recordingOut struct {
	mu   sync.Mutex
	sent []notifier.Notification
}

func (r *recordingOut) Notify(_ context.Context, n notifier.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

type memMarks map[string]string

func (m memMarks) GetMark(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m memMarks) PutMark(_ context.Context, key, value string) error {
	m[key] = value
	return nil
}

var sampleRows = []quiz.LeaderboardRow{
	{UserID: 1, Correct: 9, Wrong: 1, Total: 10, Percent: 90},
	{UserID: 2, Correct: 5, Wrong: 3, Total: 8, Percent: 62.5},
	{UserID: 3, Correct: 1, Wrong: 1, Total: 2, Percent: 50},
}

func newPublisher(t *testing.T, clk clock.Clock, scores Scores, out Broadcaster, marks Marks) *Publisher {
	t.Helper()
	p, err := New(Config{Enabled: true, Time: "12:00"}, Deps{
		Clock:  clk,
		Scores: scores,
		Names:  fakeNames{1: "alice", 2: "bob"},
		Chats:  fakeChats{{ChatID: -100, ThreadID: 3}, {ChatID: -200}},
		Out:    out,
		Marks:  marks,
	})
	require.NoError(t, err)
	return p
}

func TestPublishesOncePerDay(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2024, 3, 1, 11, 59, 0, 0, time.UTC))
	out := &recordingOut{}
	p := newPublisher(t, clk, fakeScores{rows: sampleRows}, out, memMarks{})
	ctx := context.Background()

	res, err := p.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, NotDue, res)

	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	res, err = p.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, Published, res)
	require.Len(t, out.sent, 2)
	assert.Equal(t, "leaderboard:2024-03-01:-100", out.sent[0].Key)
	assert.Equal(t, 3, out.sent[0].Target.ThreadID)

	clk.Set(time.Date(2024, 3, 1, 12, 0, 40, 0, time.UTC))
	res, err = p.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, AlreadyPublished, res)

	clk.Set(time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC))
	res, err = p.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, Published, res)
	assert.Len(t, out.sent, 4)
	assert.Equal(t, "2024-03-02", p.LastDate())
}

func TestFailureRetriesNextDayOnly(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	out := &recordingOut{}
	p := newPublisher(t, clk, fakeScores{err: errors.New("quiz api unavailable")}, out, memMarks{})

	res, err := p.Check(context.Background())
	assert.Error(t, err)
	assert.Equal(t, Failed, res)

	res, err = p.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AlreadyPublished, res)
	assert.Empty(t, out.sent)
}

func TestLastDateSurvivesRestart(t *testing.T) {
	t.Parallel()
	marks := memMarks{}
	clk := clock.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	first := &recordingOut{}
	p1 := newPublisher(t, clk, fakeScores{rows: sampleRows}, first, marks)
	res, err := p1.Check(context.Background())
	require.NoError(t, err)
	require.Equal(t, Published, res)

	second := &recordingOut{}
	p2 := newPublisher(t, clk, fakeScores{rows: sampleRows}, second, marks)
	require.NoError(t, p2.Restore(context.Background()))
	res, err = p2.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AlreadyPublished, res)
	assert.Empty(t, second.sent)
}

func TestRenderFormatsRows(t *testing.T) {
	t.Parallel()
	p := newPublisher(t, clock.NewManual(time.Now()), fakeScores{rows: sampleRows}, &recordingOut{}, nil)

	got, err := p.Render(context.Background())
	require.NoError(t, err)
	want := tgui.H("<u>Leaderboard</u>\n1. alice - 90% (9/10)\n2. bob - 62% (5/8)\n3. 3 - 50% (1/2)")
	assert.Equal(t, want, got)
}

func TestRenderEmptyBoard(t *testing.T) {
	t.Parallel()
	p := newPublisher(t, clock.NewManual(time.Now()), fakeScores{}, &recordingOut{}, nil)
	got, err := p.Render(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tgui.H("<u>Leaderboard</u>\nNo answers have been recorded yet."), got)
}

func TestRecipientsByScope(t *testing.T) {
	t.Parallel()
	p := newPublisher(t, clock.NewManual(time.Now()), fakeScores{}, &recordingOut{}, nil)

	cfg := Config{Scope: ScopeAdmins, AdminIDs: []int64{10, 10, 11}}
	assert.Len(t, p.recipients(cfg), 2)

	cfg = Config{Scope: ScopeList, ChatIDs: []int64{-5}}
	require.Len(t, p.recipients(cfg), 1)
	assert.Equal(t, int64(-5), p.recipients(cfg)[0].ChatID)

	assert.Len(t, p.recipients(Config{Scope: ScopeChats}), 2)
}

func TestParseTrigger(t *testing.T) {
	t.Parallel()
	noon := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, spec := range []string{"12:00", "0 12 * * *", "@daily"} {
		s, err := ParseTrigger(spec)
		require.NoError(t, err, spec)
		want := spec != "@daily"
		assert.Equal(t, want, firesAt(s, noon), spec)
	}
	_, err := ParseTrigger("25:00 tomorrow")
	assert.Error(t, err)
	_, err = ParseTrigger("")
	assert.Error(t, err)
	_, err = ParseTrigger("@every 1h")
	assert.ErrorContains(t, err, "@every")
}

func TestApplyRejectsBadTrigger(t *testing.T) {
	t.Parallel()
	p := newPublisher(t, clock.NewManual(time.Now()), fakeScores{}, &recordingOut{}, nil)
	assert.Error(t, p.Apply(Config{Enabled: true, Time: "noonish"}))
	cfg, sched := p.config()
	assert.Equal(t, "12:00", cfg.Time)
	assert.NotNil(t, sched)
}

func TestClockFailureStopsRun(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Now())
	clk.Fail(clock.ErrUnsynced)
	p := newPublisher(t, clk, fakeScores{}, &recordingOut{}, nil)
	err := p.Run(context.Background())
	assert.ErrorIs(t, err, ErrClock)
}

func TestTimezoneMovingWestDoesNotSkipADay(t *testing.T) {
	t.Parallel()
	east := time.FixedZone("UTC+14", 14*3600)
	marks := memMarks{}
	clk := clock.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 0, east))
	first := &recordingOut{}
	p1 := newPublisher(t, clk, fakeScores{rows: sampleRows}, first, marks)
	res, err := p1.Check(context.Background())
	require.NoError(t, err)
	require.Equal(t, Published, res)

	// Published at 2024-02-29 22:00 UTC; the next UTC noon is a new day.
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	second := &recordingOut{}
	p2 := newPublisher(t, clk, fakeScores{rows: sampleRows}, second, marks)
	require.NoError(t, p2.Restore(context.Background()))
	res, err = p2.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Published, res)
	assert.Len(t, second.sent, 2)

	res, err = p1.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Published, res, "live zone switch behaves like a restart")
}

func TestLegacyLastDateIsHonored(t *testing.T) {
	t.Parallel()
	marks := memMarks{LastDateKey: "2024-03-01"}
	clk := clock.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	out := &recordingOut{}
	p := newPublisher(t, clk, fakeScores{rows: sampleRows}, out, marks)
	require.NoError(t, p.Restore(context.Background()))

	res, err := p.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AlreadyPublished, res)
	assert.Equal(t, "2024-03-01", p.LastDate())
}
