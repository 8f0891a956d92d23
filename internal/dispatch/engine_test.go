package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discquiz/internal/clock"
	"discquiz/internal/delivery"
	"discquiz/internal/quiz"
	"discquiz/internal/task/engine"
	logx "discquiz/pkg/logx"
)

type staticRegistry []quiz.Schedule

func (r staticRegistry) Snapshot() []quiz.Schedule { return append([]quiz.Schedule(nil), r...) }

type recordingDeliverer struct {
	mu      sync.Mutex
	calls   []int64
	failFor map[int64]delivery.Outcome
	panicOn int64
}

func (d *recordingDeliverer) Deliver(_ context.Context, target quiz.Schedule) (delivery.Outcome, error) {
	d.mu.Lock()
	d.calls = append(d.calls, target.ChatID)
	d.mu.Unlock()
	if target.ChatID == d.panicOn && d.panicOn != 0 {
		panic("deliverer exploded")
	}
	if out, ok := d.failFor[target.ChatID]; ok {
		return out, errors.New(out.String())
	}
	return delivery.Delivered, nil
}

func (d *recordingDeliverer) chats() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.calls...)
}

type memMarks struct {
	mu sync.Mutex
	m  map[string]string
}

func (m *memMarks) GetMark(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[key]
	return v, ok, nil
}

func (m *memMarks) PutMark(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.m == nil {
		m.m = map[string]string{}
	}
	m.m[key] = value
	return nil
}

func at(hh, mm, ss int) time.Time { return time.Date(2024, 3, 1, hh, mm, ss, 0, time.UTC) }

func waitAll(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
}

func TestScheduledChatReceivesExactlyOneQuizPerMinute(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(at(10, 35, 0))
	d := &recordingDeliverer{}
	e := New(clk, staticRegistry{{ChatID: 42, At: quiz.MustTime("10:35")}}, d)
	ctx := context.Background()

	rep, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Due)

	clk.Set(at(10, 35, 40))
	rep, err = e.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Skipped, "second tick in the same minute must be a no-op")

	clk.Set(at(10, 36, 0))
	rep, err = e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Due)

	waitAll(t, e)
	assert.Equal(t, []int64{42}, d.chats())
	assert.Equal(t, Idle, e.State())
}

func TestFailingChatDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(at(9, 0, 0))
	d := &recordingDeliverer{failFor: map[int64]delivery.Outcome{7: delivery.QuestionStoreUnavailable}, panicOn: 8}
	reg := staticRegistry{
		{ChatID: 7, At: quiz.MustTime("09:00")},
		{ChatID: 8, At: quiz.MustTime("09:00")},
		{ChatID: 9, At: quiz.MustTime("09:00")},
	}
	e := New(clk, reg, d)

	rep, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Dispatched)
	waitAll(t, e)
	assert.ElementsMatch(t, []int64{7, 8, 9}, d.chats())
}

func TestDeliveriesGoThroughTaskEngine(t *testing.T) {
	t.Parallel()
	tasks := engine.New(engine.Config{Enabled: true, Workers: 2, QueueSize: 8}, logx.Nop())
	tasks.Start(context.Background())
	t.Cleanup(func() { tasks.Stop(context.Background()) })

	clk := clock.NewManual(at(12, 0, 0))
	d := &recordingDeliverer{failFor: map[int64]delivery.Outcome{2: delivery.SendFailed}}
	reg := staticRegistry{{ChatID: 1, At: quiz.MustTime("12:00")}, {ChatID: 2, At: quiz.MustTime("12:00")}}
	e := New(clk, reg, d, WithTasks(tasks))

	_, err := e.Tick(context.Background())
	require.NoError(t, err)
	waitAll(t, e)
	assert.ElementsMatch(t, []int64{1, 2}, d.chats(), "failed delivery must not be retried within the tick")

	require.Eventually(t, func() bool { return len(tasks.Snapshot().History) == 2 }, time.Second, 10*time.Millisecond)
	for _, h := range tasks.Snapshot().History {
		assert.Equal(t, "quiz.deliver", h.Name)
		assert.Equal(t, 1, h.Attempts)
	}
}

func TestMissedMinutesAreNotBackfilled(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(at(10, 35, 0))
	d := &recordingDeliverer{}
	reg := staticRegistry{{ChatID: 1, At: quiz.MustTime("10:36")}, {ChatID: 2, At: quiz.MustTime("10:38")}}
	e := New(clk, reg, d)

	_, err := e.Tick(context.Background())
	require.NoError(t, err)
	clk.Set(at(10, 38, 5)) // process stalled across 10:36 and 10:37
	_, err = e.Tick(context.Background())
	require.NoError(t, err)

	waitAll(t, e)
	assert.Equal(t, []int64{2}, d.chats())
}

func TestClockMovingBackwardDoesNotRedeliver(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(at(10, 35, 0))
	d := &recordingDeliverer{}
	e := New(clk, staticRegistry{{ChatID: 42, At: quiz.MustTime("10:35")}}, d)

	_, err := e.Tick(context.Background())
	require.NoError(t, err)
	clk.Set(at(10, 34, 59))
	_, _ = e.Tick(context.Background())
	clk.Set(at(10, 35, 1))
	rep, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Skipped)

	waitAll(t, e)
	assert.Len(t, d.chats(), 1)
}

func TestDSTFallBackRepeatsAreSkipped(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// 2024-11-03 01:30 happens twice in New York.
	first := time.Date(2024, 11, 3, 5, 30, 0, 0, time.UTC).In(loc)
	second := first.Add(time.Hour)
	require.Equal(t, first.Hour(), second.Hour())

	clk := clock.NewManual(first)
	d := &recordingDeliverer{}
	e := New(clk, staticRegistry{{ChatID: 42, At: quiz.MustTime("01:30")}}, d)

	_, err = e.Tick(context.Background())
	require.NoError(t, err)
	clk.Set(second)
	rep, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Skipped)

	waitAll(t, e)
	assert.Len(t, d.chats(), 1)
}

func TestClockFailureIsFatal(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(at(10, 35, 0))
	clk.Fail(clock.ErrUnsynced)
	d := &recordingDeliverer{}
	e := New(clk, staticRegistry{{ChatID: 42, At: quiz.MustTime("10:35")}}, d)

	_, err := e.Tick(context.Background())
	assert.ErrorIs(t, err, ErrClock)
	assert.ErrorIs(t, err, clock.ErrUnsynced)

	err = e.Run(context.Background())
	assert.ErrorIs(t, err, ErrClock)
	assert.Empty(t, d.chats())
}

func TestWatermarkSurvivesRestart(t *testing.T) {
	t.Parallel()
	marks := &memMarks{}
	clk := clock.NewManual(at(10, 35, 0))
	reg := staticRegistry{{ChatID: 42, At: quiz.MustTime("10:35")}}

	first := &recordingDeliverer{}
	e1 := New(clk, reg, first, WithMarks(marks))
	require.NoError(t, e1.Restore(context.Background()))
	_, err := e1.Tick(context.Background())
	require.NoError(t, err)
	waitAll(t, e1)

	clk.Set(at(10, 35, 30))
	second := &recordingDeliverer{}
	e2 := New(clk, reg, second, WithMarks(marks))
	require.NoError(t, e2.Restore(context.Background()))
	assert.Equal(t, "UTC|2024-03-01 10:35|1709289300", e2.Watermark())
	rep, err := e2.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
	waitAll(t, e2)

	assert.Len(t, first.chats(), 1)
	assert.Empty(t, second.chats())
}

func TestConcurrentTicksDeliverOnce(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(at(7, 0, 0))
	d := &recordingDeliverer{}
	e := New(clk, staticRegistry{{ChatID: 1, At: quiz.MustTime("07:00")}}, d)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Tick(context.Background())
		}()
	}
	wg.Wait()
	waitAll(t, e)
	assert.Len(t, d.chats(), 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	e := New(clock.NewManual(at(7, 0, 0)), staticRegistry{}, &recordingDeliverer{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestTimezoneChangeKeepsDelivering(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	clk := clock.NewManual(at(14, 0, 0))
	d := &recordingDeliverer{}
	reg := staticRegistry{{ChatID: 5, At: quiz.MustTime("09:01")}}
	marks := &memMarks{}
	e := New(clk, reg, d, WithMarks(marks))

	_, err = e.Tick(context.Background())
	require.NoError(t, err)

	// 14:01 UTC read in New York is 09:01, which sorts before the
	// 14:00 stamp as text.
	clk.Set(at(14, 1, 0).In(ny))
	rep, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Skipped)
	assert.Equal(t, 1, rep.Due)

	// The same instant read again in the new zone is covered.
	rep, err = e.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Skipped)

	waitAll(t, e)
	assert.Equal(t, []int64{5}, d.chats())
}

func TestTimezoneChangeAcrossRestart(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	marks := &memMarks{}
	reg := staticRegistry{{ChatID: 5, At: quiz.MustTime("09:01")}}

	clk := clock.NewManual(at(14, 0, 0))
	e1 := New(clk, reg, &recordingDeliverer{}, WithMarks(marks))
	_, err = e1.Tick(context.Background())
	require.NoError(t, err)
	waitAll(t, e1)

	clk.Set(at(14, 1, 0).In(ny))
	d := &recordingDeliverer{}
	e2 := New(clk, reg, d, WithMarks(marks))
	require.NoError(t, e2.Restore(context.Background()))
	rep, err := e2.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Due)
	waitAll(t, e2)
	assert.Equal(t, []int64{5}, d.chats())
}

func TestLegacyWatermarkIsWallClock(t *testing.T) {
	t.Parallel()
	marks := &memMarks{m: map[string]string{WatermarkKey: "2024-03-01 10:35"}}
	clk := clock.NewManual(at(10, 35, 20))
	e := New(clk, staticRegistry{{ChatID: 1, At: quiz.MustTime("10:35")}}, &recordingDeliverer{}, WithMarks(marks))
	require.NoError(t, e.Restore(context.Background()))

	rep, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
}
