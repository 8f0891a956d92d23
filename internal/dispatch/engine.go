// Package dispatch turns the wall clock into quiz deliveries: once per
// minute it collects the schedules due at that minute and fans them out.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"discquiz/internal/clock"
	"discquiz/internal/delivery"
	"discquiz/internal/quiz"
	"discquiz/internal/schedule"
	"discquiz/internal/task/engine"
	logx "discquiz/pkg/logx"
)

// ErrClock wraps clock failures. It is fatal for the engine.
var ErrClock = errors.New("dispatch: clock source failed")

// WatermarkKey is the store mark holding the last processed minute.
const WatermarkKey = "dispatch.watermark"


type State int32

const (
	Idle State = iota
	Dispatching
)

func (s State) String() string {
	if s == Dispatching {
		return "dispatching"
	}
	return "idle"
}

type Snapshotter interface {
	Snapshot() []quiz.Schedule
}

type Deliverer interface {
	Deliver(ctx context.Context, target quiz.Schedule) (delivery.Outcome, error)
}

type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Marks interface {
	GetMark(ctx context.Context, key string) (string, bool, error)
	PutMark(ctx context.Context, key, value string) error
}

type Engine struct {
	clock   clock.Clock
	reg     Snapshotter
	deliver Deliverer
	tasks   Enqueuer
	marks   Marks
	log     logx.Logger
	timeout time.Duration
	slack   time.Duration

	tickMu    sync.Mutex
	watermark clock.Mark // guarded by tickMu

	state    atomic.Int32
	inflight sync.WaitGroup
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

// WithTasks routes deliveries through a worker pool instead of bare goroutines.
func WithTasks(q Enqueuer) Option { return func(e *Engine) { e.tasks = q } }

// WithMarks persists the watermark so a restart inside the same minute
// does not deliver twice.
func WithMarks(m Marks) Option { return func(e *Engine) { e.marks = m } }

func WithDeliveryTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func New(c clock.Clock, reg Snapshotter, d Deliverer, opts ...Option) *Engine {
	e := &Engine{
		clock:   c,
		reg:     reg,
		deliver: d,
		log:     logx.Nop(),
		timeout: 15 * time.Second,
		slack:   50 * time.Millisecond,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Restore loads the persisted watermark.
func (e *Engine) Restore(ctx context.Context) error {
	if e.marks == nil {
		return nil
	}
	v, ok, err := e.marks.GetMark(ctx, WatermarkKey)
	if err != nil {
		return fmt.Errorf("dispatch: load watermark: %w", err)
	}
	if ok {
		e.tickMu.Lock()
		e.watermark = clock.ParseMark(v)
		e.tickMu.Unlock()
		e.log.Info("dispatch watermark restored", logx.String("watermark", v))
	}
	return nil
}

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) Watermark() string {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return e.watermark.String()
}

// Report describes one tick.
type Report struct {
	Minute     time.Time
	Skipped    bool // minute already processed
	Due        int
	Dispatched int
}

// Tick processes the current minute at most once. Deliveries run
// asynchronously; Tick returns once they are handed off.
func (e *Engine) Tick(ctx context.Context) (Report, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	e.state.Store(int32(Dispatching))
	defer e.state.Store(int32(Idle))

	now, err := e.clock.Now()
	if err != nil {
		return Report{}, fmt.Errorf("%w: %w", ErrClock, err)
	}
	minute := clock.Minute(now)
	rep := Report{Minute: minute}

	if e.watermark.Covers(minute) {
		rep.Skipped = true
		return rep, nil
	}
	e.watermark = clock.MarkOf(minute)
	stamp := e.watermark.Stamp
	if e.marks != nil {
		if err := e.marks.PutMark(ctx, WatermarkKey, e.watermark.String()); err != nil {
			e.log.Warn("dispatch watermark not persisted", logx.String("minute", stamp), logx.Err(err))
		}
	}

	due := schedule.DueAt(e.reg.Snapshot(), quiz.TimeOfDayOf(minute))
	rep.Due = len(due)
	for _, sc := range due {
		e.dispatch(ctx, sc)
		rep.Dispatched++
	}
	if rep.Due > 0 {
		e.log.Info("quizzes dispatched", logx.String("minute", stamp), logx.Int("count", rep.Due))
	}
	return rep, nil
}

func (e *Engine) dispatch(ctx context.Context, sc quiz.Schedule) {
	e.inflight.Add(1)
	log := e.log.With(logx.Int64("chat_id", sc.ChatID), logx.String("at", sc.At.String()))

	if e.tasks != nil {
		err := e.tasks.Enqueue(engine.Task{
			Name:    "quiz.deliver",
			Timeout: e.timeout,
			Opt:     engine.TaskOptions{RetryMax: -1},
			Run: func(ctx context.Context) error {
				defer e.inflight.Done()
				return engine.NoRetry(e.deliverOne(ctx, sc, log))
			},
			Dropped: func(err error) {
				defer e.inflight.Done()
				log.Warn("quiz delivery dropped", logx.Err(err))
			},
		})
		if err == nil {
			return
		}
		log.Warn("task engine rejected delivery; running inline goroutine", logx.Err(err))
	}

	go func() {
		defer e.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("quiz delivery panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		// A shutdown must not cut off a delivery already handed off.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		_ = e.deliverOne(dctx, sc, log)
	}()
}

func (e *Engine) deliverOne(ctx context.Context, sc quiz.Schedule, log logx.Logger) error {
	out, err := e.deliver.Deliver(ctx, sc)
	if err != nil {
		log.Warn("quiz delivery failed", logx.String("outcome", out.String()), logx.Err(err))
		return err
	}
	log.Debug("quiz delivered", logx.String("outcome", out.String()))
	return nil
}

// Wait blocks until every handed-off delivery finished or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run ticks at every minute boundary until ctx is canceled. It returns
// ErrClock when the clock fails.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("dispatch loop started")
	for {
		if _, err := e.Tick(ctx); err != nil {
			e.log.Error("dispatch stopped", logx.Err(err))
			return err
		}
		t := time.NewTimer(clock.UntilNextMinute(time.Now()) + e.slack)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
