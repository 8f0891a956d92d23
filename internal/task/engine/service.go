// Package engine is a bounded worker pool with per-task timeouts, panic
// isolation and retry with jittered backoff.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	rtsup "discquiz/internal/runtime/supervisor"
	logx "discquiz/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem

	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	lastQueueWarnAt  atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config; pool shape changes restart the workers.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize):
		s.Stop(ctx)
		s.Start(ctx)
	case !running && cfg.Enabled && !prev.Enabled:
		s.Start(ctx)
	}
}

// Start launches the workers. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	queue, stopCh, sup := s.q, s.stopCh, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("taskengine.worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops the workers and drops queued tasks, waiting at most until ctx
// is done for in-flight tasks.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.mu.Unlock()

	go func() {
		_ = sup.Stop(context.Background())
		// The queue is retired under the lock, so a sender either lands
		// before this drain or sees the retired queue in settle.
		s.mu.Lock()
		left := takeAll(queue)
		s.q, s.stopCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
		dropAll(left, ErrStopped)
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func takeAll(queue chan queuedTask) []queuedTask {
	var out []queuedTask
	for {
		select {
		case qt := <-queue:
			out = append(out, qt)
		default:
			return out
		}
	}
}

func dropAll(tasks []queuedTask, err error) {
	for _, qt := range tasks {
		if qt.task.Dropped != nil {
			qt.task.Dropped(err)
		}
	}
}

// settle runs after a send to q. When Stop retired q in the meantime no
// worker will read it again, so whatever is left is dropped here.
func (s *Service) settle(q chan queuedTask) {
	s.mu.Lock()
	retired := s.q != q
	s.mu.Unlock()
	if retired {
		dropAll(takeAll(q), ErrStopped)
	}
}

// Enqueue adds t without blocking; a full queue rejects it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until t is accepted, ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	cfg, q, stopCh, stopping := s.cfg, s.q, s.stopCh, s.stopDone != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case q == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	now := time.Now()
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: t.Opt.withDefaults(cfg)}

	if !block {
		select {
		case q <- qt:
			s.settle(q)
			return nil
		default:
			s.onQueueFull(now, t, q)
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		s.settle(q)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) onQueueFull(now time.Time, t Task, q chan queuedTask) {
	n := s.droppedQueueFull.Add(1)
	prev := s.lastQueueWarnAt.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return
	}
	if s.lastQueueWarnAt.CompareAndSwap(prev, now.UnixNano()) {
		s.log.Warn("task rejected: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_cap", cap(q)),
			logx.Any("rejected_total", n),
		)
	}
}
