package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	rtsup "discquiz/internal/runtime/supervisor"
	"discquiz/internal/transport"
	logx "discquiz/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	historySize     = 300
	sendTimeout     = 10 * time.Second
	dedupMarkPrefix = "notify.dedup:"
)

type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

// Marks is the store surface used for persistent dedup.
type Marks interface {
	GetMark(ctx context.Context, key string) (string, bool, error)
	PutMark(ctx context.Context, key, value string) error
}

type job struct {
	n        Notification
	dedupKey string
}

// Service is a queue + worker pool + rate limit + retry + dedup pipeline.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	marks  Marks

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, marks Marks, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		marks:  marks,
		log:    log,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps rate, retry and dedup settings. Worker and queue sizes take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// burst = rate per sec so short spikes don't block
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. It is a no-op while disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return nil
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		})
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
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
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// in-flight Notify calls may still send on q
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.stopDone, s.sup = nil, nil, nil
		s.mu.Unlock()
		s.log.Info("notifier stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify queues n. Suppressed duplicates return nil.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(n.Text) == "" {
		return errors.New("notifier: empty text")
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, cfg := s.queue, s.cfg
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, key, cfg) {
		s.log.Debug("notification deduped", logx.String("key", key), logx.Int64("chat_id", n.Target.ChatID))
		return nil
	}

	select {
	case q <- job{n: n, dedupKey: key}:
		return nil
	default:
		s.forget(key)
		s.log.Warn("notification dropped: queue full", logx.String("key", key), logx.Int64("chat_id", n.Target.ChatID))
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// persistDedup writes the suppress-until of a sent key to the store.
func (s *Service) persistDedup(ctx context.Context, key string) {
	s.dmu.Lock()
	until, ok := s.dedup[key]
	s.dmu.Unlock()
	if !ok {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.marks.PutMark(cctx, dedupMarkPrefix+key, until.UTC().Format(time.RFC3339)); err != nil {
		s.log.Debug("dedup mark not persisted", logx.String("key", key), logx.Err(err))
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	attempt := 1
	for ; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := sender.SendText(callCtx, j.n.Target, j.n.Text, j.n.Options)
		cancel()
		if err == nil {
			if cfg.PersistDedup && cfg.DedupWindow > 0 && s.marks != nil {
				s.persistDedup(ctx, j.dedupKey)
			}
			s.appendHistory(HistoryItem{At: time.Now(), Key: j.dedupKey, ChatID: j.n.Target.ChatID, Attempts: attempt})
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt == maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
			attempt = maxAttempts + 1
		}
	}

	s.forget(j.dedupKey)
	s.appendHistory(HistoryItem{At: time.Now(), Key: j.dedupKey, ChatID: j.n.Target.ChatID, Attempts: min(attempt, maxAttempts), Error: lastErr.Error()})
	s.log.Warn("notification failed",
		logx.String("key", j.dedupKey),
		logx.Int64("chat_id", j.n.Target.ChatID),
		logx.Err(lastErr),
	)
}

func dedupKey(n Notification) string {
	if k := strings.TrimSpace(n.Key); k != "" {
		return k
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d:%d|", n.Target.ChatID, n.Target.ThreadID)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether key may be sent now and opens a new window.
func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.marks != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		v, ok, err := s.marks.GetMark(cctx, dedupMarkPrefix+key)
		cancel()
		if err == nil && ok {
			if until, perr := time.Parse(time.RFC3339, v); perr == nil && now.Before(until) {
				s.dmu.Lock()
				s.dedup[key] = until
				s.dmu.Unlock()
				return false
			}
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()
	return true
}

// forget reopens key after a failed or dropped send.
func (s *Service) forget(key string) {
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
