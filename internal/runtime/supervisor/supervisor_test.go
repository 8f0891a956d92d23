package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "discquiz/pkg/logx"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoCancelOnError(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))
	boom := errors.New("clock broke")
	s.Go("dispatch", func(ctx context.Context) error { return boom })
	s.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("supervisor not canceled after error")
	}
	err := s.Wait(waitCtx(t))
	if !errors.Is(err, boom) {
		t.Fatalf("Wait() = %v, want wrapped boom", err)
	}
	if !strings.HasPrefix(err.Error(), "dispatch: ") {
		t.Fatalf("error not prefixed with goroutine name: %v", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go0("bad", func(context.Context) { panic("kaboom") })
	if err := s.Wait(waitCtx(t)); err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("Wait() = %v, want panic error", err)
	}
	if s.Active() != 0 || s.Started() != 1 {
		t.Fatalf("Active=%d Started=%d", s.Active(), s.Started())
	}
}

func TestCanceledIsNotAnError(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}
}

func TestGoRestartRestartsUntilSuccess(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		n := runs.Add(1)
		if n == 2 {
			panic("second run panics")
		}
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("broken", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2), WithFatalOnFinalError(true))

	err := s.Wait(waitCtx(t))
	if err == nil || !strings.Contains(err.Error(), "broken: always") {
		t.Fatalf("Wait() = %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}
