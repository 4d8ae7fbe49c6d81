package shutdown

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestNewHandler(t *testing.T) {
	if h := NewHandler(0); h.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", h.timeout, DefaultTimeout)
	}
	if h := NewHandler(time.Second); h.timeout != time.Second {
		t.Errorf("timeout = %v, want 1s", h.timeout)
	}
}

func TestHandler_ReverseOrder(t *testing.T) {
	h := NewHandler(time.Second)

	var (
		mu    sync.Mutex
		order []int
	)
	for i := 1; i <= 3; i++ {
		h.OnShutdown(func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}

	if err := h.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Errorf("hooks called in wrong order: %v, want [3 2 1]", order)
	}

	select {
	case <-h.Done():
	default:
		t.Error("Done channel should be closed after Shutdown")
	}
}

func TestHandler_Once(t *testing.T) {
	h := NewHandler(time.Second)
	hookErr := errors.New("close failed")

	calls := 0
	h.OnShutdown(func(ctx context.Context) error {
		calls++
		return hookErr
	})
	h.OnShutdown(func(ctx context.Context) error { return nil })

	for i := 0; i < 3; i++ {
		if err := h.Shutdown(); !errors.Is(err, hookErr) {
			t.Errorf("Shutdown() = %v, want %v", err, hookErr)
		}
	}
	if calls != 1 {
		t.Errorf("hook ran %d times, want 1", calls)
	}
}

func TestHandler_HookTimeout(t *testing.T) {
	h := NewHandler(20 * time.Millisecond)
	h.OnShutdown(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if err := h.Shutdown(); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() = %v, want deadline exceeded", err)
	}
}

func TestWithSignals(t *testing.T) {
	ctx, stop := WithSignals(context.Background())
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context was not cancelled by SIGTERM")
	}
}

func TestWithSignals_ParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := WithSignals(parent)
	defer stop()

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context should follow its parent")
	}
}
