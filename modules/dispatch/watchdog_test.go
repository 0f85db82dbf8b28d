package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestActiveObjectLoopsUntilStopped(t *testing.T) {
	var runs atomic.Int64
	ao := NewActiveObject("loop", func(tm *CancellableTimer) {
		runs.Add(1)
		tm.TrySleep(5 * time.Millisecond)
	})
	defer ao.Close()

	ao.Start()
	if !ao.Running() {
		t.Fatal("Running() = false after Start()")
	}
	time.Sleep(60 * time.Millisecond)
	ao.Stop()

	n := runs.Load()
	if n < 3 {
		t.Errorf("ran %d times in 60ms, want >= 3", n)
	}

	time.Sleep(30 * time.Millisecond)
	if after := runs.Load(); after != n {
		t.Errorf("ran %d more times after Stop()", after-n)
	}
}

func TestWatchdogKickedNeverFires(t *testing.T) {
	var fired atomic.Int64
	w := NewWatchdog("kicked", 40*time.Millisecond, func() { fired.Add(1) })
	defer w.Close()

	w.Start()
	stop := time.After(200 * time.Millisecond)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ticker.C:
			w.Kick()
		case <-stop:
			break loop
		}
	}
	w.Stop()

	if n := fired.Load(); n != 0 {
		t.Errorf("watchdog fired %d times while kicked", n)
	}
}

func TestWatchdogFiresOncePerMissedInterval(t *testing.T) {
	fired := make(chan struct{}, 16)
	w := NewWatchdog("missed", 30*time.Millisecond, func() { fired <- struct{}{} })
	defer w.Close()

	w.Start()
	if !w.Running() {
		t.Fatal("Running() = false after Start()")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatalf("failure #%d not reported", i+1)
		}
	}
	w.Stop()

	if w.Running() {
		t.Error("Running() = true after Stop()")
	}
	if n := w.Failures(); n < 2 {
		t.Errorf("Failures() = %d, want >= 2", n)
	}
}

func TestWatchdogStopIsPrompt(t *testing.T) {
	w := NewWatchdog("prompt", time.Hour, func() {})
	defer w.Close()

	w.Start()
	begin := time.Now()
	w.Stop()
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("Stop() took %v with a 1h timeout", elapsed)
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{MaxRetries: 5, RetryDelay: time.Second, MaxRetryDelay: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.attempt, cfg); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryWithBackoffSucceeds(t *testing.T) {
	cfg := BackoffConfig{MaxRetries: 5, RetryDelay: time.Millisecond, MaxRetryDelay: 4 * time.Millisecond}
	state := &RetryState{}

	calls := 0
	err := RetryWithBackoff(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, cfg, state)

	if err != nil {
		t.Fatalf("RetryWithBackoff() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if state.CurrentRetries != 0 {
		t.Errorf("CurrentRetries = %d after success, want 0", state.CurrentRetries)
	}
	if state.Attempts.Load() != 2 {
		t.Errorf("Attempts = %d, want 2", state.Attempts.Load())
	}
}

func TestRetryWithBackoffGivesUp(t *testing.T) {
	cfg := BackoffConfig{MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond}
	cause := errors.New("device gone")

	err := RetryWithBackoff(context.Background(), func(context.Context) error { return cause }, cfg, nil)
	if !errors.Is(err, ErrMaxRetries) {
		t.Errorf("error = %v, want ErrMaxRetries", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("error = %v, want wrapped cause", err)
	}
}

func TestRetryWithBackoffHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := BackoffConfig{MaxRetries: 10, RetryDelay: time.Hour, MaxRetryDelay: time.Hour}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := RetryWithBackoff(ctx, func(context.Context) error { return errors.New("fail") }, cfg, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
