package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/callflow/internal/resilience"
	"github.com/MrWong99/callflow/pkg/provider"
)

var fastRetry = resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestRetry_TransientThenSuccess(t *testing.T) {
	t.Parallel()
	calls := 0
	got, err := resilience.Retry(context.Background(), fastRetry, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &provider.TransientError{Provider: "stt", Status: 503, Err: errors.New("unavailable")}
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("got %q err=%v", got, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_PermanentNotRetried(t *testing.T) {
	t.Parallel()
	calls := 0
	_, err := resilience.Retry(context.Background(), fastRetry, func(context.Context) (int, error) {
		calls++
		return 0, &provider.PermanentError{Provider: "stt", Status: 401, Err: errors.New("bad key")}
	})
	var pe *provider.PermanentError
	if !errors.As(err, &pe) {
		t.Errorf("want PermanentError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	t.Parallel()
	calls := 0
	_, err := resilience.Retry(context.Background(), fastRetry, func(context.Context) (int, error) {
		calls++
		return 0, context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want last error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_StopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := resilience.RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		_, err := resilience.Retry(ctx, cfg, func(context.Context) (int, error) {
			calls++
			return 0, &provider.TransientError{Provider: "stt", Err: errors.New("timeout")}
		})
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("want error after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not return after cancel")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
