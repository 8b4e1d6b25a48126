package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryWithBackoff(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}

	t.Run("first attempt success consumes no retries", func(t *testing.T) {
		got, retries, err := RetryWithBackoff(context.Background(), cfg,
			func(ctx context.Context, attempt int) (string, error) {
				return "ok", nil
			}, nil)
		if err != nil || got != "ok" || retries != 0 {
			t.Errorf("got (%q, %d, %v)", got, retries, err)
		}
	})

	t.Run("fails twice then succeeds", func(t *testing.T) {
		calls := 0
		var notified []int
		got, retries, err := RetryWithBackoff(context.Background(), cfg,
			func(ctx context.Context, attempt int) (string, error) {
				calls++
				if calls < 3 {
					return "", errors.New("503")
				}
				return "recovered", nil
			},
			func(attempt, remaining int, err error) {
				notified = append(notified, remaining)
			})
		if err != nil || got != "recovered" {
			t.Fatalf("got (%q, %v)", got, err)
		}
		if retries != 2 {
			t.Errorf("retries = %d, want 2", retries)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
		// remaining counts down across the two failed attempts
		if len(notified) != 2 || notified[0] != 2 || notified[1] != 1 {
			t.Errorf("notified remaining = %v, want [2 1]", notified)
		}
	})

	t.Run("exhaustion returns last error", func(t *testing.T) {
		lastErr := errors.New("still down")
		_, retries, err := RetryWithBackoff(context.Background(), cfg,
			func(ctx context.Context, attempt int) (int, error) {
				return 0, lastErr
			}, nil)
		if !errors.Is(err, lastErr) {
			t.Errorf("err = %v, want last attempt error", err)
		}
		if retries != 2 {
			t.Errorf("retries = %d, want 2", retries)
		}
	})

	t.Run("attempts are numbered from one", func(t *testing.T) {
		var attempts []int
		_, _, _ = RetryWithBackoff(context.Background(), cfg,
			func(ctx context.Context, attempt int) (int, error) {
				attempts = append(attempts, attempt)
				return 0, errors.New("no")
			}, nil)
		want := []int{1, 2, 3}
		if len(attempts) != 3 || attempts[0] != 1 || attempts[1] != 2 || attempts[2] != 3 {
			t.Errorf("attempts = %v, want %v", attempts, want)
		}
	})

	t.Run("cancellation interrupts the backoff sleep", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := RetryConfig{MaxRetries: 5, BaseDelay: time.Hour}

		done := make(chan error, 1)
		go func() {
			_, _, err := RetryWithBackoff(ctx, slow,
				func(ctx context.Context, attempt int) (int, error) {
					return 0, errors.New("fail")
				}, nil)
			done <- err
		}()

		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("err = %v, want context.Canceled", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("retry loop did not observe cancellation")
		}
	})

	t.Run("backoff doubles from the base delay and caps", func(t *testing.T) {
		want := []time.Duration{
			time.Second, 2 * time.Second, 4 * time.Second,
			8 * time.Second, 10 * time.Second, 10 * time.Second,
		}
		for i, w := range want {
			if got := backoffDelay(time.Second, i+1); got != w {
				t.Errorf("backoffDelay(1s, %d) = %v, want %v", i+1, got, w)
			}
		}
	})

	t.Run("zero max retries means a single attempt", func(t *testing.T) {
		calls := 0
		_, _, err := RetryWithBackoff(context.Background(),
			RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond},
			func(ctx context.Context, attempt int) (int, error) {
				calls++
				return 0, errors.New("no")
			}, nil)
		if err == nil || calls != 1 {
			t.Errorf("calls = %d, err = %v", calls, err)
		}
	})
}
