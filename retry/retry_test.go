package retry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestDo(t *testing.T) {
	ctx := context.TODO()
	log := slog.Default()

	t.Run("first attempt succeeds", func(t *testing.T) {
		attempts := 0
		err := Do(ctx, log, "op", 3, func(ctx context.Context) error {
			attempts++
			return nil
		})
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1", attempts)
		}
	})

	t.Run("retries until success", func(t *testing.T) {
		attempts := 0
		err := Do(ctx, log, "op", 3, func(ctx context.Context) error {
			attempts++
			if attempts < 2 {
				return errors.New("transient")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		if attempts != 2 {
			t.Errorf("attempts = %d, want 2", attempts)
		}
	})

	t.Run("attempts are bounded", func(t *testing.T) {
		attempts := 0
		wantErr := errors.New("always fails")
		err := Do(ctx, log, "op", 2, func(ctx context.Context) error {
			attempts++
			return wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Fatalf("Do() error = %v, want %v", err, wantErr)
		}
		if attempts != 2 {
			t.Errorf("attempts = %d, want 2", attempts)
		}
	})

	t.Run("permanent error short circuits", func(t *testing.T) {
		attempts := 0
		wantErr := errors.New("fatal")
		err := Do(ctx, log, "op", 5, func(ctx context.Context) error {
			attempts++
			return Permanent(wantErr)
		})
		if !errors.Is(err, wantErr) {
			t.Fatalf("Do() error = %v, want %v", err, wantErr)
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1", attempts)
		}
	})

	t.Run("zero attempts runs once", func(t *testing.T) {
		attempts := 0
		wantErr := errors.New("fails")
		if err := Do(ctx, log, "op", 0, func(ctx context.Context) error {
			attempts++
			return wantErr
		}); !errors.Is(err, wantErr) {
			t.Fatalf("Do() error = %v, want %v", err, wantErr)
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1", attempts)
		}
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		cCtx, cancel := context.WithCancel(ctx)
		err := Do(cCtx, log, "op", 10, func(ctx context.Context) error {
			cancel()
			return errors.New("transient")
		})
		if err == nil {
			t.Fatal("Do() expected error after context cancellation")
		}
	})
}

func TestTimeboxed(t *testing.T) {
	ctx := context.TODO()

	t.Run("success", func(t *testing.T) {
		res := Timeboxed(ctx, time.Minute, func(ctx context.Context) error {
			return nil
		})
		if !res.Success || res.TimedOut || res.Err != nil {
			t.Errorf("Timeboxed() = %+v, want success", res)
		}
	})

	t.Run("failure is not a timeout", func(t *testing.T) {
		wantErr := errors.New("op failed")
		res := Timeboxed(ctx, time.Minute, func(ctx context.Context) error {
			return wantErr
		})
		if res.Success {
			t.Error("Timeboxed() reported success")
		}
		if res.TimedOut {
			t.Error("Timeboxed() reported timeout for a plain failure")
		}
		if !errors.Is(res.Err, wantErr) {
			t.Errorf("Timeboxed() err = %v, want %v", res.Err, wantErr)
		}
	})

	t.Run("deadline overrun is a timeout", func(t *testing.T) {
		res := Timeboxed(ctx, 50*time.Millisecond, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		if res.Success {
			t.Error("Timeboxed() reported success")
		}
		if !res.TimedOut {
			t.Error("Timeboxed() did not report timeout")
		}
	})

	t.Run("pre-existing deadline on parent is not this box's timeout", func(t *testing.T) {
		// an op failing with a wrapped DeadlineExceeded from some inner
		// call must not be misreported as this operation's timeout
		res := Timeboxed(ctx, time.Minute, func(ctx context.Context) error {
			return context.DeadlineExceeded
		})
		if res.TimedOut {
			t.Error("Timeboxed() reported timeout while its own deadline had not passed")
		}
	})
}
