package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	gompErrors "github.com/bardlex/gompminer/pkg/errors"
)

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      false,
	}
}

func TestDo_Success(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		callCount++
		if callCount == 1 {
			return gompErrors.New(gompErrors.ErrorTypeTelemetry, "write", "sink busy")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls, got %d", callCount)
	}
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(2), func(context.Context) error {
		callCount++
		return gompErrors.New(gompErrors.ErrorTypeNetwork, "write", "persistent")
	})
	if err == nil {
		t.Fatal("Expected error after max attempts")
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls, got %d", callCount)
	}
	if !gompErrors.IsType(err, gompErrors.ErrorTypeInternal) {
		t.Error("Expected wrapped error to be internal type")
	}
	if gompErrors.GetContext(err)["max_attempts"] != 2 {
		t.Error("Expected max_attempts in error context")
	}
}

func TestDo_NonRetryableError(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(5), func(context.Context) error {
		callCount++
		return errors.New("plain error")
	})
	if err == nil {
		t.Fatal("Expected error")
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    time.Second,
		Multiplier:  1,
	}

	err := Do(ctx, config, func(context.Context) error {
		cancel()
		return gompErrors.New(gompErrors.ErrorTypeNetwork, "write", "down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestConfig_Delay(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1 * time.Second},
		{10, 1 * time.Second},
	}

	for _, tt := range tests {
		if got := config.Delay(tt.attempt); got != tt.expected {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestConfig_DelayJitterBounds(t *testing.T) {
	config := ReconnectConfig(time.Second, 30*time.Second)

	for range 50 {
		d := config.Delay(0)
		if d < time.Second || d > 1100*time.Millisecond {
			t.Fatalf("Delay(0) = %v, want within [1s, 1.1s]", d)
		}
	}
	if d := config.Delay(20); d > 33*time.Second {
		t.Errorf("Delay(20) = %v, want capped near 30s", d)
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep() did not return promptly on cancellation")
	}
}
