package reconnect

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxAttempts != 3 || cfg.BaseDelay != time.Second || cfg.MaxDelay != 10*time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestNew_ZeroConfigUsesDefaults(t *testing.T) {
	p := New(Config{})
	if p.Config() != DefaultConfig() {
		t.Errorf("expected defaults, got %+v", p.Config())
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := New(DefaultConfig())

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{64, 10 * time.Second},
		{1 << 20, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_NextUntilExhausted(t *testing.T) {
	p := New(DefaultConfig())

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		d, ok := p.Next()
		if !ok {
			t.Fatalf("attempt %d: expected retry to be allowed", i+1)
		}
		if d != w {
			t.Errorf("attempt %d: expected delay %v, got %v", i+1, w, d)
		}
	}

	if !p.Exhausted() {
		t.Error("expected policy to be exhausted")
	}
	for i := 0; i < 3; i++ {
		if _, ok := p.Next(); ok {
			t.Fatal("expected no further attempts after exhaustion")
		}
	}
	if p.Attempts() != 3 {
		t.Errorf("expected attempts to stay at 3, got %d", p.Attempts())
	}
}

func TestPolicy_Reset(t *testing.T) {
	p := New(Config{MaxAttempts: 1, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second})

	if _, ok := p.Next(); !ok {
		t.Fatal("expected first attempt")
	}
	if _, ok := p.Next(); ok {
		t.Fatal("expected exhaustion")
	}

	p.Reset()

	d, ok := p.Next()
	if !ok || d != 50*time.Millisecond {
		t.Errorf("expected fresh attempt with base delay after reset, got %v %v", d, ok)
	}
}

func TestPolicy_MaxBelowBase(t *testing.T) {
	p := New(Config{MaxAttempts: 2, BaseDelay: 5 * time.Second, MaxDelay: time.Second})
	if got := p.Delay(1); got != 5*time.Second {
		t.Errorf("expected cap raised to base delay, got %v", got)
	}
}
