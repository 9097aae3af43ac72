package retry

import (
	"math/rand"
	"testing"
	"time"

	"jobd/internal/job"
)

func TestDelaySequence(t *testing.T) {
	t.Parallel()
	p := job.RetryPolicy{
		MaxRetries:    5,
		RetryDelay:    time.Second,
		Multiplier:    2,
		MaxRetryDelay: 10 * time.Second,
	}
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond, // capped
	}
	for n, w := range want {
		if got := Delay(p, n); got != w {
			t.Fatalf("Delay(retry %d) = %v, want %v", n, got, w)
		}
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()
	p := job.RetryPolicy{MaxRetries: 2, RetryDelay: 100 * time.Millisecond, Multiplier: 2, MaxRetryDelay: time.Second}

	tests := []struct {
		name       string
		retryable  bool
		retryCount int
		wantOK     bool
		wantDelay  time.Duration
	}{
		{name: "first retry", retryable: true, retryCount: 0, wantOK: true, wantDelay: 100 * time.Millisecond},
		{name: "second retry", retryable: true, retryCount: 1, wantOK: true, wantDelay: 200 * time.Millisecond},
		{name: "budget exhausted", retryable: true, retryCount: 2, wantOK: false},
		{name: "non-retryable", retryable: false, retryCount: 0, wantOK: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ok, delay := Decide(p, tt.retryable, tt.retryCount)
			if ok != tt.wantOK {
				t.Fatalf("Decide ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && delay != tt.wantDelay {
				t.Fatalf("Decide delay = %v, want %v", delay, tt.wantDelay)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	got := Resolve(nil, Default)
	if got != Default {
		t.Fatalf("Resolve(nil) = %+v, want default", got)
	}

	partial := &job.RetryPolicy{MaxRetries: 7}
	got = Resolve(partial, Default)
	if got.MaxRetries != 7 {
		t.Fatalf("MaxRetries = %d, want 7", got.MaxRetries)
	}
	if got.RetryDelay != Default.RetryDelay || got.Multiplier != Default.Multiplier {
		t.Fatalf("zero fields not filled: %+v", got)
	}
}

func TestJitterBounds(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))
	d := time.Second
	for i := 0; i < 100; i++ {
		got := Jitter(d, 0.25, rng)
		if got < 750*time.Millisecond || got > 1250*time.Millisecond {
			t.Fatalf("Jitter out of bounds: %v", got)
		}
	}
	if got := Jitter(d, 0, rng); got != d {
		t.Fatalf("Jitter(frac=0) = %v, want %v", got, d)
	}
}
