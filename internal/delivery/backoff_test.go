package delivery

import (
	"testing"
	"time"
)

func TestBackoffDelayDoubles(t *testing.T) {
	policy := BackoffPolicy{Base: time.Minute, Cap: time.Hour, JitterFrac: 0}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{0, time.Minute}, // clamped to attempt 1
	}

	for _, tt := range tests {
		if got := policy.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	policy := BackoffPolicy{Base: time.Minute, Cap: 10 * time.Minute, JitterFrac: 0}

	if got := policy.Delay(20); got != 10*time.Minute {
		t.Errorf("Delay(20) = %v, want cap %v", got, 10*time.Minute)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	policy := BackoffPolicy{Base: time.Minute, Cap: time.Hour, JitterFrac: 0.2}

	for i := 0; i < 200; i++ {
		d := policy.Delay(2)
		lo := time.Duration(float64(2*time.Minute) * 0.8)
		hi := time.Duration(float64(2*time.Minute) * 1.2)
		if d < lo || d > hi {
			t.Fatalf("Delay(2) = %v, outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestNextRetryAt(t *testing.T) {
	policy := BackoffPolicy{Base: time.Minute, Cap: time.Hour, JitterFrac: 0}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	got := policy.NextRetryAt(now, 3)
	want := now.Add(4 * time.Minute)
	if !got.Equal(want) {
		t.Errorf("NextRetryAt = %v, want %v", got, want)
	}
}
