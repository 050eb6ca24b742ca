package backoff

import (
	"testing"
	"time"
)

func TestConstant(t *testing.T) {
	c := NewConstant(3 * time.Second)
	for _, attempt := range []int{1, 2, 50} {
		if got := c.Delay(attempt); got != 3*time.Second {
			t.Fatalf("attempt %d: expected 3s, got %s", attempt, got)
		}
	}
}

func TestExponentialWithJitterBounds(t *testing.T) {
	e := NewExponentialWithJitter(100*time.Millisecond, time.Second)
	cases := []struct {
		attempt int
		max     time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{10, time.Second},
	}
	for _, tc := range cases {
		for i := 0; i < 20; i++ {
			d := e.Delay(tc.attempt)
			if d < 0 || d > tc.max {
				t.Fatalf("attempt %d: delay %s outside [0, %s]", tc.attempt, d, tc.max)
			}
		}
	}
}
