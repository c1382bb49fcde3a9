package security

import (
	"fmt"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestLimitsHelpers(t *testing.T) {
	tests := []struct {
		name      string
		got       Limits
		wantRate  rate.Limit
		wantBurst int
	}{
		{"per minute", PerMinute(30), rate.Limit(0.5), 30},
		{"per second", PerSecond(20), rate.Limit(20), 20},
		{"zero per minute", PerMinute(0), rate.Limit(0), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got.Rate != tt.wantRate || tt.got.Burst != tt.wantBurst {
				t.Errorf("got %+v, want rate %v burst %d", tt.got, tt.wantRate, tt.wantBurst)
			}
		})
	}

	lim := PerSecond(3).Limiter()
	if lim.Burst() != 3 || lim.Limit() != 3 {
		t.Errorf("Limiter() = %v/%d", lim.Limit(), lim.Burst())
	}
}

func TestRateLimiterBurstThenDeny(t *testing.T) {
	rl := NewRateLimiter(Limits{Rate: 1, Burst: 2})
	defer rl.Stop()

	ip := "203.0.113.7"
	if !rl.Allow(ip) || !rl.Allow(ip) {
		t.Fatal("burst of two should be allowed")
	}
	if rl.Allow(ip) {
		t.Error("third connection should be denied once the burst is spent")
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(Limits{Rate: 1, Burst: 1})
	defer rl.Stop()

	if !rl.Allow("203.0.113.1") {
		t.Error("first IP should be allowed")
	}
	if rl.Allow("203.0.113.1") {
		t.Error("first IP should be denied after its burst")
	}
	if !rl.Allow("203.0.113.2") {
		t.Error("second IP has its own bucket")
	}
	if rl.Len() != 2 {
		t.Errorf("Len() = %d, want 2", rl.Len())
	}
}

func TestRateLimiterUpdateRefills(t *testing.T) {
	rl := NewRateLimiter(Limits{Rate: 1, Burst: 1})
	defer rl.Stop()

	ip := "203.0.113.1"
	rl.Allow(ip)
	if rl.Allow(ip) {
		t.Fatal("bucket should be empty")
	}

	rl.Update(PerMinute(5))
	for i := 0; i < 5; i++ {
		if !rl.Allow(ip) {
			t.Fatalf("connection %d should be allowed under the new limits", i+1)
		}
	}
}

func TestRateLimiterMaxEntries(t *testing.T) {
	rl := NewRateLimiter(Limits{Rate: 1, Burst: 10})
	defer rl.Stop()

	rl.mu.Lock()
	rl.maxEntries = 3
	rl.mu.Unlock()

	for i := 1; i <= 3; i++ {
		if ip := fmt.Sprintf("203.0.113.%d", i); !rl.Allow(ip) {
			t.Errorf("%s should be allowed while there is room", ip)
		}
	}
	if rl.Allow("203.0.113.100") {
		t.Error("a new IP should be refused at capacity")
	}
	if !rl.Allow("203.0.113.1") {
		t.Error("a tracked IP should still be allowed")
	}
}

func TestRateLimiterSweep(t *testing.T) {
	rl := NewRateLimiter(Limits{Rate: 1, Burst: 1})
	defer rl.Stop()

	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("203.0.113.1")
	now = now.Add(bucketTTL / 2)
	rl.Allow("203.0.113.2")

	now = now.Add(bucketTTL/2 + time.Second)
	rl.sweep()

	if rl.Len() != 1 {
		t.Fatalf("Len() after sweep = %d, want 1", rl.Len())
	}
	if !rl.Allow("203.0.113.1") {
		t.Error("swept IP should start with a full bucket")
	}
}

func TestRateLimiterStopTwice(t *testing.T) {
	rl := NewRateLimiter(PerMinute(1))
	rl.Stop()
	rl.Stop()
}
