package retry

import (
	"testing"
	"time"

	"taskpilot/internal/domain"
	"taskpilot/internal/taskerr"
)

func TestBackoff_Exponential(t *testing.T) {
	p := Policy{Base: 30 * time.Second, Cap: 30 * time.Minute}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{5, 480 * time.Second},
		{6, 960 * time.Second},
		{7, 30 * time.Minute}, // 1920s capped
		{10, 30 * time.Minute},
		{64, 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_Defaults(t *testing.T) {
	var p Policy
	if got := p.Backoff(1); got != DefaultBase {
		t.Errorf("zero policy Backoff(1) = %v, want %v", got, DefaultBase)
	}
	if got := p.Backoff(0); got != DefaultBase {
		t.Errorf("Backoff(0) = %v, want %v", got, DefaultBase)
	}
}

func TestDecide(t *testing.T) {
	p := Default()

	tests := []struct {
		name      string
		attempt   int
		class     taskerr.Class
		want      domain.ExecutionStatus
		wantRetry bool
		wantDelay time.Duration
	}{
		{"transient first attempt", 1, taskerr.ClassTransient, domain.StatusRetrying, true, 30 * time.Second},
		{"transient second attempt", 2, taskerr.ClassTransient, domain.StatusRetrying, true, 60 * time.Second},
		{"transient last attempt", 3, taskerr.ClassTransient, domain.StatusFailed, false, 0},
		{"transient past max", 5, taskerr.ClassTransient, domain.StatusFailed, false, 0},
		{"permanent first attempt", 1, taskerr.ClassPermanent, domain.StatusFailed, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.attempt, tt.class)
			if d.Status != tt.want || d.Retry != tt.wantRetry || d.Delay != tt.wantDelay {
				t.Errorf("Decide(%d, %v) = %+v, want status=%s retry=%v delay=%v",
					tt.attempt, tt.class, d, tt.want, tt.wantRetry, tt.wantDelay)
			}
		})
	}
}
