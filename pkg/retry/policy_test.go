package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_DelayIsBaseTimesThreePowN(t *testing.T) {
	p := Policy{BaseDelay: time.Minute, Multiplier: 3, MaxRetries: 5}

	assert.Equal(t, time.Minute, p.Delay(1))
	assert.Equal(t, 3*time.Minute, p.Delay(2))
	assert.Equal(t, 9*time.Minute, p.Delay(3))
	assert.Equal(t, 27*time.Minute, p.Delay(4))
}

func TestPolicy_DelaysStrictlyIncreaseUntilCeiling(t *testing.T) {
	p := SweepPolicy()
	prev := time.Duration(0)
	for n := 1; n < p.MaxRetries; n++ {
		d := p.Delay(n)
		assert.Greater(t, d, prev, "failure %d", n)
		prev = d
	}
}

func TestPolicy_MaxDelayCaps(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Multiplier: 10, MaxRetries: 10, MaxDelay: time.Minute}
	assert.Equal(t, time.Minute, p.Delay(5))
}

func TestPolicy_Exhausted(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Multiplier: 3, MaxRetries: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"sweep default", SweepPolicy(), false},
		{"webhook default", WebhookPolicy(), false},
		{"zero base", Policy{Multiplier: 3, MaxRetries: 1}, true},
		{"shrinking", Policy{BaseDelay: time.Second, Multiplier: 0.5, MaxRetries: 1}, true},
		{"flat", Policy{BaseDelay: time.Second, Multiplier: 1, MaxRetries: 3}, true},
		{"unset multiplier", Policy{BaseDelay: time.Second, MaxRetries: 3}, true},
		{"no retries", Policy{BaseDelay: time.Second, Multiplier: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPolicy_NextAttempt(t *testing.T) {
	p := Policy{BaseDelay: time.Minute, Multiplier: 3, MaxRetries: 5}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(9*time.Minute), p.NextAttempt(now, 3))
}
