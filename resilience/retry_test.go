package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, Multiplier: 2.0, MaxDelay: 10 * time.Second}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5)) // capped at MaxDelay
}

func TestRetryPolicyExhaustsAttempts(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.False(t, p.ExhaustsAttempts(1))
	assert.False(t, p.ExhaustsAttempts(2))
	assert.True(t, p.ExhaustsAttempts(3))
}
