package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowHonoursBurstPerClient(t *testing.T) {
	l := NewLimiter(3600, 2)
	fixed := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return fixed }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"), "burst exhausted")
	assert.True(t, l.Allow("b"), "clients have separate buckets")

	// one token per second refills
	fixed = fixed.Add(time.Second)
	assert.True(t, l.Allow("a"))
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := NewLimiter(0, 0)
	assert.False(t, l.Enabled())
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("a"))
	}
	assert.Equal(t, 0, l.Len())

	var nilLimiter *Limiter
	assert.True(t, nilLimiter.Allow("a"))
}

func TestTokensAndPrune(t *testing.T) {
	l := NewLimiter(3600, 5)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.Allow("a")
	assert.InDelta(t, 4, l.Tokens("a"), 0.01)

	now = now.Add(time.Minute)
	l.Allow("b")
	now = now.Add(30 * time.Second)

	assert.Equal(t, 1, l.Prune(time.Minute))
	assert.Equal(t, 1, l.Len())
}
