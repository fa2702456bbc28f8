package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllow_BurstThenRetryAfter(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	k := PerMinute(2)
	k.now = func() time.Time { return now }

	ok, _ := k.Allow("ip:1.2.3.4")
	assert.True(t, ok)
	ok, _ = k.Allow("ip:1.2.3.4")
	assert.True(t, ok)

	ok, wait := k.Allow("ip:1.2.3.4")
	assert.False(t, ok)
	assert.InDelta(t, 30*time.Second, wait, float64(time.Second))

	ok, _ = k.Allow("ip:5.6.7.8")
	assert.True(t, ok, "keys are independent")

	now = now.Add(31 * time.Second)
	ok, _ = k.Allow("ip:1.2.3.4")
	assert.True(t, ok, "token refilled")
}

func TestSweep(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	k := PerMinute(10)
	k.now = func() time.Time { return now }

	k.Allow("a")
	now = now.Add(time.Hour)
	k.Allow("b")
	k.Sweep(30 * time.Minute)

	assert.Equal(t, 1, k.Len())
}
