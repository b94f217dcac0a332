package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucket_ConservesCapacity(t *testing.T) {
	b := NewTokenBucket(5, time.Second, 5)
	allowed := 0
	for range 10 {
		if b.Consume("k", 1).Allowed {
			allowed++
		}
	}
	assert.LessOrEqual(t, allowed, 5)
}

func TestSlidingWindow_AllowsUnderLimit(t *testing.T) {
	w := NewSlidingWindow(3, time.Minute)
	defer w.Dispose()
	assert.True(t, w.Consume("k", 1).Allowed)
	assert.True(t, w.Consume("k", 1).Allowed)
	assert.True(t, w.Consume("k", 1).Allowed)
	res := w.Consume("k", 1)
	assert.False(t, res.Allowed)
}

func TestSlidingWindow_ResetClearsHistory(t *testing.T) {
	w := NewSlidingWindow(1, time.Minute)
	defer w.Dispose()
	assert.True(t, w.Consume("k", 1).Allowed)
	assert.False(t, w.Consume("k", 1).Allowed)
	w.Reset("k")
	assert.True(t, w.Consume("k", 1).Allowed)
}
