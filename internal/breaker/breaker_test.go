// Copyright 2025 James Ross
package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConsecutiveTripsAfterMaxFails(t *testing.T) {
	cb := NewConsecutive(3, 30*time.Second)

	for i := 0; i < 2; i++ {
		assert.True(t, cb.Allow())
		cb.Record(false)
		assert.Equal(t, Closed, cb.State())
	}

	assert.True(t, cb.Allow())
	cb.Record(false)
	assert.Equal(t, Open, cb.State())

	assert.False(t, cb.Allow())
}

func TestConsecutiveSuccessResetsCount(t *testing.T) {
	cb := NewConsecutive(3, 30*time.Second)
	cb.Record(false)
	cb.Record(false)
	cb.Record(true)
	cb.Record(false)
	cb.Record(false)
	assert.Equal(t, Closed, cb.State())
}

func TestConsecutiveReopensAfterCooldown(t *testing.T) {
	cb := NewConsecutive(1, 20*time.Millisecond)
	cb.Record(false)
	assert.Equal(t, Open, cb.State())
	assert.False(t, cb.Allow())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, cb.Allow())
	assert.Equal(t, HalfOpen, cb.State())
}

func TestSlidingWindowTripsOnFailureRate(t *testing.T) {
	cb := New(time.Minute, 30*time.Second, 0.5, 4)
	cb.Record(true)
	cb.Record(false)
	cb.Record(false)
	assert.Equal(t, Closed, cb.State())
	cb.Record(false)
	assert.Equal(t, Open, cb.State())
}
