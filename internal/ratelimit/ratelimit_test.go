package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestKeyedIsolatesKeys(t *testing.T) {
	k := NewKeyed(rate.Every(time.Hour), 2)

	assert.True(t, k.Allow("10.0.0.1"))
	assert.True(t, k.Allow("10.0.0.1"))
	assert.False(t, k.Allow("10.0.0.1"))

	assert.True(t, k.Allow("10.0.0.2"))
}

func TestKeyedRefills(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k := PerMinute(1)
	k.now = func() time.Time { return now }

	assert.True(t, k.Allow("reader@example.com"))
	assert.False(t, k.Allow("reader@example.com"))

	now = now.Add(time.Minute)
	assert.True(t, k.Allow("reader@example.com"))
}

func TestKeyedEvictsIdleKeys(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k := PerMinute(5)
	k.now = func() time.Time { return now }

	k.Allow("a")
	k.Allow("b")
	assert.Equal(t, 2, k.Len())

	now = now.Add(time.Hour)
	k.Allow("c")
	assert.Equal(t, 1, k.Len())
}
