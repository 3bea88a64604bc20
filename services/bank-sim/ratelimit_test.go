package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterPerDestination(t *testing.T) {
	rl := NewRateLimiter(2)
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	require.True(t, rl.Allow("http://a", now))
	require.True(t, rl.Allow("http://a", now))
	require.False(t, rl.Allow("http://a", now))

	// Other destinations have their own budget.
	require.True(t, rl.Allow("http://b", now))

	// The window rolls over after a minute.
	require.True(t, rl.Allow("http://a", now.Add(61*time.Second)))
}

func TestRateLimiterEvictsIdleEntries(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	require.True(t, rl.Allow("http://a", now))
	require.True(t, rl.Allow("http://b", now.Add(10*time.Minute)))
	require.NotContains(t, rl.windows, "http://a")
}
