package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)

	require.NoError(t, clock.Sleep(context.Background(), 5*time.Second))
	clock.Advance(time.Second)
	assert.Equal(t, start.Add(6*time.Second), clock.Now())
	assert.Equal(t, []time.Duration{5 * time.Second}, clock.Sleeps())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, clock.Sleep(ctx, time.Second), context.Canceled)
	assert.Len(t, clock.Sleeps(), 1)
}

func TestSystemClockSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SystemClock{}.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, SystemClock{}.Sleep(context.Background(), time.Millisecond))
}
