package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvancesOnSleep(t *testing.T) {
	start := time.Unix(1000, 0)
	clk := NewFake(start)

	require.NoError(t, clk.Sleep(context.Background(), 5*time.Second))

	assert.Equal(t, start.Add(5*time.Second), clk.Now())
	assert.Equal(t, []time.Duration{5 * time.Second}, clk.Slept())
}

func TestFakeAdvance(t *testing.T) {
	clk := NewFake(time.Unix(1000, 0))
	clk.Advance(time.Minute)

	assert.Equal(t, time.Unix(1060, 0), clk.Now())
}

func TestFakeSleepHonorsCanceledContext(t *testing.T) {
	clk := NewFake(time.Unix(1000, 0))
	before := clk.Now()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := clk.Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, clk.Now())
}

func TestRealSleepReturnsOnCancel(t *testing.T) {
	clk := NewReal()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := clk.Sleep(ctx, 10*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}
