package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/weave/internal/syncerr"
)

func TestLimiterAllowsBurst(t *testing.T) {
	l := NewLimiter(10, 5, time.Second)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(), "burst token %d", i)
	}
	assert.False(t, l.Allow(), "burst exhausted")
}

func TestLimiterWaitBounded(t *testing.T) {
	// One token per minute: the second Wait cannot succeed inside the
	// 20ms bound and must fail RateLimited.
	l := NewLimiter(1.0/60.0, 1, 20*time.Millisecond)

	require.NoError(t, l.Wait(context.Background()))

	err := l.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, syncerr.KindRateLimited, syncerr.KindOf(err))
}

func TestLimiterWaitRespectsCallerCancel(t *testing.T) {
	l := NewLimiter(1.0/60.0, 1, time.Minute)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindTransient, syncerr.KindOf(err))
}

func TestPacerZeroDelayIsNoop(t *testing.T) {
	p := NewPacer(0)
	start := time.Now()
	require.NoError(t, p.Pace(context.Background()))
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestPacerCancellable(t *testing.T) {
	p := NewPacer(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, p.Pace(ctx))
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker(threshold, cooldown)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	assert.True(t, b.Allow("PROJ"))
	b.RecordFailure("PROJ")
	b.RecordFailure("PROJ")
	assert.True(t, b.Allow("PROJ"), "still closed below threshold")
	b.RecordFailure("PROJ")

	assert.False(t, b.Allow("PROJ"))
	assert.Equal(t, BreakerOpen, b.State("PROJ"))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	b.RecordFailure("PROJ")
	assert.False(t, b.Allow("PROJ"))

	*now = now.Add(2 * time.Minute)

	assert.True(t, b.Allow("PROJ"), "cooldown elapsed admits one probe")
	assert.False(t, b.Allow("PROJ"), "only one probe at a time")

	b.RecordSuccess("PROJ")
	assert.Equal(t, BreakerClosed, b.State("PROJ"))
	assert.True(t, b.Allow("PROJ"))
}

func TestBreakerAbandonedProbeReadmitted(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	b.RecordFailure("PROJ")

	*now = now.Add(2 * time.Minute)
	require.True(t, b.Allow("PROJ"))
	assert.False(t, b.Allow("PROJ"), "probe slot held while outcome pending")

	// The prober died without recording an outcome. Another cooldown
	// forfeits its slot and admits a fresh probe.
	*now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow("PROJ"))
	assert.False(t, b.Allow("PROJ"), "still one probe at a time")

	b.RecordSuccess("PROJ")
	assert.Equal(t, BreakerClosed, b.State("PROJ"))
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	b.RecordFailure("PROJ")

	*now = now.Add(2 * time.Minute)
	require.True(t, b.Allow("PROJ"))

	b.RecordFailure("PROJ")
	assert.Equal(t, BreakerOpen, b.State("PROJ"))
	assert.False(t, b.Allow("PROJ"))
}

func TestBreakerIsolatesProjects(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("BAD")

	assert.False(t, b.Allow("BAD"))
	assert.True(t, b.Allow("GOOD"))

	snap := b.Snapshot()
	assert.Equal(t, map[string]BreakerState{"BAD": BreakerOpen}, snap)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	b.RecordFailure("PROJ")
	b.RecordSuccess("PROJ")
	b.RecordFailure("PROJ")

	assert.True(t, b.Allow("PROJ"), "count restarts after success")
}
