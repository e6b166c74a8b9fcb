package detect

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncerCoalescesBurst(t *testing.T) {
	var fired atomic.Int32
	d := newDebouncer(30*time.Millisecond, func() { fired.Add(1) })
	t.Cleanup(d.cancelAndWait)

	for i := 0; i < 10; i++ {
		d.trigger()
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return fired.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// No stray second fire after the burst settles.
	time.Sleep(3 * 30 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestDebouncerReusableAfterFire(t *testing.T) {
	var fired atomic.Int32
	d := newDebouncer(10*time.Millisecond, func() { fired.Add(1) })
	t.Cleanup(d.cancelAndWait)

	d.trigger()
	require.Eventually(t, func() bool {
		return fired.Load() == 1
	}, time.Second, 5*time.Millisecond)

	d.trigger()
	require.Eventually(t, func() bool {
		return fired.Load() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestDebouncerCancelStopsPendingAction(t *testing.T) {
	var fired atomic.Int32
	d := newDebouncer(30*time.Millisecond, func() { fired.Add(1) })

	d.trigger()
	d.cancelAndWait()

	time.Sleep(3 * 30 * time.Millisecond)
	assert.Zero(t, fired.Load())

	// cancel on an idle debouncer is a no-op.
	d.cancel()
}
