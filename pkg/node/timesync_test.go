package node

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// goodSample feeds one symmetric round trip with the given offset and
// round-trip delay.
func goodSample(e *Estimator, t1, offsetUs, rttUs int64) bool {
	t2 := t1 + offsetUs + rttUs/2
	t3 := t2
	t4 := t1 + rttUs
	return e.AddSample(t1, t2, t3, t4)
}

func TestEstimatorLocksAfterGoodSamples(t *testing.T) {
	e := NewEstimator(EstimatorConfig{})
	require.Equal(t, SyncUnlocked, e.State())

	t1 := int64(0)
	for i := 0; i < 8; i++ {
		require.True(t, goodSample(e, t1, 10_000, 4_000))
		t1 += 500_000
	}
	require.Equal(t, SyncLocked, e.State())

	local, ok := e.HubToLocal(1_010_000)
	require.True(t, ok)
	require.InDelta(t, 1_000_000, local, 1_000)
}

func TestEstimatorNotLockedBeforeEnoughSamples(t *testing.T) {
	e := NewEstimator(EstimatorConfig{})
	for i := 0; i < 5; i++ {
		goodSample(e, int64(i)*500_000, 10_000, 4_000)
	}
	require.Equal(t, SyncLocking, e.State())
	_, ok := e.HubToLocal(123)
	require.False(t, ok)
}

func TestEstimatorRejectsImplausibleSamples(t *testing.T) {
	e := NewEstimator(EstimatorConfig{})
	require.True(t, goodSample(e, 0, 10_000, 4_000))
	before := e.OffsetUs()

	// negative one-way delay
	require.False(t, e.AddSample(100, 50, 50, 90))
	// round trip over the ceiling
	require.False(t, goodSample(e, 500_000, 10_000, 400_000))

	require.Equal(t, before, e.OffsetUs())
}

func TestEstimatorSmoothsOffsetSteps(t *testing.T) {
	e := NewEstimator(EstimatorConfig{})
	for i := 0; i < 8; i++ {
		goodSample(e, int64(i)*500_000, 10_000, 4_000)
	}
	require.Equal(t, SyncLocked, e.State())
	before := e.OffsetUs()

	// a single outlier moves the estimate by at most alpha of the step
	goodSample(e, 4_500_000, 30_000, 4_000)
	after := e.OffsetUs()
	require.Greater(t, after, before)
	require.Less(t, after-before, int64(20_000)/2)
}

func TestEstimatorDegradesWhenStale(t *testing.T) {
	e := NewEstimator(EstimatorConfig{})
	t1 := int64(0)
	for i := 0; i < 8; i++ {
		goodSample(e, t1, 10_000, 4_000)
		t1 += 500_000
	}
	require.Equal(t, SyncLocked, e.State())

	e.Tick(t1 + 10_000_000)
	require.Equal(t, SyncDegraded, e.State())
	_, ok := e.HubToLocal(0)
	require.False(t, ok)

	// a fresh qualifying run re-locks
	for i := 0; i < 8; i++ {
		goodSample(e, t1, 10_000, 4_000)
		t1 += 500_000
	}
	require.Equal(t, SyncLocked, e.State())
}

func TestEstimatorDegradesWhenNoisy(t *testing.T) {
	e := NewEstimator(EstimatorConfig{})
	t1 := int64(0)
	for i := 0; i < 8; i++ {
		goodSample(e, t1, 10_000, 4_000)
		t1 += 500_000
	}
	require.Equal(t, SyncLocked, e.State())

	// alternate short and long round trips until jitter blows past the
	// degrade bound
	for i := 0; i < 40 && e.State() == SyncLocked; i++ {
		rtt := int64(2_000)
		if i%2 == 0 {
			rtt = 60_000
		}
		goodSample(e, t1, 10_000, rtt)
		e.Tick(t1)
		t1 += 500_000
	}
	require.Equal(t, SyncDegraded, e.State())
}
