package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBudgetCallsPerSecond(t *testing.T) {
	b := NewBudget(Limits{CallsPerSecond: 3, CallsPer10Seconds: 1000})
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.TryAdmit(now, "http", 0, 0, 0))
		b.Commit(now, "http", 0, 0, 0)
	}

	err := b.TryAdmit(now, "http", 0, 0, 0)
	require.Error(t, err)
	var exceeded *Exceeded
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, DimCallsPer1s, exceeded.Dimension)

	// Next second, calls resume (S2 scenario shape).
	later := now.Add(2 * time.Second)
	require.NoError(t, b.TryAdmit(later, "http", 0, 0, 0))
}

func TestBudgetDoesNotCommitOnRejection(t *testing.T) {
	b := NewBudget(Limits{CallsPerSecond: 1, CallsPer10Seconds: 1000})
	now := time.Now()
	require.NoError(t, b.TryAdmit(now, "http", 0, 0, 0))
	b.Commit(now, "http", 0, 0, 0)

	require.Error(t, b.TryAdmit(now, "http", 0, 0, 0))
	snap := b.Snapshot(now)
	require.Equal(t, int64(1), snap.CallsTotal)
}

func TestBudgetBytesDimension(t *testing.T) {
	b := NewBudget(Limits{CallsPerSecond: 1000, CallsPer10Seconds: 1000, MaxBytesWritten: 10})
	now := time.Now()
	require.Error(t, b.TryAdmit(now, "exec", 0, 11, 0))
}

func TestAddUsageFeedsByteAndWallDimensions(t *testing.T) {
	b := NewBudget(Limits{CallsPerSecond: 1000, CallsPer10Seconds: 1000, MaxBytesRead: 50, MaxWallNS: 1000})
	now := time.Now()

	require.NoError(t, b.TryAdmit(now, "http", 0, 0, 0))
	b.Commit(now, "http", 0, 0, 0)
	b.AddUsage(60, 0, 2000)

	err := b.TryAdmit(now, "http", 0, 0, 0)
	require.Error(t, err)
	var exceeded *Exceeded
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, DimBytesRead, exceeded.Dimension)

	snap := b.Snapshot(now)
	require.Equal(t, int64(60), snap.BytesRead)
	require.Equal(t, int64(2000), snap.WallNS)
}
