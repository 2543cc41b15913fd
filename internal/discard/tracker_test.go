package discard

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForLen(t *testing.T, tr *Tracker, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tr.Len() == n
	}, time.Second, time.Millisecond)
}

func TestRecordAggregatesByTopicAndReason(t *testing.T) {
	tr := New(512, 64)
	defer tr.Close()

	tr.Record("t1", Reason{Kind: PoolExhausted}, []byte("abc"))
	tr.Record("t1", Reason{Kind: PoolExhausted}, []byte("def"))
	tr.Record("t2", Reason{Kind: NoLeader}, nil)

	waitForLen(t, tr, 2)

	report := tr.Report()
	var t1, t2 *Record
	for i := range report {
		switch report[i].Topic {
		case "t1":
			t1 = &report[i]
		case "t2":
			t2 = &report[i]
		}
	}
	require.NotNil(t, t1)
	require.NotNil(t, t2)
	require.EqualValues(t, 2, t1.Count)
	require.EqualValues(t, 1, t2.Count)

	require.EqualValues(t, 2, tr.GlobalCount(PoolExhausted))
	require.EqualValues(t, 1, tr.GlobalCount(NoLeader))
}

func TestTrackerNeverExceedsCapacity(t *testing.T) {
	const capacity = 8
	tr := New(capacity, 4096)
	defer tr.Close()

	for i := 0; i < 100; i++ {
		tr.Record(fmt.Sprintf("topic-%d", i), Reason{Kind: SendTimeout}, nil)
	}

	require.Eventually(t, func() bool {
		return tr.Len() <= capacity
	}, time.Second, time.Millisecond)

	var total int64
	for _, rec := range tr.Report() {
		total += rec.Count
	}
	require.EqualValues(t, 100, total, "eviction must collapse, never lose, counter totals")
	require.EqualValues(t, 100, tr.GlobalCount(SendTimeout))
}

func TestTrackerNeverExceedsCapacityAcrossMixedReasons(t *testing.T) {
	const capacity = 2
	tr := New(capacity, 4096)
	defer tr.Close()

	tr.Record("A", Reason{Kind: PoolExhausted}, nil)
	tr.Record("B", Reason{Kind: PoolExhausted}, nil)
	waitForLen(t, tr, capacity)

	// Inserting a third distinct entry forces eviction of "A", which on
	// its first eviction only folds into a brand-new reason-only
	// aggregate rather than actually shrinking the map. If apply stops
	// after one evictOne call, this push leaves the tracker at
	// capacity+1 entries.
	tr.Record("C", Reason{Kind: NoLeader}, nil)

	require.Eventually(t, func() bool {
		return tr.Len() <= capacity
	}, time.Second, time.Millisecond)

	var total int64
	for _, rec := range tr.Report() {
		total += rec.Count
	}
	require.EqualValues(t, 3, total, "eviction must collapse, never lose, counter totals")
}

func TestResetClearsReportButNotGlobalCounters(t *testing.T) {
	tr := New(512, 64)
	defer tr.Close()

	tr.Record("t1", Reason{Kind: TooLarge}, nil)
	waitForLen(t, tr, 1)

	tr.Reset()
	require.Equal(t, 0, tr.Len())
	require.EqualValues(t, 1, tr.GlobalCount(TooLarge))

	// Resetting twice in a row is equivalent to once.
	tr.Reset()
	require.Equal(t, 0, tr.Len())
	require.EqualValues(t, 1, tr.GlobalCount(TooLarge))
}

func TestBrokerRejectedKeyedByCode(t *testing.T) {
	tr := New(512, 64)
	defer tr.Close()

	tr.Record("t1", Reason{Kind: BrokerRejected, BrokerErrCode: 1}, nil)
	tr.Record("t1", Reason{Kind: BrokerRejected, BrokerErrCode: 2}, nil)
	waitForLen(t, tr, 2)

	require.EqualValues(t, 2, tr.GlobalCount(BrokerRejected))
}
