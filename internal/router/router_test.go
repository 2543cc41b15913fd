package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dory-project/dory/internal/batch"
	"github.com/dory-project/dory/internal/conf"
	"github.com/dory-project/dory/internal/discard"
	"github.com/dory-project/dory/internal/message"
	"github.com/dory-project/dory/internal/metadata"
	"github.com/dory-project/dory/internal/pool"
)

func fixedSnapshot(partitions int, leader int32) SnapshotSource {
	parts := make([]metadata.Partition, partitions)
	for i := range parts {
		parts[i] = metadata.Partition{ID: int32(i), LeaderID: leader}
	}
	snap := &metadata.Snapshot{
		Brokers: map[int32]metadata.Broker{leader: {ID: leader, Host: "b", Port: 9092}},
		Topics:  map[string]metadata.Topic{"t": {Name: "t", Partitions: parts}},
	}
	return func() *metadata.Snapshot { return snap }
}

func newMsg(t *testing.T, p *pool.Pool, kind message.Kind, key, value []byte) *message.Message {
	t.Helper()
	h, ok := p.TryAcquire(len(value) + len(key))
	require.True(t, ok)
	return message.New("t", key, value, kind, 0, h)
}

func TestRouteAdmitsToOpenBatchAndSealsOnLinger(t *testing.T) {
	p, err := pool.New(1<<20, 4096)
	require.NoError(t, err)

	tracker := discard.New(16, 16)
	defer tracker.Close()

	sealed := make(chan *batch.Batch, 8)
	thresholds := conf.BatchingConf{Default: conf.TopicThresholds{MaxBatchMsgs: 100, MaxBatchBytes: 1 << 20, LingerMs: 1}}
	r := New(fixedSnapshot(2, 1), thresholds, conf.CompressionConf{}, conf.TopicRateLimitingConf{}, tracker, 16, 0, sealed)

	r.Route(newMsg(t, p, message.AnyPartition, nil, []byte("hello")))
	time.Sleep(5 * time.Millisecond)
	r.tick()

	select {
	case b := <-sealed:
		require.Equal(t, 1, b.NumMessages())
	default:
		t.Fatal("expected a sealed batch after linger expiry")
	}
}

func TestRouteStickyPartitionKeyAssignment(t *testing.T) {
	p, err := pool.New(1<<20, 4096)
	require.NoError(t, err)
	tracker := discard.New(16, 16)
	defer tracker.Close()
	sealed := make(chan *batch.Batch, 8)
	r := New(fixedSnapshot(4, 1), conf.BatchingConf{Default: conf.TopicThresholds{MaxBatchMsgs: 100, MaxBatchBytes: 1 << 20}}, conf.CompressionConf{}, conf.TopicRateLimitingConf{}, tracker, 16, 0, sealed)

	m := newMsg(t, p, message.PartitionKey, []byte("user-1"), []byte("v"))
	r.Route(m)
	first := m.AssignedPartition
	require.GreaterOrEqual(t, first, int32(0))

	r.routeLocked(m) // re-route same message, same key
	require.Equal(t, first, m.AssignedPartition, "PartitionKey assignment must stick across re-routes")
}

func TestRouteUnknownTopicGoesToAwaitingThenDiscardsOnOverflow(t *testing.T) {
	p, err := pool.New(1<<20, 4096)
	require.NoError(t, err)
	tracker := discard.New(16, 16)
	defer tracker.Close()
	sealed := make(chan *batch.Batch, 8)

	emptySnap := func() *metadata.Snapshot { return metadata.Empty() }
	r := New(emptySnap, conf.BatchingConf{Default: conf.TopicThresholds{MaxBatchMsgs: 100, MaxBatchBytes: 1 << 20}}, conf.CompressionConf{}, conf.TopicRateLimitingConf{}, tracker, 1, 0, sealed)

	r.Route(newMsg(t, p, message.AnyPartition, nil, []byte("a")))
	r.Route(newMsg(t, p, message.AnyPartition, nil, []byte("b"))) // overflows awaitingCap=1

	require.Eventually(t, func() bool {
		return tracker.GlobalCount(discard.NoLeader) == 1
	}, time.Second, time.Millisecond)
}

func TestRouteDiscardsAwaitingMessageAfterMaxRetryDeadline(t *testing.T) {
	p, err := pool.New(1<<20, 4096)
	require.NoError(t, err)
	tracker := discard.New(16, 16)
	defer tracker.Close()
	sealed := make(chan *batch.Batch, 8)

	emptySnap := func() *metadata.Snapshot { return metadata.Empty() } // topic has no partitions, ever
	r := New(emptySnap, conf.BatchingConf{Default: conf.TopicThresholds{MaxBatchMsgs: 100, MaxBatchBytes: 1 << 20}}, conf.CompressionConf{}, conf.TopicRateLimitingConf{}, tracker, 8192, 1, sealed)

	m := newMsg(t, p, message.AnyPartition, nil, []byte("a"))
	m.AdmittedAt = time.Now().Add(-time.Hour) // long past the 1ms maxRetryMs

	r.Route(m)

	require.Eventually(t, func() bool {
		return tracker.GlobalCount(discard.NoLeader) == 1
	}, time.Second, time.Millisecond)
}

func TestRouteDiscardsOverPerTopicRateLimit(t *testing.T) {
	p, err := pool.New(1<<20, 4096)
	require.NoError(t, err)
	tracker := discard.New(16, 16)
	defer tracker.Close()
	sealed := make(chan *batch.Batch, 8)

	rl := conf.TopicRateLimitingConf{PerTopic: map[string]float64{"t": 1}}
	r := New(fixedSnapshot(1, 1), conf.BatchingConf{Default: conf.TopicThresholds{MaxBatchMsgs: 100, MaxBatchBytes: 1 << 20}}, conf.CompressionConf{}, rl, tracker, 16, 0, sealed)

	for i := 0; i < 10; i++ {
		r.Route(newMsg(t, p, message.AnyPartition, nil, []byte("x")))
	}

	require.Eventually(t, func() bool {
		return tracker.GlobalCount(discard.RateLimited) > 0
	}, time.Second, time.Millisecond)
}

func TestSealAllOpenFlushesNonEmptyBatches(t *testing.T) {
	p, err := pool.New(1<<20, 4096)
	require.NoError(t, err)
	tracker := discard.New(16, 16)
	defer tracker.Close()
	sealed := make(chan *batch.Batch, 8)
	r := New(fixedSnapshot(1, 1), conf.BatchingConf{Default: conf.TopicThresholds{MaxBatchMsgs: 100, MaxBatchBytes: 1 << 20, LingerMs: 60000}}, conf.CompressionConf{}, conf.TopicRateLimitingConf{}, tracker, 16, 0, sealed)

	r.Route(newMsg(t, p, message.AnyPartition, nil, []byte("x")))
	r.SealAllOpen()

	select {
	case b := <-sealed:
		require.Equal(t, 1, b.NumMessages())
	default:
		t.Fatal("expected SealAllOpen to flush the open batch")
	}
}
