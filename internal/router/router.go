// Package router implements topic-to-partition-to-broker routing and
// batch sealing: every admitted message gets a partition and a broker,
// is appended to the open batch for that (broker, topic, partition), and
// that batch is sealed and handed off to the dispatcher once a size,
// count, or linger threshold fires.
package router

import (
	"context"
	"sync"
	"time"

	uatomic "go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/dory-project/dory/internal/batch"
	"github.com/dory-project/dory/internal/conf"
	"github.com/dory-project/dory/internal/discard"
	"github.com/dory-project/dory/internal/message"
	"github.com/dory-project/dory/internal/metadata"
)

// SnapshotSource returns the current metadata snapshot; wired to a
// metadata.Fetcher's Current method in production, to a fixed value in
// tests.
type SnapshotSource func() *metadata.Snapshot

// Router assigns each admitted message a partition and broker and
// accumulates it into the matching open Batch.
type Router struct {
	snapshot     SnapshotSource
	batching     conf.BatchingConf
	compression  conf.CompressionConf
	rateLimiting conf.TopicRateLimitingConf
	tracker      *discard.Tracker
	sealedCh     chan<- *batch.Batch
	awaitingCap  int
	maxRetry     time.Duration

	mu          sync.Mutex
	openBatches map[batch.Fingerprint]*batch.Batch
	rrCounters  map[string]*uatomic.Uint32
	awaiting    map[string][]*message.Message
	limiters    map[string]*rate.Limiter
}

// New builds a Router. sealedCh receives sealed batches for dispatch; the
// caller owns its lifetime (typically one per broker-agnostic dispatch
// fan-in, with core's fan-out sorting by Fingerprint.BrokerID).
// maxRetryMs bounds how long a message may sit on the awaiting-metadata
// queue (measured from message.Message.AdmittedAt) before it is
// discarded as NoLeader rather than parked forever; <= 0 disables the
// age check and leaves the capacity-based discard as the only backstop.
func New(snapshot SnapshotSource, batching conf.BatchingConf, compression conf.CompressionConf, rateLimiting conf.TopicRateLimitingConf, tracker *discard.Tracker, awaitingCap int, maxRetryMs int64, sealedCh chan<- *batch.Batch) *Router {
	if awaitingCap <= 0 {
		awaitingCap = 8192
	}
	return &Router{
		snapshot:     snapshot,
		batching:     batching,
		compression:  compression,
		rateLimiting: rateLimiting,
		tracker:      tracker,
		sealedCh:     sealedCh,
		awaitingCap:  awaitingCap,
		maxRetry:     time.Duration(maxRetryMs) * time.Millisecond,
		openBatches:  make(map[batch.Fingerprint]*batch.Batch),
		rrCounters:   make(map[string]*uatomic.Uint32),
		awaiting:     make(map[string][]*message.Message),
		limiters:     make(map[string]*rate.Limiter),
	}
}

// allowLocked reports whether m's topic has not exceeded its configured
// admission rate. Topics absent from TopicRateLimiting.PerTopic, or
// configured at 0, are unlimited.
func (r *Router) allowLocked(topic string) bool {
	rps, ok := r.rateLimiting.PerTopic[topic]
	if !ok || rps <= 0 {
		return true
	}
	lim, ok := r.limiters[topic]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
		r.limiters[topic] = lim
	}
	return lim.Allow()
}

// Route assigns m a partition and broker and admits it to the matching
// open batch, sealing the prior batch first if m would overflow it. When
// the topic's partition count or the assigned partition's leader is not
// yet known, m is held on a bounded per-topic awaiting-metadata queue
// until the next tick re-attempts it; once that queue is full for a
// topic, further arrivals for it are discarded as NoLeader rather than
// growing unbounded.
func (r *Router) Route(m *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routeLocked(m)
}

func (r *Router) routeLocked(m *message.Message) {
	if !r.allowLocked(m.Topic) {
		r.tracker.Record(m.Topic, discard.Reason{Kind: discard.RateLimited}, m.Value)
		m.Release()
		return
	}
	snap := r.snapshot()
	partition, ok := r.assignPartitionLocked(snap, m)
	if !ok {
		r.enqueueAwaitingLocked(m)
		return
	}
	broker, ok := snap.Leader(m.Topic, partition)
	if !ok {
		r.enqueueAwaitingLocked(m)
		return
	}
	m.AssignedPartition = partition
	r.admitToBatchLocked(broker.ID, partition, m)
}

func (r *Router) assignPartitionLocked(snap *metadata.Snapshot, m *message.Message) (int32, bool) {
	n := snap.PartitionCount(m.Topic)
	if n == 0 {
		return 0, false
	}
	if m.Kind == message.PartitionKey {
		if m.AssignedPartition >= 0 && int(m.AssignedPartition) < n {
			return m.AssignedPartition, true
		}
		return int32(m.KeyHash % uint64(n)), true
	}

	// AnyPartition: round robin, and may land on a different partition
	// than a previous attempt if this is a retry — AnyPartition messages
	// have no sticky assignment.
	c, ok := r.rrCounters[m.Topic]
	if !ok {
		c = uatomic.NewUint32(0)
		r.rrCounters[m.Topic] = c
	}
	idx := c.Add(1) - 1
	return int32(idx % uint32(n)), true
}

// enqueueAwaitingLocked parks m until the next tick re-attempts routing
// it, unless it has aged past maxRetry (it has been round-tripping
// through this queue since before the deadline, e.g. a topic whose
// partition set has stayed empty the whole time) or the topic's queue is
// already at capacity; either case discards it as NoLeader.
func (r *Router) enqueueAwaitingLocked(m *message.Message) {
	if r.maxRetry > 0 && time.Since(m.AdmittedAt) >= r.maxRetry {
		r.tracker.Record(m.Topic, discard.Reason{Kind: discard.NoLeader}, m.Value)
		m.Release()
		return
	}
	q := r.awaiting[m.Topic]
	if len(q) >= r.awaitingCap {
		r.tracker.Record(m.Topic, discard.Reason{Kind: discard.NoLeader}, m.Value)
		m.Release()
		return
	}
	r.awaiting[m.Topic] = append(q, m)
}

func (r *Router) admitToBatchLocked(brokerID, partition int32, m *message.Message) {
	fp := batch.Fingerprint{BrokerID: brokerID, Topic: m.Topic, Partition: partition}
	b, ok := r.openBatches[fp]
	if ok && b.WouldExceed(m.Size()) {
		r.sealLocked(fp, b)
		ok = false
	}
	if !ok {
		thresholds := r.batching.Thresholds(m.Topic)
		codec := r.compression.For(m.Topic)
		b = batch.New(fp, codec, thresholds, time.Now())
		r.openBatches[fp] = b
	}
	b.Add(m)
}

// sealLocked removes fp's batch from the open set and hands it to the
// dispatcher; if the dispatch channel is saturated, every message in the
// batch is discarded as Backpressure rather than blocking the router
// (which would stall every other topic sharing this goroutine).
func (r *Router) sealLocked(fp batch.Fingerprint, b *batch.Batch) {
	delete(r.openBatches, fp)
	msgs := b.Seal()
	select {
	case r.sealedCh <- b:
	default:
		for _, m := range msgs {
			r.tracker.Record(m.Topic, discard.Reason{Kind: discard.Backpressure}, nil)
			m.Release()
		}
	}
}

// Run periodically seals batches whose linger has expired and re-attempts
// messages on the awaiting-metadata queue, at a tick cadence fine enough
// that linger thresholds in the tens of milliseconds are honored closely.
func (r *Router) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Router) tick() {
	r.mu.Lock()
	now := time.Now()
	for fp, b := range r.openBatches {
		if !b.Empty() && b.LingerExpired(now) {
			r.sealLocked(fp, b)
		}
	}

	var retry []*message.Message
	for topic, q := range r.awaiting {
		if len(q) == 0 {
			continue
		}
		retry = append(retry, q...)
		delete(r.awaiting, topic)
	}
	r.mu.Unlock()

	for _, m := range retry {
		r.Route(m)
	}
}

// SealAllOpen seals every open batch regardless of linger state, used by
// the shutdown coordinator to flush outstanding work before draining.
func (r *Router) SealAllOpen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for fp, b := range r.openBatches {
		if b.Empty() {
			delete(r.openBatches, fp)
			continue
		}
		r.sealLocked(fp, b)
	}
}
