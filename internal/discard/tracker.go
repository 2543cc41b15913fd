// Package discard implements the bounded discard-accounting subsystem: a
// capped, aggregated report of recent discards plus monotonic global
// counters by reason. It is fed by the input sources, the router, and
// core's handling of dispatch results over a single channel so the report
// itself stays single-writer.
package discard

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	uatomic "go.uber.org/atomic"
)

// ReasonKind enumerates terminal dispositions other than successful
// delivery.
type ReasonKind int

const (
	PoolExhausted ReasonKind = iota
	NoLeader
	SendTimeout
	BrokerRejected
	TooLarge
	UnsupportedMsgKind
	ShutdownDrainFailed
	Malformed
	UnknownTopic
	CorruptMessage
	Backpressure
	RateLimited
)

func (r ReasonKind) String() string {
	switch r {
	case PoolExhausted:
		return "PoolExhausted"
	case NoLeader:
		return "NoLeader"
	case SendTimeout:
		return "SendTimeout"
	case BrokerRejected:
		return "BrokerRejected"
	case TooLarge:
		return "TooLarge"
	case UnsupportedMsgKind:
		return "UnsupportedMsgKind"
	case ShutdownDrainFailed:
		return "ShutdownDrainFailed"
	case Malformed:
		return "Malformed"
	case UnknownTopic:
		return "UnknownTopic"
	case CorruptMessage:
		return "CorruptMessage"
	case Backpressure:
		return "Backpressure"
	case RateLimited:
		return "RateLimited"
	default:
		return "Unknown"
	}
}

// Reason is a discard disposition; BrokerErrCode is only meaningful when
// Kind == BrokerRejected.
type Reason struct {
	Kind          ReasonKind
	BrokerErrCode int16
}

// Record is one aggregated entry of the bounded report: either
// per-(topic,reason) or, after eviction, per-reason only (Topic == "").
type Record struct {
	Topic         string
	Reason        Reason
	FirstSeen     time.Time
	LastSeen      time.Time
	Count         int64
	SamplePrefix  []byte
}

type entryKey struct {
	topic string
	kind  ReasonKind
	code  int16
}

type event struct {
	topic   string
	reason  Reason
	sample  []byte
	at      time.Time
}

var metricDiscardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dory",
	Name:      "discards_total",
	Help:      "Cumulative discards by reason.",
}, []string{"reason"})

const sampleBytesPrefixLen = 64

// Tracker holds at most Capacity entries (collapsing by dropping the topic
// component, or the least-recently-incremented entry, on overflow) plus
// monotonic global counters that are never lost on eviction.
type Tracker struct {
	capacity int
	events   chan event

	mu      sync.Mutex
	entries map[entryKey]*Record
	lru     []entryKey // most-recently-incremented last

	globals   map[ReasonKind]*uatomic.Int64
	globalsMu sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup
}

// New starts a Tracker with the given bounded capacity and event queue
// depth. Call Close to stop the background writer.
func New(capacity, queueDepth int) *Tracker {
	if capacity <= 0 {
		capacity = 512
	}
	if queueDepth <= 0 {
		queueDepth = 4096
	}
	t := &Tracker{
		capacity: capacity,
		events:   make(chan event, queueDepth),
		entries:  make(map[entryKey]*Record),
		globals:  make(map[ReasonKind]*uatomic.Int64),
		stop:     make(chan struct{}),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

// Record accounts one discard. It always increments the global counter for
// reason synchronously (the counter map lookup takes a short mutex), then
// best-effort enqueues detail for
// the bounded report; if the queue is full the detailed report loses this
// sample but the global counter is never affected.
func (t *Tracker) Record(topic string, reason Reason, sample []byte) {
	t.counter(reason.Kind).Inc()
	metricDiscardsTotal.WithLabelValues(reason.Kind.String()).Inc()

	var prefix []byte
	if len(sample) > 0 {
		n := len(sample)
		if n > sampleBytesPrefixLen {
			n = sampleBytesPrefixLen
		}
		prefix = append([]byte(nil), sample[:n]...)
	}

	select {
	case t.events <- event{topic: topic, reason: reason, sample: prefix, at: time.Now()}:
	default:
		// Report queue saturated under a discard storm (e.g. shutdown
		// drain of thousands of messages); counters above already have
		// the total, so nothing is lost except per-topic granularity.
	}
}

func (t *Tracker) counter(k ReasonKind) *uatomic.Int64 {
	t.globalsMu.Lock()
	defer t.globalsMu.Unlock()
	c, ok := t.globals[k]
	if !ok {
		c = uatomic.NewInt64(0)
		t.globals[k] = c
	}
	return c
}

// GlobalCount returns the cumulative discard count for a reason kind.
func (t *Tracker) GlobalCount(k ReasonKind) int64 {
	return t.counter(k).Load()
}

func (t *Tracker) run() {
	defer t.wg.Done()
	for {
		select {
		case ev := <-t.events:
			t.apply(ev)
		case <-t.stop:
			// Drain whatever is already queued before exiting so a
			// shutdown-triggered burst of discards still lands in the
			// report the status surface serves on the way out.
			for {
				select {
				case ev := <-t.events:
					t.apply(ev)
				default:
					return
				}
			}
		}
	}
}

func (t *Tracker) apply(ev event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := entryKey{topic: ev.topic, kind: ev.reason.Kind, code: ev.reason.BrokerErrCode}
	if rec, ok := t.entries[key]; ok {
		rec.Count++
		rec.LastSeen = ev.at
		t.touch(key)
		return
	}

	// evictOne doesn't always shrink the map: the first eviction of a
	// given (kind, code) pair folds its victim into a brand-new
	// reason-only aggregate entry, a net wash. Only once that aggregate
	// exists do subsequent evictions of the same (kind, code) actually
	// remove an entry. Loop until there's real headroom for the insert
	// below, rather than assuming one call suffices.
	for len(t.entries) >= t.capacity && len(t.lru) > 0 {
		t.evictOne()
	}

	t.entries[key] = &Record{
		Topic:        ev.topic,
		Reason:       ev.reason,
		FirstSeen:    ev.at,
		LastSeen:     ev.at,
		Count:        1,
		SamplePrefix: ev.sample,
	}
	t.touch(key)
}

// touch moves key to the most-recently-incremented end of the LRU list.
func (t *Tracker) touch(key entryKey) {
	for i, k := range t.lru {
		if k == key {
			t.lru = append(t.lru[:i], t.lru[i+1:]...)
			break
		}
	}
	t.lru = append(t.lru, key)
}

// evictOne collapses the least-recently-incremented entry: a per-topic
// entry's count is folded into a reason-only aggregate (Topic == ""). A
// victim that is already a reason-only aggregate is removed and its count
// leaves the report; the global counters still include it.
func (t *Tracker) evictOne() {
	if len(t.lru) == 0 {
		return
	}
	victim := t.lru[0]
	t.lru = t.lru[1:]
	rec, ok := t.entries[victim]
	if !ok {
		return
	}
	delete(t.entries, victim)

	collapsedKey := entryKey{topic: "", kind: victim.kind, code: victim.code}
	if victim.topic == "" {
		// Already collapsed; nothing further to do but the delete above.
		return
	}
	if agg, ok := t.entries[collapsedKey]; ok {
		agg.Count += rec.Count
		if rec.LastSeen.After(agg.LastSeen) {
			agg.LastSeen = rec.LastSeen
		}
		if rec.FirstSeen.Before(agg.FirstSeen) {
			agg.FirstSeen = rec.FirstSeen
		}
		t.touch(collapsedKey)
		return
	}
	t.entries[collapsedKey] = &Record{
		Topic:        "",
		Reason:       Reason{Kind: victim.kind, BrokerErrCode: victim.code},
		FirstSeen:    rec.FirstSeen,
		LastSeen:     rec.LastSeen,
		Count:        rec.Count,
		SamplePrefix: rec.SamplePrefix,
	}
	t.touch(collapsedKey)
}

// Report returns a snapshot of all current entries.
func (t *Tracker) Report() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.entries))
	for _, rec := range t.entries {
		out = append(out, *rec)
	}
	return out
}

// Reset clears the detailed report. Global counters are untouched: they
// are cumulative for the process lifetime.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[entryKey]*Record)
	t.lru = nil
}

// Len reports the current number of entries held (<= capacity).
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close stops the background writer, draining any queued events first.
func (t *Tracker) Close() {
	close(t.stop)
	t.wg.Wait()
}
