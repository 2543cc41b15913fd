// Package input implements the accept-and-admit side of the daemon's
// input sources: UNIX datagram, UNIX stream, and loopback TCP listeners
// that decode the wireformat frame, copy its payload into a pool block,
// and hand the resulting message.Message to a Sink (the router).
package input

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dory-project/dory/internal/discard"
	"github.com/dory-project/dory/internal/message"
	"github.com/dory-project/dory/internal/pool"
	"github.com/dory-project/dory/internal/status"
	"github.com/dory-project/dory/internal/wireformat"
)

// Sink accepts an admitted message for routing. internal/router.Router
// satisfies this.
type Sink interface {
	Route(m *message.Message)
}

// source is the shared decode-and-admit logic every transport (datagram,
// stream, TCP) wraps with its own framing/accept loop.
type source struct {
	pool     *pool.Pool
	sink     Sink
	tracker  *discard.Tracker
	counters *status.Counters
	logger   log.Logger
}

func newSource(p *pool.Pool, sink Sink, tracker *discard.Tracker, counters *status.Counters, logger log.Logger) *source {
	return &source{pool: p, sink: sink, tracker: tracker, counters: counters, logger: logger}
}

// admitFrame decodes one complete wireformat frame and, on success,
// copies its key/value into a fresh pool block and routes the resulting
// message. frame is only read during this call — callers are free to
// reuse or overwrite it immediately afterward.
func (s *source) admitFrame(frame []byte) {
	dec, err := wireformat.Decode(frame)
	if err != nil {
		level.Debug(s.logger).Log("msg", "discarding malformed frame", "err", err)
		s.tracker.Record("", discard.Reason{Kind: discard.Malformed}, frame)
		s.counters.Discarded.Inc()
		return
	}

	payloadLen := len(dec.Key) + len(dec.Value)
	h, ok := s.pool.TryAcquire(payloadLen)
	if !ok {
		s.tracker.Record(dec.Topic, discard.Reason{Kind: discard.PoolExhausted}, dec.Value)
		s.counters.Discarded.Inc()
		return
	}

	region := h.Region()
	var key, value []byte
	if len(dec.Key) > 0 {
		key = region[:len(dec.Key)]
		copy(key, dec.Key)
	}
	value = region[len(dec.Key) : len(dec.Key)+len(dec.Value)]
	copy(value, dec.Value)

	kind := message.AnyPartition
	if dec.HasKey {
		kind = message.PartitionKey
	}

	m := message.New(dec.Topic, key, value, kind, dec.ClientTimestampMs, h)
	s.counters.Admitted.Inc()
	s.sink.Route(m)
}
