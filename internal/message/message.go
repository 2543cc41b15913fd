// Package message defines the in-flight message record that flows through
// the pipeline: input sources create it, the router and retry/rerouter
// mutate its routing decision and attempt count, and it is destroyed
// (pool blocks released) on ack or discard.
package message

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"

	"github.com/dory-project/dory/internal/pool"
)

// Kind distinguishes the two admission-time partitioning strategies.
type Kind uint8

const (
	// AnyPartition messages are round-robined across known partitions by
	// the router; the assignment may change across retries.
	AnyPartition Kind = iota
	// PartitionKey messages hash their key modulo the partition count at
	// admission time; the resulting partition sticks across retries.
	PartitionKey
)

func (k Kind) String() string {
	switch k {
	case AnyPartition:
		return "AnyPartition"
	case PartitionKey:
		return "PartitionKey"
	default:
		return "Unknown"
	}
}

// Message is immutable after admission except for AttemptCount and the
// routing decision (AssignedPartition), which only the router and the
// retry/rerouter touch.
type Message struct {
	Topic string
	Key   []byte // opaque; only meaningful when Kind == PartitionKey
	Value []byte

	Kind Kind

	// KeyHash is computed once at admission from Key via xxhash and is
	// stable for the lifetime of the message; the router derives the
	// sticky partition from it.
	KeyHash uint64

	// AssignedPartition is unset (-1) until the router first routes this
	// message. For PartitionKey messages it never changes after that. For
	// AnyPartition messages a retry may overwrite it.
	AssignedPartition int32

	ClientTimestampMs int64
	AdmittedAt        time.Time // monotonic, set by the input source

	AttemptCount atomic.Int32

	Blocks *pool.BlockHandle
}

// New builds a Message owning blocks. KeyHash is computed eagerly so the
// router never re-hashes on retry.
func New(topic string, key, value []byte, kind Kind, clientTimestampMs int64, blocks *pool.BlockHandle) *Message {
	m := &Message{
		Topic:             topic,
		Key:               key,
		Value:             value,
		Kind:              kind,
		ClientTimestampMs: clientTimestampMs,
		AdmittedAt:        time.Now(),
		AssignedPartition: -1,
		Blocks:            blocks,
	}
	if kind == PartitionKey && len(key) > 0 {
		m.KeyHash = xxhash.Sum64(key)
	}
	return m
}

// Size is the byte count this message contributes to a batch's size
// threshold: value, key and topic name. Only key and value live in pool
// blocks; the topic length is counted on top of them.
func (m *Message) Size() int {
	return len(m.Value) + len(m.Key) + len(m.Topic)
}

// Release returns the message's pool blocks. Idempotent: safe to call once
// on ack and once on discard only if exactly one of those paths is taken,
// per the "no message acked and discarded" invariant; Release itself is
// still safe to call more than once because BlockHandle.Release is.
func (m *Message) Release() {
	if m.Blocks != nil {
		m.Blocks.Release()
	}
}
