// Package batch implements the open/sealed batch lifecycle: messages
// routed to the same (broker, topic, partition) triple accumulate in one
// Batch until a size, count, or linger threshold fires, at which point
// the router seals it and hands it to the dispatcher for that broker.
package batch

import (
	"time"

	"github.com/dory-project/dory/internal/conf"
	"github.com/dory-project/dory/internal/kafkaproto"
	"github.com/dory-project/dory/internal/message"
)

// Fingerprint identifies the (broker, topic, partition) triple a batch is
// addressed to. Two messages with the same Fingerprint may share a batch;
// different fingerprints never do, even for the same topic.
type Fingerprint struct {
	BrokerID  int32
	Topic     string
	Partition int32
}

// Batch is an open accumulation of messages for one Fingerprint, or a
// sealed batch awaiting send/ack by the dispatcher.
type Batch struct {
	Fingerprint Fingerprint
	Codec       conf.Compression
	thresholds  conf.TopicThresholds

	messages []*message.Message
	nbytes   int
	openedAt time.Time
	sealed   bool
}

// New starts an empty open batch for fp.
func New(fp Fingerprint, codec conf.Compression, thresholds conf.TopicThresholds, now time.Time) *Batch {
	return &Batch{
		Fingerprint: fp,
		Codec:       codec,
		thresholds:  thresholds,
		openedAt:    now,
	}
}

// Add appends m to the batch. The caller (the router) must check
// WouldExceed first; Add never rejects on its own so the router controls
// exactly when a batch flips from accepting to full.
func (b *Batch) Add(m *message.Message) {
	b.messages = append(b.messages, m)
	b.nbytes += m.Size()
}

// WouldExceed reports whether admitting a message of addedBytes more
// bytes would push the batch past its size or count threshold — the
// router calls this before Add to decide whether to seal the current
// batch and start a fresh one instead.
func (b *Batch) WouldExceed(addedBytes int) bool {
	if b.thresholds.MaxBatchMsgs > 0 && len(b.messages)+1 > b.thresholds.MaxBatchMsgs {
		return true
	}
	if b.thresholds.MaxBatchBytes > 0 && b.nbytes+addedBytes > b.thresholds.MaxBatchBytes {
		return true
	}
	return false
}

// LingerExpired reports whether this batch has been open longer than its
// configured linger_ms, the third of the three dual-gated sealing
// conditions (size, count, linger).
func (b *Batch) LingerExpired(now time.Time) bool {
	if b.thresholds.LingerMs <= 0 {
		return false
	}
	return now.Sub(b.openedAt) >= time.Duration(b.thresholds.LingerMs)*time.Millisecond
}

// Empty reports whether the batch holds no messages yet.
func (b *Batch) Empty() bool {
	return len(b.messages) == 0
}

// Seal marks the batch closed for further Add calls and returns its
// held messages. Calling Seal twice is a programmer error.
func (b *Batch) Seal() []*message.Message {
	b.sealed = true
	return b.messages
}

// Sealed reports whether Seal has already been called.
func (b *Batch) Sealed() bool {
	return b.sealed
}

// Messages returns the messages currently held, for a caller (the core
// result loop) that needs to inspect or release them individually after a
// dispatch outcome.
func (b *Batch) Messages() []*message.Message {
	return b.messages
}

// NumMessages returns the number of messages currently held.
func (b *Batch) NumMessages() int {
	return len(b.messages)
}

// NumBytes returns the sum of message payload sizes currently held.
func (b *Batch) NumBytes() int {
	return b.nbytes
}

// Age returns how long this batch has been open.
func (b *Batch) Age(now time.Time) time.Duration {
	return now.Sub(b.openedAt)
}

// EncodeMessageSet renders the batch's messages as a legacy Kafka message
// set using magic and the batch's configured compression codec.
func (b *Batch) EncodeMessageSet(magic byte) ([]byte, error) {
	records := make([]kafkaproto.Record, 0, len(b.messages))
	for _, m := range b.messages {
		var key []byte
		if m.Kind == message.PartitionKey {
			key = m.Key
		}
		records = append(records, kafkaproto.Record{
			Key:       key,
			Value:     m.Value,
			Timestamp: m.ClientTimestampMs,
		})
	}
	return kafkaproto.EncodeMessageSet(records, magic, b.Codec)
}

// ReleaseAll releases every held message's pool blocks. Called after a
// batch has been durably sent (acked) or permanently discarded.
func (b *Batch) ReleaseAll() {
	for _, m := range b.messages {
		m.Release()
	}
}
