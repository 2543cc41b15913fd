// Package kafkaproto speaks the subset of the Kafka wire protocol Dory
// needs: legacy (pre-KIP-98) Produce and Metadata requests/responses built
// directly around the "message set" record format, not the modern
// RecordBatch v2 container. No library in the retrieval pack implements
// that legacy format (twmb/franz-go/pkg/kmsg's generated Produce/Metadata
// structs target the current protocol versions and their own Records
// codec), so the request/response envelopes here are hand-rolled against
// the protocol's byte layout; github.com/twmb/franz-go/pkg/kerr still
// supplies broker error code classification in internal/retry.
package kafkaproto

import (
	"encoding/binary"
	"errors"
)

var errShortRead = errors.New("kafkaproto: response truncated")

// reader is a bounds-checked big-endian cursor over a response body.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = errShortRead
		return false
	}
	return true
}

func (r *reader) int16() int16 {
	if !r.need(2) {
		return 0
	}
	v := int16(binary.BigEndian.Uint16(r.buf[r.off:]))
	r.off += 2
	return v
}

func (r *reader) int32() int32 {
	if !r.need(4) {
		return 0
	}
	v := int32(binary.BigEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return v
}

func (r *reader) int64() int64 {
	if !r.need(8) {
		return 0
	}
	v := int64(binary.BigEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v
}

func (r *reader) string() string {
	n := r.int16()
	if n < 0 {
		return ""
	}
	if !r.need(int(n)) {
		return ""
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s
}

func writeKafkaString(dst []byte, s string) []byte {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(s)))
	dst = append(dst, n[:]...)
	return append(dst, s...)
}

func writeInt32(dst []byte, v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return append(dst, b[:]...)
}

func writeInt16(dst []byte, v int16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	return append(dst, b[:]...)
}

const (
	apiKeyProduce  int16 = 0
	apiKeyMetadata int16 = 3
)

// writeRequestHeader appends api_key, api_version, correlation_id and
// client_id, the fixed preamble every Kafka request body begins with.
func writeRequestHeader(dst []byte, apiKey, apiVersion int16, correlationID int32, clientID string) []byte {
	dst = writeInt16(dst, apiKey)
	dst = writeInt16(dst, apiVersion)
	dst = writeInt32(dst, correlationID)
	dst = writeKafkaString(dst, clientID)
	return dst
}

// frame prepends the outer big-endian 4-byte length the TCP transport
// expects before a request body.
func frame(body []byte) []byte {
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	return append(out, body...)
}
