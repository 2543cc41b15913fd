// Package wireformat implements the self-describing message wire format:
// the bytes a client writes to a UNIX datagram, a length-prefixed UNIX
// stream frame, or a length-prefixed TCP frame.
//
//	1 byte  : magic 0xDA
//	1 byte  : version (currently 1)
//	1 byte  : flags (bit0 = has_partition_key)
//	2 bytes : topic_len (little-endian)
//	N bytes : topic (UTF-8, no NUL, length 1..249)
//	[if has_partition_key]
//	  4 bytes : key_len (little-endian)
//	  K bytes : key
//	4 bytes : value_len (little-endian)
//	V bytes : value
//	8 bytes : client_timestamp_ms (little-endian)
//
// All multi-byte integers here are little-endian, even though the outer
// stream/TCP frame length prefix (owned by the input package) is
// big-endian: the two framings are independent layers.
package wireformat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	Magic   byte = 0xDA
	Version byte = 1

	flagHasPartitionKey byte = 1 << 0

	MinTopicLen = 1
	MaxTopicLen = 249

	// headerLen is magic+version+flags+topic_len, the fixed prefix before
	// the variable-length topic bytes.
	headerLen = 1 + 1 + 1 + 2
)

var (
	ErrShortBuffer  = errors.New("wireformat: buffer shorter than header")
	ErrBadMagic     = errors.New("wireformat: bad magic byte")
	ErrBadVersion   = errors.New("wireformat: unsupported version")
	ErrBadTopic     = errors.New("wireformat: invalid topic name")
	ErrTruncated    = errors.New("wireformat: frame truncated before declared field end")
	ErrLengthSanity = errors.New("wireformat: declared length implausible")
)

// Decoded is the parsed form of one wire message, prior to pool admission.
type Decoded struct {
	Topic             string
	Key               []byte // nil when HasKey is false
	HasKey            bool
	Value             []byte
	ClientTimestampMs int64
}

// EncodedSize returns the number of bytes Encode would produce for the
// given field lengths, without allocating.
func EncodedSize(topicLen, keyLen, valueLen int, hasKey bool) int {
	n := headerLen + topicLen + 4 + valueLen + 8
	if hasKey {
		n += 4 + keyLen
	}
	return n
}

// Encode serializes a message into dst[:n], which must be at least
// EncodedSize(...) bytes. Returns the slice written (dst[:n]).
func Encode(dst []byte, topic string, key, value []byte, hasKey bool, clientTimestampMs int64) ([]byte, error) {
	n := EncodedSize(len(topic), len(key), len(value), hasKey)
	if len(dst) < n {
		return nil, fmt.Errorf("wireformat: dst too small: have %d need %d", len(dst), n)
	}
	if err := validateTopic(topic); err != nil {
		return nil, err
	}

	buf := dst[:n]
	buf[0] = Magic
	buf[1] = Version
	flags := byte(0)
	if hasKey {
		flags |= flagHasPartitionKey
	}
	buf[2] = flags
	binary.LittleEndian.PutUint16(buf[3:5], uint16(len(topic)))
	off := 5
	copy(buf[off:], topic)
	off += len(topic)

	if hasKey {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(key)))
		off += 4
		copy(buf[off:], key)
		off += len(key)
	}

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(value)))
	off += 4
	copy(buf[off:], value)
	off += len(value)

	binary.LittleEndian.PutUint64(buf[off:], uint64(clientTimestampMs))
	off += 8

	return buf[:off], nil
}

// Decode parses a complete wire message out of buf. It validates magic,
// version, length sanity, and the topic-name character set. Key and Value
// are slices that alias buf — callers that need to retain them past buf's
// lifetime (e.g. once they have been copied into a pool block) must copy
// them themselves; Topic is returned as a freshly allocated string.
func Decode(buf []byte) (Decoded, error) {
	var d Decoded

	if len(buf) < headerLen {
		return d, ErrShortBuffer
	}
	if buf[0] != Magic {
		return d, ErrBadMagic
	}
	if buf[1] != Version {
		return d, ErrBadVersion
	}
	flags := buf[2]
	hasKey := flags&flagHasPartitionKey != 0

	topicLen := int(binary.LittleEndian.Uint16(buf[3:5]))
	off := 5
	if topicLen < MinTopicLen || topicLen > MaxTopicLen {
		return d, ErrBadTopic
	}
	if len(buf) < off+topicLen {
		return d, ErrTruncated
	}
	topic := buf[off : off+topicLen]
	if err := validateTopic(string(topic)); err != nil {
		return d, err
	}
	off += topicLen

	var key []byte
	if hasKey {
		if len(buf) < off+4 {
			return d, ErrTruncated
		}
		keyLen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if keyLen < 0 || keyLen > len(buf)-off {
			return d, ErrLengthSanity
		}
		key = buf[off : off+keyLen]
		off += keyLen
	}

	if len(buf) < off+4 {
		return d, ErrTruncated
	}
	valueLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if valueLen < 0 || valueLen > len(buf)-off-8 {
		return d, ErrLengthSanity
	}
	value := buf[off : off+valueLen]
	off += valueLen

	if len(buf) < off+8 {
		return d, ErrTruncated
	}
	ts := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8

	d.Topic = string(topic)
	d.HasKey = hasKey
	d.Key = key
	d.Value = value
	d.ClientTimestampMs = ts
	return d, nil
}

func validateTopic(topic string) error {
	if len(topic) < MinTopicLen || len(topic) > MaxTopicLen {
		return ErrBadTopic
	}
	if !utf8.ValidString(topic) {
		return ErrBadTopic
	}
	for i := 0; i < len(topic); i++ {
		if topic[i] == 0 {
			return ErrBadTopic
		}
	}
	return nil
}
