package kafkaproto

import (
	"bytes"
	"fmt"
	"hash/crc32"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"

	"github.com/dory-project/dory/internal/conf"
)

// Legacy message attribute bits (lower 3 bits select the compression
// codec; everything else is reserved in magic 0/1).
const (
	attrCodecNone   byte = 0
	attrCodecGzip   byte = 1
	attrCodecSnappy byte = 2
)

// Record is one record destined for a legacy message set.
type Record struct {
	Key       []byte
	Value     []byte
	Timestamp int64 // only encoded when magic >= 1
}

// EncodeMessageSet serializes records as a legacy (magic 0 or 1) Kafka
// message set: each record as offset(8)+size(4)+crc32(4)+magic(1)+attr(1)+
// [timestamp(8)]+key+value, optionally wrapped in a single outer
// compressed record the way pre-KIP-98 producers batch.
func EncodeMessageSet(records []Record, magic byte, codec conf.Compression) ([]byte, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if codec == conf.CompressionNone || codec == "" {
		var out bytes.Buffer
		for _, r := range records {
			writeFramedMessage(&out, encodeOneMessage(r, magic, attrCodecNone))
		}
		return out.Bytes(), nil
	}

	var inner bytes.Buffer
	for _, r := range records {
		writeFramedMessage(&inner, encodeOneMessage(r, magic, attrCodecNone))
	}
	compressed, attr, err := compressPayload(inner.Bytes(), codec)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	writeFramedMessage(&out, encodeOneMessage(Record{Value: compressed}, magic, attr))
	return out.Bytes(), nil
}

func writeFramedMessage(buf *bytes.Buffer, msg []byte) {
	var hdr [12]byte
	// Offset is meaningless on produce (the broker assigns it); 0 is what
	// every legacy producer client writes here.
	buf.Write(hdr[:8])
	writeInt32IntoHeader(hdr[8:12], int32(len(msg)))
	buf.Write(hdr[8:12])
	buf.Write(msg)
}

func writeInt32IntoHeader(dst []byte, v int32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

func encodeOneMessage(r Record, magic, attr byte) []byte {
	var rest []byte
	rest = append(rest, magic, attr)
	if magic >= 1 {
		rest = writeTimestamp(rest, r.Timestamp)
	}
	rest = writeBytesField(rest, r.Key)
	rest = writeBytesField(rest, r.Value)

	crc := crc32.ChecksumIEEE(rest)
	out := make([]byte, 0, 4+len(rest))
	out = writeInt32(out, int32(crc))
	out = append(out, rest...)
	return out
}

func writeTimestamp(dst []byte, ts int64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(ts >> (56 - 8*i))
	}
	return append(dst, b[:]...)
}

func writeBytesField(dst []byte, b []byte) []byte {
	if b == nil {
		return writeInt32(dst, -1)
	}
	dst = writeInt32(dst, int32(len(b)))
	return append(dst, b...)
}

func compressPayload(b []byte, codec conf.Compression) ([]byte, byte, error) {
	switch codec {
	case conf.CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(b); err != nil {
			return nil, 0, fmt.Errorf("kafkaproto: gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, 0, fmt.Errorf("kafkaproto: gzip close: %w", err)
		}
		return buf.Bytes(), attrCodecGzip, nil
	case conf.CompressionSnappy:
		return snappy.Encode(nil, b), attrCodecSnappy, nil
	default:
		return b, attrCodecNone, nil
	}
}
