package kafkaproto

import "fmt"

// ProduceRequest is a single (topic, partition) legacy Produce request.
// Dory's dispatcher owns exactly one broker connection per broker and
// batches by (broker, topic, partition) already, so the request never
// needs the full topic-array/partition-array shape the protocol allows
// for multi-partition requests in one round trip.
type ProduceRequest struct {
	CorrelationID int32
	ClientID      string
	APIVersion    int16 // 0 or 1
	RequiredAcks  int16
	TimeoutMs     int32
	Topic         string
	Partition     int32
	MessageSet    []byte
}

// Encode serializes req as a complete framed request (4-byte big-endian
// length prefix included).
func (req *ProduceRequest) Encode() []byte {
	body := make([]byte, 0, 64+len(req.MessageSet))
	body = writeRequestHeader(body, apiKeyProduce, req.APIVersion, req.CorrelationID, req.ClientID)
	body = writeInt16(body, req.RequiredAcks)
	body = writeInt32(body, req.TimeoutMs)
	body = writeInt32(body, 1) // topic_count
	body = writeKafkaString(body, req.Topic)
	body = writeInt32(body, 1) // partition_count
	body = writeInt32(body, req.Partition)
	body = writeInt32(body, int32(len(req.MessageSet)))
	body = append(body, req.MessageSet...)
	return frame(body)
}

// ProduceResult is the single (topic, partition) outcome of a
// ProduceResponse.
type ProduceResult struct {
	Partition  int32
	ErrorCode  int16
	BaseOffset int64
}

// ProduceResponse is the decoded body of a legacy Produce response, after
// the caller's framed reader has already stripped the outer length
// prefix. The caller matches CorrelationID to its request after decoding.
type ProduceResponse struct {
	CorrelationID  int32
	Topic          string
	Result         ProduceResult
	ThrottleTimeMs int32 // v1 only; 0 on v0
}

// DecodeProduceResponse parses a Produce response body.
func DecodeProduceResponse(body []byte, apiVersion int16) (*ProduceResponse, error) {
	r := &reader{buf: body}
	resp := &ProduceResponse{}
	resp.CorrelationID = r.int32()

	topicCount := r.int32()
	if topicCount != 1 {
		return nil, fmt.Errorf("kafkaproto: expected 1 topic in produce response, got %d", topicCount)
	}
	resp.Topic = r.string()

	partCount := r.int32()
	if partCount != 1 {
		return nil, fmt.Errorf("kafkaproto: expected 1 partition in produce response, got %d", partCount)
	}
	resp.Result.Partition = r.int32()
	resp.Result.ErrorCode = r.int16()
	resp.Result.BaseOffset = r.int64()

	if apiVersion >= 1 {
		resp.ThrottleTimeMs = r.int32()
	}
	if r.err != nil {
		return nil, r.err
	}
	return resp, nil
}
