package kafkaproto

import "fmt"

// MetadataRequest requests metadata for Topics (empty = all topics known
// to the broker).
type MetadataRequest struct {
	CorrelationID int32
	ClientID      string
	Topics        []string
}

// Encode serializes req as a complete framed request.
func (req *MetadataRequest) Encode() []byte {
	body := make([]byte, 0, 32+16*len(req.Topics))
	body = writeRequestHeader(body, apiKeyMetadata, 0, req.CorrelationID, req.ClientID)
	body = writeInt32(body, int32(len(req.Topics)))
	for _, t := range req.Topics {
		body = writeKafkaString(body, t)
	}
	return frame(body)
}

// Broker is one entry of a MetadataResponse's broker list.
type Broker struct {
	NodeID int32
	Host   string
	Port   int32
}

// PartitionMetadata is one partition's leader/replica/ISR assignment.
type PartitionMetadata struct {
	ErrorCode int16
	Partition int32
	Leader    int32
	Replicas  []int32
	ISR       []int32
}

// TopicMetadata is one topic's partition set.
type TopicMetadata struct {
	ErrorCode  int16
	Topic      string
	Partitions []PartitionMetadata
}

// MetadataResponse is the decoded body of a Metadata response.
type MetadataResponse struct {
	CorrelationID int32
	Brokers       []Broker
	Topics        []TopicMetadata
}

// Sanity bounds on array lengths read off the wire: a corrupt or
// mismatched response must fail fast rather than attempt a
// multi-gigabyte allocation.
const (
	maxPlausibleBrokers    = 10_000
	maxPlausibleTopics     = 100_000
	maxPlausiblePartitions = 1_000_000
	maxPlausibleReplicas   = 10_000
)

// DecodeMetadataResponse parses a Metadata response body.
func DecodeMetadataResponse(body []byte) (*MetadataResponse, error) {
	r := &reader{buf: body}
	resp := &MetadataResponse{}
	resp.CorrelationID = r.int32()

	brokerCount := r.int32()
	if brokerCount < 0 || brokerCount > maxPlausibleBrokers {
		return nil, fmt.Errorf("kafkaproto: implausible broker count %d", brokerCount)
	}
	resp.Brokers = make([]Broker, 0, brokerCount)
	for i := int32(0); i < brokerCount; i++ {
		var b Broker
		b.NodeID = r.int32()
		b.Host = r.string()
		b.Port = r.int32()
		resp.Brokers = append(resp.Brokers, b)
	}

	topicCount := r.int32()
	if topicCount < 0 || topicCount > maxPlausibleTopics {
		return nil, fmt.Errorf("kafkaproto: implausible topic count %d", topicCount)
	}
	resp.Topics = make([]TopicMetadata, 0, topicCount)
	for i := int32(0); i < topicCount; i++ {
		var tm TopicMetadata
		tm.ErrorCode = r.int16()
		tm.Topic = r.string()

		partCount := r.int32()
		if partCount < 0 || partCount > maxPlausiblePartitions {
			return nil, fmt.Errorf("kafkaproto: implausible partition count %d", partCount)
		}
		tm.Partitions = make([]PartitionMetadata, 0, partCount)
		for j := int32(0); j < partCount; j++ {
			var pm PartitionMetadata
			pm.ErrorCode = r.int16()
			pm.Partition = r.int32()
			pm.Leader = r.int32()

			replicaCount := r.int32()
			if replicaCount < 0 || replicaCount > maxPlausibleReplicas {
				return nil, fmt.Errorf("kafkaproto: implausible replica count %d", replicaCount)
			}
			pm.Replicas = make([]int32, replicaCount)
			for k := range pm.Replicas {
				pm.Replicas[k] = r.int32()
			}

			isrCount := r.int32()
			if isrCount < 0 || isrCount > maxPlausibleReplicas {
				return nil, fmt.Errorf("kafkaproto: implausible ISR count %d", isrCount)
			}
			pm.ISR = make([]int32, isrCount)
			for k := range pm.ISR {
				pm.ISR[k] = r.int32()
			}

			tm.Partitions = append(tm.Partitions, pm)
		}
		resp.Topics = append(resp.Topics, tm)
	}

	if r.err != nil {
		return nil, r.err
	}
	return resp, nil
}
