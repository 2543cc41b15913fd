// Package metadata tracks the cluster's broker and topic/partition
// leadership state: an immutable Snapshot the router and dispatcher read
// without locking, refreshed in the background by a Fetcher that polls
// brokers and swaps in a new Snapshot atomically.
package metadata

import (
	"time"

	"github.com/dory-project/dory/internal/kafkaproto"
)

// NoLeader marks a partition with no currently known leader.
const NoLeader int32 = -1

// Partition is one topic-partition's current leader assignment.
type Partition struct {
	ID       int32
	LeaderID int32
}

// Topic is one topic's partition set.
type Topic struct {
	Name       string
	Partitions []Partition
}

// Broker is one cluster member's dial address.
type Broker struct {
	ID   int32
	Host string
	Port int32
}

// Snapshot is an immutable point-in-time view of cluster metadata. Once
// built it is never mutated; refresh produces a new Snapshot and the
// Fetcher swaps the pointer.
type Snapshot struct {
	FetchedAt time.Time
	Brokers   map[int32]Broker
	Topics    map[string]Topic
}

// Empty returns a Snapshot with no known brokers or topics, used before
// the first successful fetch completes.
func Empty() *Snapshot {
	return &Snapshot{Brokers: map[int32]Broker{}, Topics: map[string]Topic{}}
}

// fromWire builds a Snapshot from a decoded legacy MetadataResponse.
func fromWire(resp *kafkaproto.MetadataResponse, now time.Time) *Snapshot {
	s := &Snapshot{
		FetchedAt: now,
		Brokers:   make(map[int32]Broker, len(resp.Brokers)),
		Topics:    make(map[string]Topic, len(resp.Topics)),
	}
	for _, b := range resp.Brokers {
		s.Brokers[b.NodeID] = Broker{ID: b.NodeID, Host: b.Host, Port: b.Port}
	}
	for _, t := range resp.Topics {
		topic := Topic{Name: t.Topic, Partitions: make([]Partition, 0, len(t.Partitions))}
		for _, p := range t.Partitions {
			leader := p.Leader
			if p.ErrorCode != 0 {
				leader = NoLeader
			}
			topic.Partitions = append(topic.Partitions, Partition{ID: p.Partition, LeaderID: leader})
		}
		s.Topics[t.Topic] = topic
	}
	return s
}

// Leader returns the broker currently leading (topic, partition), if any
// broker in the snapshot matches — both "partition not found" and
// "partition has no leader" come back as (Broker{}, false), since the
// router treats them identically (park the message on its
// awaiting-metadata queue).
func (s *Snapshot) Leader(topic string, partition int32) (Broker, bool) {
	t, ok := s.Topics[topic]
	if !ok {
		return Broker{}, false
	}
	for _, p := range t.Partitions {
		if p.ID == partition {
			if p.LeaderID == NoLeader {
				return Broker{}, false
			}
			b, ok := s.Brokers[p.LeaderID]
			return b, ok
		}
	}
	return Broker{}, false
}

// PartitionCount returns the number of partitions known for topic, or 0
// if the topic is unknown.
func (s *Snapshot) PartitionCount(topic string) int {
	return len(s.Topics[topic].Partitions)
}

// Partitions returns the partitions known for topic.
func (s *Snapshot) Partitions(topic string) []Partition {
	return s.Topics[topic].Partitions
}

// KnownTopic reports whether topic appears in the snapshot at all.
func (s *Snapshot) KnownTopic(topic string) bool {
	_, ok := s.Topics[topic]
	return ok
}

// LeadershipChange describes one partition's leader moving between two
// snapshots.
type LeadershipChange struct {
	Topic        string
	Partition    int32
	OldLeader    int32
	NewLeader    int32
}

// Diff is the set of changes between two consecutive snapshots: brokers
// that joined or left the cluster view, and partitions whose leader
// moved. core.Dory's diff handler uses BrokersRemoved to begin draining
// the departed broker's dispatcher and LeadershipChanges to re-route
// that dispatcher's in-flight-but-unacked sends for the affected
// partition to its new leader.
type Diff struct {
	BrokersAdded      []Broker
	BrokersRemoved    []Broker
	LeadershipChanges []LeadershipChange
}

// DiffSnapshots computes what changed between old and cur. old may be nil
// (the first fetch), in which case every broker counts as added and no
// leadership changes are reported (nothing to compare against).
func DiffSnapshots(old, cur *Snapshot) Diff {
	var d Diff
	if old == nil {
		for _, b := range cur.Brokers {
			d.BrokersAdded = append(d.BrokersAdded, b)
		}
		return d
	}

	for id, b := range cur.Brokers {
		if _, existed := old.Brokers[id]; !existed {
			d.BrokersAdded = append(d.BrokersAdded, b)
		}
	}
	for id, b := range old.Brokers {
		if _, still := cur.Brokers[id]; !still {
			d.BrokersRemoved = append(d.BrokersRemoved, b)
		}
	}

	for topic, newTopic := range cur.Topics {
		oldTopic, existed := old.Topics[topic]
		if !existed {
			continue
		}
		oldLeaders := make(map[int32]int32, len(oldTopic.Partitions))
		for _, p := range oldTopic.Partitions {
			oldLeaders[p.ID] = p.LeaderID
		}
		for _, p := range newTopic.Partitions {
			if oldLeader, ok := oldLeaders[p.ID]; ok && oldLeader != p.LeaderID {
				d.LeadershipChanges = append(d.LeadershipChanges, LeadershipChange{
					Topic:     topic,
					Partition: p.ID,
					OldLeader: oldLeader,
					NewLeader: p.LeaderID,
				})
			}
		}
	}
	return d
}
