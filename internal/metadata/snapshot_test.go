package metadata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func buildSnapshot(leader int32) *Snapshot {
	return &Snapshot{
		FetchedAt: time.Now(),
		Brokers: map[int32]Broker{
			1: {ID: 1, Host: "b1", Port: 9092},
			2: {ID: 2, Host: "b2", Port: 9092},
		},
		Topics: map[string]Topic{
			"events": {
				Name: "events",
				Partitions: []Partition{
					{ID: 0, LeaderID: leader},
				},
			},
		},
	}
}

func TestLeaderLookup(t *testing.T) {
	s := buildSnapshot(1)
	b, ok := s.Leader("events", 0)
	require.True(t, ok)
	require.Equal(t, int32(1), b.ID)

	_, ok = s.Leader("events", 99)
	require.False(t, ok)

	_, ok = s.Leader("unknown-topic", 0)
	require.False(t, ok)
}

func TestLeaderNoneWhenPartitionLeaderless(t *testing.T) {
	s := buildSnapshot(NoLeader)
	_, ok := s.Leader("events", 0)
	require.False(t, ok)
}

func TestDiffSnapshotsDetectsLeadershipChange(t *testing.T) {
	old := buildSnapshot(1)
	cur := buildSnapshot(2)

	diff := DiffSnapshots(old, cur)
	require.Len(t, diff.LeadershipChanges, 1)
	require.Equal(t, int32(1), diff.LeadershipChanges[0].OldLeader)
	require.Equal(t, int32(2), diff.LeadershipChanges[0].NewLeader)
}

func TestDiffSnapshotsDetectsBrokerRemoval(t *testing.T) {
	old := buildSnapshot(1)
	cur := &Snapshot{
		Brokers: map[int32]Broker{1: {ID: 1, Host: "b1", Port: 9092}},
		Topics:  old.Topics,
	}
	diff := DiffSnapshots(old, cur)
	require.Len(t, diff.BrokersRemoved, 1)
	require.Equal(t, int32(2), diff.BrokersRemoved[0].ID)
}

func TestDiffSnapshotsFirstFetchTreatsOldAsNil(t *testing.T) {
	cur := buildSnapshot(1)
	diff := DiffSnapshots(nil, cur)
	require.Len(t, diff.BrokersAdded, 2)
	require.Empty(t, diff.LeadershipChanges)
}
