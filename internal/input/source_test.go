package input

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/dory-project/dory/internal/discard"
	"github.com/dory-project/dory/internal/message"
	"github.com/dory-project/dory/internal/pool"
	"github.com/dory-project/dory/internal/status"
	"github.com/dory-project/dory/internal/wireformat"
)

type fakeSink struct {
	routed []*message.Message
}

func (f *fakeSink) Route(m *message.Message) {
	f.routed = append(f.routed, m)
}

func newTestSource(t *testing.T) (*source, *fakeSink, *discard.Tracker) {
	t.Helper()
	p, err := pool.New(1<<20, 4096)
	require.NoError(t, err)
	sink := &fakeSink{}
	tracker := discard.New(16, 16)
	t.Cleanup(tracker.Close)
	counters := &status.Counters{}
	return newSource(p, sink, tracker, counters, log.NewNopLogger()), sink, tracker
}

func TestAdmitFrameRoutesValidFrame(t *testing.T) {
	s, sink, _ := newTestSource(t)

	n := wireformat.EncodedSize(1, 3, 5, true)
	buf := make([]byte, n)
	enc, err := wireformat.Encode(buf, "t", []byte("key"), []byte("hello"), true, 1234)
	require.NoError(t, err)

	s.admitFrame(enc)

	require.Len(t, sink.routed, 1)
	require.Equal(t, "t", sink.routed[0].Topic)
	require.Equal(t, message.PartitionKey, sink.routed[0].Kind)
	require.Equal(t, []byte("hello"), sink.routed[0].Value)
}

func TestAdmitFrameDiscardsMalformed(t *testing.T) {
	s, sink, tracker := newTestSource(t)
	s.admitFrame([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF})

	require.Empty(t, sink.routed)
	require.Eventually(t, func() bool {
		return tracker.GlobalCount(discard.Malformed) == 1
	}, testEventuallyTimeout, testEventuallyTick)
}

func TestAdmitFrameDiscardsOnPoolExhaustion(t *testing.T) {
	p, err := pool.New(8, 8) // tiny pool, one 8-byte block
	require.NoError(t, err)
	sink := &fakeSink{}
	tracker := discard.New(16, 16)
	t.Cleanup(tracker.Close)
	s := newSource(p, sink, tracker, &status.Counters{}, log.NewNopLogger())

	n := wireformat.EncodedSize(1, 0, 100, false)
	buf := make([]byte, n)
	enc, err := wireformat.Encode(buf, "t", nil, make([]byte, 100), false, 0)
	require.NoError(t, err)

	s.admitFrame(enc)
	require.Empty(t, sink.routed)
	require.Eventually(t, func() bool {
		return tracker.GlobalCount(discard.PoolExhausted) == 1
	}, testEventuallyTimeout, testEventuallyTick)
}
