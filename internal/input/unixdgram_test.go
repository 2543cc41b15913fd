package input

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/dory-project/dory/internal/conf"
	"github.com/dory-project/dory/internal/discard"
	"github.com/dory-project/dory/internal/pool"
	"github.com/dory-project/dory/internal/status"
	"github.com/dory-project/dory/internal/wireformat"
)

func TestUnixDgramSourceAdmitsRealDatagram(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "dory-test.sock")

	p, err := pool.New(1<<20, 4096)
	require.NoError(t, err)
	sink := &fakeSink{}
	tracker := discard.New(16, 16)
	t.Cleanup(tracker.Close)

	src := NewUnixDgram(conf.UnixDgramConf{Path: sockPath, MaxDatagramSz: 4096}, p, sink, tracker, &status.Counters{}, log.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool {
		_, err := net.Dial("unixgram", sockPath)
		return err == nil
	}, time.Second, time.Millisecond)

	conn, err := net.Dial("unixgram", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	n := wireformat.EncodedSize(1, 0, 5, false)
	buf := make([]byte, n)
	enc, err := wireformat.Encode(buf, "t", nil, []byte("hello"), false, 0)
	require.NoError(t, err)

	_, err = conn.Write(enc)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.routed) == 1 }, time.Second, time.Millisecond)

	cancel()
	<-done
}
