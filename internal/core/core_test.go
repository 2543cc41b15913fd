package core

import (
	"context"
	"encoding/binary"
	"flag"
	"net"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dory-project/dory/internal/conf"
	"github.com/dory-project/dory/internal/message"
	"github.com/dory-project/dory/internal/pool"
)

// TestMain checks that running this package's tests leaves no goroutines
// behind: every dispatcher, input source, and background loop Dory starts
// must be torn down by Shutdown.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewRejectsEmptyInitialBrokers(t *testing.T) {
	cfg := &conf.Config{}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlagsAndApplyDefaults(fs)

	_, err := New(cfg, "test", log.NewNopLogger())
	require.Error(t, err)
}

// fakeKafkaBroker serves both legacy Metadata and Produce requests off a
// single listener, answering every Metadata request with one broker (the
// listener itself) leading one fixed topic's single partition, and every
// Produce request with a clean ack: enough for the dispatcher and
// fetcher the test wires up without reimplementing a real broker.
func fakeKafkaBroker(ln net.Listener, selfPort int32, topic string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go serveFakeBrokerConn(conn, selfPort, topic)
	}
}

func serveFakeBrokerConn(conn net.Conn, selfPort int32, topic string) {
	defer conn.Close()
	for {
		body, err := readFramedRequest(conn)
		if err != nil {
			return
		}
		if len(body) < 8 {
			return
		}
		apiKey := int16(binary.BigEndian.Uint16(body[0:2]))
		correlationID := int32(binary.BigEndian.Uint32(body[4:8]))

		var resp []byte
		switch apiKey {
		case 3: // metadata
			resp = fakeMetadataResponse(correlationID, selfPort, topic)
		case 0: // produce
			resp = fakeProduceResponse(correlationID, topic)
		default:
			return
		}
		if _, err := conn.Write(frameResponse(resp)); err != nil {
			return
		}
	}
}

func readFramedRequest(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := readFull(conn, body); err != nil {
		return nil, err
	}
	return body, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func frameResponse(body []byte) []byte {
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	return append(out, body...)
}

func appendInt32(dst []byte, v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return append(dst, b[:]...)
}

func appendInt16(dst []byte, v int16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	return append(dst, b[:]...)
}

func appendInt64(dst []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(dst, b[:]...)
}

func appendKafkaString(dst []byte, s string) []byte {
	dst = appendInt16(dst, int16(len(s)))
	return append(dst, s...)
}

func fakeMetadataResponse(correlationID int32, selfPort int32, topic string) []byte {
	b := appendInt32(nil, correlationID)
	b = appendInt32(b, 1) // broker count
	b = appendInt32(b, 1) // node id
	b = appendKafkaString(b, "127.0.0.1")
	b = appendInt32(b, selfPort)
	b = appendInt32(b, 1) // topic count
	b = appendInt16(b, 0)
	b = appendKafkaString(b, topic)
	b = appendInt32(b, 1) // partition count
	b = appendInt16(b, 0) // partition error code
	b = appendInt32(b, 0) // partition id
	b = appendInt32(b, 1) // leader node id
	b = appendInt32(b, 0) // replica count
	b = appendInt32(b, 0) // isr count
	return b
}

func fakeProduceResponse(correlationID int32, topic string) []byte {
	b := appendInt32(nil, correlationID)
	b = appendInt32(b, 1) // topic count
	b = appendKafkaString(b, topic)
	b = appendInt32(b, 1) // partition count
	b = appendInt32(b, 0) // partition
	b = appendInt16(b, 0) // error code
	b = appendInt64(b, 0) // base offset
	b = appendInt32(b, 0) // throttle_time_ms (v1)
	return b
}

func TestDoryEndToEndRoutesAndAcksAMessage(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := int32(ln.Addr().(*net.TCPAddr).Port)
	go fakeKafkaBroker(ln, port, "t")

	cfg := &conf.Config{}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlagsAndApplyDefaults(fs)
	cfg.InitialBrokers = []string{ln.Addr().String()}
	cfg.HTTPInterface.Address = "127.0.0.1:0"
	cfg.MsgDelivery.MetadataRefreshMs = 50
	cfg.InputSources = conf.InputSourcesConf{}

	d, err := New(cfg, "test", log.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return d.fetcher.Current().KnownTopic("t")
	}, 2*time.Second, 10*time.Millisecond)

	p, err := pool.New(1<<20, 4096)
	require.NoError(t, err)
	h, ok := p.TryAcquire(5)
	require.True(t, ok)
	copy(h.Region(), []byte("hello"))
	m := message.New("t", nil, h.Region(), message.AnyPartition, 0, h)

	d.router.Route(m)

	require.Eventually(t, func() bool {
		return d.counters.Acked.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(0), d.counters.Discarded.Load())

	d.Shutdown()

	select {
	case err := <-runErrCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}
