package input

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dory-project/dory/internal/conf"
	"github.com/dory-project/dory/internal/discard"
	"github.com/dory-project/dory/internal/pool"
	"github.com/dory-project/dory/internal/status"
)

// maxStreamFrameBytes bounds the length prefix on stream/TCP input so a
// corrupt or hostile client can't make a single frame consume unbounded
// memory before wireformat.Decode ever gets to validate it.
const maxStreamFrameBytes = 16 << 20

// streamSource is the framing + accept-loop logic shared by UNIX stream
// and loopback TCP input: each connection is read as a sequence of
// 4-byte big-endian length-prefixed frames, the same outer framing the
// wireformat package documents as independent of its own little-endian
// fields.
type streamSource struct {
	*source
	network string
	addr    string
	cleanup func()
}

func (s *streamSource) listenAndServe(ctx context.Context, listen func() (net.Listener, error)) error {
	ln, err := listen()
	if err != nil {
		return fmt.Errorf("input: listen %s %s: %w", s.network, s.addr, err)
	}
	defer ln.Close()
	if s.cleanup != nil {
		defer s.cleanup()
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	level.Info(s.logger).Log("msg", "stream input listening", "network", s.network, "addr", s.addr)

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("input: accept on %s %s: %w", s.network, s.addr, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *streamSource) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			if err != io.EOF {
				level.Debug(s.logger).Log("msg", "stream input connection closed", "err", err)
			}
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxStreamFrameBytes {
			level.Warn(s.logger).Log("msg", "stream input frame exceeds max size, dropping connection", "declaredLen", n)
			s.tracker.Record("", discard.Reason{Kind: discard.Malformed}, nil)
			s.counters.Discarded.Inc()
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(conn, frame); err != nil {
			return
		}
		s.admitFrame(frame)
	}
}

// UnixStreamSource accepts length-prefixed frames over a UNIX stream
// socket (as opposed to the datagram source's one-frame-per-datagram
// model), useful for clients that want a persistent connection.
type UnixStreamSource struct {
	*streamSource
	path string
}

// NewUnixStream builds a stream source bound to cfg.Path.
func NewUnixStream(cfg conf.UnixStreamConf, p *pool.Pool, sink Sink, tracker *discard.Tracker, counters *status.Counters, logger log.Logger) *UnixStreamSource {
	return &UnixStreamSource{
		streamSource: &streamSource{
			source:  newSource(p, sink, tracker, counters, logger),
			network: "unix",
			addr:    cfg.Path,
			cleanup: func() { _ = os.Remove(cfg.Path) },
		},
		path: cfg.Path,
	}
}

// ListenAndServe binds the stream socket and serves connections until
// ctx is canceled.
func (u *UnixStreamSource) ListenAndServe(ctx context.Context) error {
	_ = os.Remove(u.path)
	return u.listenAndServe(ctx, func() (net.Listener, error) {
		return net.Listen("unix", u.path)
	})
}

// TCPSource accepts length-prefixed frames over loopback TCP, for
// clients that can't use UNIX sockets (e.g. sandboxed runtimes).
type TCPSource struct {
	*streamSource
}

// NewTCP builds a TCP source bound to cfg.Address.
func NewTCP(cfg conf.TCPConf, p *pool.Pool, sink Sink, tracker *discard.Tracker, counters *status.Counters, logger log.Logger) *TCPSource {
	return &TCPSource{
		streamSource: &streamSource{
			source:  newSource(p, sink, tracker, counters, logger),
			network: "tcp",
			addr:    cfg.Address,
		},
	}
}

// ListenAndServe binds the TCP listener and serves connections until ctx
// is canceled.
func (t *TCPSource) ListenAndServe(ctx context.Context) error {
	return t.listenAndServe(ctx, func() (net.Listener, error) {
		return net.Listen("tcp", t.addr)
	})
}
