package input

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dory-project/dory/internal/conf"
	"github.com/dory-project/dory/internal/discard"
	"github.com/dory-project/dory/internal/pool"
	"github.com/dory-project/dory/internal/status"
)

// UnixDgramSource accepts one wireformat frame per UNIX datagram: no
// outer length prefix is needed since datagrams are already
// message-delimited by the kernel.
type UnixDgramSource struct {
	*source
	path        string
	maxDatagram int
}

// NewUnixDgram builds a datagram source bound to cfg.Path.
func NewUnixDgram(cfg conf.UnixDgramConf, p *pool.Pool, sink Sink, tracker *discard.Tracker, counters *status.Counters, logger log.Logger) *UnixDgramSource {
	maxDatagram := cfg.MaxDatagramSz
	if maxDatagram <= 0 {
		maxDatagram = 64 * 1024
	}
	return &UnixDgramSource{
		source:      newSource(p, sink, tracker, counters, logger),
		path:        cfg.Path,
		maxDatagram: maxDatagram,
	}
}

// ListenAndServe binds the datagram socket and reads frames until ctx is
// canceled. A stale socket file at Path is removed first, matching how
// the original daemon rebinds across restarts.
func (u *UnixDgramSource) ListenAndServe(ctx context.Context) error {
	_ = os.Remove(u.path)
	addr, err := net.ResolveUnixAddr("unixgram", u.path)
	if err != nil {
		return fmt.Errorf("input: resolve unixgram addr %s: %w", u.path, err)
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("input: listen unixgram %s: %w", u.path, err)
	}
	defer conn.Close()
	defer os.Remove(u.path)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	level.Info(u.logger).Log("msg", "unix datagram input listening", "path", u.path, "maxDatagramBytes", u.maxDatagram)

	buf := make([]byte, u.maxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("input: unixgram read on %s: %w", u.path, err)
		}
		u.admitFrame(buf[:n])
	}
}
