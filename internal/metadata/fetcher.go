package metadata

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	uatomic "go.uber.org/atomic"

	"github.com/dory-project/dory/internal/conf"
	"github.com/dory-project/dory/internal/kafkaproto"
)

// Fetcher polls cluster metadata from a rotating set of bootstrap
// brokers and publishes the result as an atomically-swapped Snapshot.
// Refresh failures back off per conf.BackoffConf (resolving the
// "metadata backoff curve" open question by bounding retry growth
// without ever giving up, matching an always-on daemon).
type Fetcher struct {
	bootstrap      []string
	bootstrapNext  uatomic.Int32
	clientID       string
	dialTimeout    time.Duration
	requestTimeout time.Duration
	backoffCfg     conf.BackoffConf
	correlationID  uatomic.Int32
	logger         log.Logger

	current atomic.Pointer[Snapshot]
}

// NewFetcher builds a Fetcher seeded with an empty Snapshot. bootstrap
// must be non-empty ("host:port" entries).
func NewFetcher(bootstrap []string, clientID string, backoffCfg conf.BackoffConf, logger log.Logger) *Fetcher {
	f := &Fetcher{
		bootstrap:      bootstrap,
		clientID:       clientID,
		dialTimeout:    5 * time.Second,
		requestTimeout: 10 * time.Second,
		backoffCfg:     backoffCfg,
		logger:         logger,
	}
	f.current.Store(Empty())
	return f
}

// Current returns the most recently published Snapshot; never nil.
func (f *Fetcher) Current() *Snapshot {
	return f.current.Load()
}

// nextBootstrapAddr rotates through the bootstrap list so a persistently
// unreachable single entry doesn't wedge every refresh attempt.
func (f *Fetcher) nextBootstrapAddr() string {
	n := f.bootstrapNext.Add(1) - 1
	return f.bootstrap[int(n)%len(f.bootstrap)]
}

// RefreshOnce performs a single metadata round trip against one
// bootstrap broker and, on success, swaps it in as Current. It returns
// the Diff against the prior snapshot.
func (f *Fetcher) RefreshOnce(ctx context.Context) (Diff, error) {
	addr := f.nextBootstrapAddr()

	dialer := net.Dialer{Timeout: f.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Diff{}, fmt.Errorf("metadata: dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(f.requestTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	req := &kafkaproto.MetadataRequest{
		CorrelationID: f.correlationID.Add(1),
		ClientID:      f.clientID,
	}
	if _, err := conn.Write(req.Encode()); err != nil {
		return Diff{}, fmt.Errorf("metadata: write request to %s: %w", addr, err)
	}

	respBody, err := readFramedResponse(conn)
	if err != nil {
		return Diff{}, fmt.Errorf("metadata: read response from %s: %w", addr, err)
	}

	decoded, err := kafkaproto.DecodeMetadataResponse(respBody)
	if err != nil {
		return Diff{}, fmt.Errorf("metadata: decode response from %s: %w", addr, err)
	}

	next := fromWire(decoded, time.Now())
	prev := f.current.Swap(next)
	return DiffSnapshots(prev, next), nil
}

// readFramedResponse reads a 4-byte big-endian length prefix followed by
// that many bytes, the shape every Kafka response begins with.
func readFramedResponse(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	const maxResponseBytes = 64 << 20
	if n > maxResponseBytes {
		return nil, fmt.Errorf("metadata: implausible response length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (f *Fetcher) newBackoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(f.backoffCfg.InitialMs) * time.Millisecond
	eb.MaxInterval = time.Duration(f.backoffCfg.MaxMs) * time.Millisecond
	eb.RandomizationFactor = f.backoffCfg.RandomizationFactor
	eb.MaxElapsedTime = 0 // retry forever; the daemon has no concept of "give up on the cluster"
	return backoff.WithContext(eb, ctx)
}

// Run refreshes on a fixed interval until ctx is canceled, retrying each
// failed attempt with exponential backoff before falling back to the
// steady interval for the next scheduled refresh. onDiff, if non-nil, is
// called with the Diff from every successful refresh (including a
// no-op Diff when nothing changed); it is never called for a failed
// attempt.
func (f *Fetcher) Run(ctx context.Context, interval time.Duration, onDiff func(Diff)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	refresh := func() {
		op := func() error {
			diff, err := f.RefreshOnce(ctx)
			if err != nil {
				level.Warn(f.logger).Log("msg", "metadata refresh failed, retrying", "err", err)
				return err
			}
			if onDiff != nil {
				onDiff(diff)
			}
			return nil
		}
		if err := backoff.Retry(op, f.newBackoff(ctx)); err != nil {
			level.Error(f.logger).Log("msg", "metadata refresh abandoned", "err", err)
		}
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
