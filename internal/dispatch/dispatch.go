// Package dispatch implements the per-broker dispatcher: exactly one
// dispatcher owns one broker's connection, pipelines produce requests
// onto it, matches responses back to their request by correlation ID,
// and reconnects (bumping a generation counter) on any connection
// failure.
package dispatch

import (
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	uatomic "go.uber.org/atomic"

	"github.com/dory-project/dory/internal/batch"
	"github.com/dory-project/dory/internal/kafkaproto"
)

// State is the dispatcher's connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Ready
	Draining
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Ready:
		return "Ready"
	case Draining:
		return "Draining"
	default:
		return "Unknown"
	}
}

// Result is the outcome of one dispatched batch: acked (ErrorCode == 0,
// Err == nil), broker-rejected (ErrorCode != 0), or never answered
// (Err != nil — connection drop or send-timeout).
type Result struct {
	Batch     *batch.Batch
	ErrorCode int16
	Err       error
}

// pendingSend is one in-flight request awaiting a response or timeout.
type pendingSend struct {
	batch         *batch.Batch
	correlationID int32
	deadline      time.Time
	index         int
}

type deadlineHeap []*pendingSend

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *deadlineHeap) Push(x any) {
	ps := x.(*pendingSend)
	ps.index = len(*h)
	*h = append(*h, ps)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Dispatcher owns exactly one broker's connection and is the only writer
// to its socket.
type Dispatcher struct {
	brokerID       int32
	addr           string
	clientID       string
	apiVersion     int16
	requiredAcks   int16
	requestTimeout time.Duration
	magic          byte

	generation uatomic.Int32
	state      uatomic.Int32

	in      <-chan *batch.Batch
	results chan<- Result

	correlationID uatomic.Int32

	mu      sync.Mutex
	pending map[int32]*pendingSend
	deadlines deadlineHeap

	logger log.Logger
	stop   chan struct{}
}

// New builds a Dispatcher for one broker. in is the stream of batches
// routed to this broker; results receives the outcome of each, in any
// order (pipelined sends may be acked out of send order).
func New(brokerID int32, addr, clientID string, apiVersion, requiredAcks int16, requestTimeout time.Duration, in <-chan *batch.Batch, results chan<- Result, logger log.Logger) *Dispatcher {
	return &Dispatcher{
		brokerID:       brokerID,
		addr:           addr,
		clientID:       clientID,
		apiVersion:     apiVersion,
		requiredAcks:   requiredAcks,
		requestTimeout: requestTimeout,
		magic:          1,
		in:             in,
		results:        results,
		pending:        make(map[int32]*pendingSend),
		logger:         logger,
		stop:           make(chan struct{}),
	}
}

// State returns the dispatcher's current connection state.
func (d *Dispatcher) State() State { return State(d.state.Load()) }

// Generation increments every time a new connection is established; used
// to recognize that state referring to a prior connection is now stale.
func (d *Dispatcher) Generation() int32 { return d.generation.Load() }

// Run drives connect / pipeline-send / reconnect until ctx is canceled or
// Stop is called.
func (d *Dispatcher) Run(ctx context.Context) {
	var leftover *batch.Batch
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		default:
		}

		d.state.Store(int32(Connecting))
		conn, err := d.connect(ctx)
		if err != nil {
			level.Warn(d.logger).Log("msg", "dispatcher connect failed", "broker", d.brokerID, "addr", d.addr, "err", err)
			if !d.sleepOrStop(ctx, time.Second) {
				return
			}
			continue
		}
		d.generation.Add(1)
		d.state.Store(int32(Ready))
		level.Info(d.logger).Log("msg", "dispatcher connected", "broker", d.brokerID, "addr", d.addr, "generation", d.generation.Load())

		recvDone := make(chan struct{})
		go d.recvLoop(conn, recvDone)

		leftover = d.sendLoop(ctx, conn, leftover)

		_ = conn.Close()
		<-recvDone
		d.state.Store(int32(Disconnected))
		d.failAllPending(fmt.Errorf("dispatch: connection to %s lost", d.addr))
	}
}

func (d *Dispatcher) sleepOrStop(ctx context.Context, dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.stop:
		return false
	case <-t.C:
		return true
	}
}

func (d *Dispatcher) connect(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	return dialer.DialContext(ctx, "tcp", d.addr)
}

// sendLoop pipelines requests onto conn until it breaks, ctx is
// canceled, or Stop is called. leftover, if non-nil, is a batch that
// failed to send on a prior connection and must be retried first.
func (d *Dispatcher) sendLoop(ctx context.Context, conn net.Conn, leftover *batch.Batch) *batch.Batch {
	if leftover != nil {
		if !d.sendOne(conn, leftover) {
			return leftover
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.stop:
			return nil
		case b, ok := <-d.in:
			if !ok {
				return nil
			}
			if !d.sendOne(conn, b) {
				return b
			}
		}
	}
}

func (d *Dispatcher) sendOne(conn net.Conn, b *batch.Batch) bool {
	set, err := b.EncodeMessageSet(d.magic)
	if err != nil {
		d.results <- Result{Batch: b, Err: fmt.Errorf("dispatch: encode message set: %w", err)}
		return true
	}
	cid := d.correlationID.Add(1)
	req := &kafkaproto.ProduceRequest{
		CorrelationID: cid,
		ClientID:      d.clientID,
		APIVersion:    d.apiVersion,
		RequiredAcks:  d.requiredAcks,
		TimeoutMs:     int32(d.requestTimeout / time.Millisecond),
		Topic:         b.Fingerprint.Topic,
		Partition:     b.Fingerprint.Partition,
		MessageSet:    set,
	}
	d.registerPending(cid, b)
	if _, err := conn.Write(req.Encode()); err != nil {
		d.removePending(cid)
		return false
	}
	return true
}

func (d *Dispatcher) registerPending(cid int32, b *batch.Batch) {
	ps := &pendingSend{batch: b, correlationID: cid, deadline: time.Now().Add(d.requestTimeout)}
	d.mu.Lock()
	d.pending[cid] = ps
	heap.Push(&d.deadlines, ps)
	d.mu.Unlock()
}

func (d *Dispatcher) removePending(cid int32) *pendingSend {
	d.mu.Lock()
	defer d.mu.Unlock()
	ps, ok := d.pending[cid]
	if !ok {
		return nil
	}
	delete(d.pending, cid)
	heap.Remove(&d.deadlines, ps.index)
	return ps
}

func (d *Dispatcher) recvLoop(conn net.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		body, err := readFramedResponse(conn)
		if err != nil {
			return
		}
		resp, err := kafkaproto.DecodeProduceResponse(body, d.apiVersion)
		if err != nil {
			level.Warn(d.logger).Log("msg", "dispatch: malformed produce response", "broker", d.brokerID, "err", err)
			continue
		}
		ps := d.removePending(resp.CorrelationID)
		if ps == nil {
			// Response for a request we already gave up on (timeout or a
			// prior reconnect); nothing to do.
			continue
		}
		d.results <- Result{Batch: ps.batch, ErrorCode: resp.Result.ErrorCode}
	}
}

func readFramedResponse(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	const maxResponseBytes = 64 << 20
	if n > maxResponseBytes {
		return nil, fmt.Errorf("dispatch: implausible response length %d", n)
	}
	body := make([]byte, n)
	_, err := io.ReadFull(r, body)
	return body, err
}

// SweepTimeouts emits a Result{Err: ...} for every pending send whose
// deadline has passed as of now. The core wiring calls this on a ticker.
func (d *Dispatcher) SweepTimeouts(now time.Time) {
	var expired []*pendingSend
	d.mu.Lock()
	for d.deadlines.Len() > 0 && d.deadlines[0].deadline.Before(now) {
		ps := heap.Pop(&d.deadlines).(*pendingSend)
		delete(d.pending, ps.correlationID)
		expired = append(expired, ps)
	}
	d.mu.Unlock()

	for _, ps := range expired {
		d.results <- Result{Batch: ps.batch, Err: fmt.Errorf("dispatch: send to broker %d timed out", d.brokerID)}
	}
}

// PendingCount returns the number of sends currently awaiting a response,
// used by the shutdown coordinator to know when a drain has finished.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) failAllPending(err error) {
	d.mu.Lock()
	all := make([]*pendingSend, 0, len(d.pending))
	for _, ps := range d.pending {
		all = append(all, ps)
	}
	d.pending = make(map[int32]*pendingSend)
	d.deadlines = nil
	d.mu.Unlock()

	for _, ps := range all {
		d.results <- Result{Batch: ps.batch, Err: err}
	}
}

// PendingForPartition removes and returns every pending send's batch for
// (topic, partition), used when a leadership change moves that partition
// off this dispatcher's broker. If the broker still answers these
// requests after all, recvLoop's removePending lookup will simply find
// nothing and drop the response.
func (d *Dispatcher) PendingForPartition(topic string, partition int32) []*batch.Batch {
	d.mu.Lock()
	var cids []int32
	for cid, ps := range d.pending {
		if ps.batch.Fingerprint.Topic == topic && ps.batch.Fingerprint.Partition == partition {
			cids = append(cids, cid)
		}
	}
	d.mu.Unlock()

	out := make([]*batch.Batch, 0, len(cids))
	for _, cid := range cids {
		if ps := d.removePending(cid); ps != nil {
			out = append(out, ps.batch)
		}
	}
	return out
}

// BeginDrain transitions to Draining and blocks until either every
// pending send has been answered or deadline passes, then calls Stop.
// Only sends already written to the connection count as pending; batches
// still queued on `in` do not hold the drain open. Called by the shutdown
// coordinator and by core when a broker leaves the cluster view.
func (d *Dispatcher) BeginDrain(deadline time.Time) {
	d.state.Store(int32(Draining))
	for time.Now().Before(deadline) && d.PendingCount() > 0 {
		time.Sleep(20 * time.Millisecond)
	}
	d.Stop()
}

// Stop signals Run to exit once its current connection attempt settles.
func (d *Dispatcher) Stop() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
}
