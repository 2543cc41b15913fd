// Package core wires the independently-testable pieces in
// internal/{pool,message,router,dispatch,metadata,retry,input,status,
// shutdown} into one running daemon: admitted messages flow from an
// input source into the router, sealed batches fan out to one
// dispatcher per broker, and every dispatch outcome feeds back through
// the retry policy into either another routing attempt or the discard
// tracker. Grounded on cmd/tempo/app.App's role as the thing main.go
// constructs and runs, generalized from dskit's modules/services
// framework (too large a dependency surface for a single-process
// pipeline like this one) down to a handful of goroutines coordinated
// with golang.org/x/sync/errgroup.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	uatomic "go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/dory-project/dory/internal/batch"
	"github.com/dory-project/dory/internal/conf"
	"github.com/dory-project/dory/internal/discard"
	"github.com/dory-project/dory/internal/dispatch"
	"github.com/dory-project/dory/internal/input"
	"github.com/dory-project/dory/internal/logging"
	"github.com/dory-project/dory/internal/message"
	"github.com/dory-project/dory/internal/metadata"
	"github.com/dory-project/dory/internal/pool"
	"github.com/dory-project/dory/internal/retry"
	"github.com/dory-project/dory/internal/router"
	"github.com/dory-project/dory/internal/shutdown"
	"github.com/dory-project/dory/internal/status"
)

const (
	clientID          = "dory"
	produceAPIVersion int16 = 1
	requiredAcks      int16 = 1

	routerTick    = 10 * time.Millisecond
	sweepInterval = time.Second

	// retryBaseMs is the starting delay for a rejected message's own
	// backoff; 0 tells retry.BackoffDelay to use its built-in default.
	retryBaseMs = 0
)

type inputSource interface {
	ListenAndServe(ctx context.Context) error
}

// Dory holds every component of one running daemon instance.
type Dory struct {
	cfg    *conf.Config
	logger log.Logger

	pool     *pool.Pool
	tracker  *discard.Tracker
	counters *status.Counters

	fetcher *metadata.Fetcher
	router  *router.Router

	sealedCh chan *batch.Batch
	results  chan dispatch.Result

	statusServer *status.Server

	sources []inputSource

	dispatchMu  sync.Mutex
	dispatchers map[int32]*dispatch.Dispatcher
	dispatchIn  map[int32]chan *batch.Batch

	shuttingDown uatomic.Bool
	runCtx       context.Context
	cancelMain   context.CancelFunc
	cancelInputs context.CancelFunc
}

// New assembles a Dory from cfg but binds no sockets; the only goroutine
// it starts is the discard tracker's background writer. Call Run to start
// the rest.
func New(cfg *conf.Config, version string, logger log.Logger) (*Dory, error) {
	if len(cfg.InitialBrokers) == 0 {
		return nil, fmt.Errorf("core: initialBrokers must be non-empty")
	}

	p, err := pool.New(cfg.MsgBufferMaxBytes, cfg.PoolBlockBytes)
	if err != nil {
		return nil, fmt.Errorf("core: building message pool: %w", err)
	}

	tracker := discard.New(cfg.DiscardReporting.Capacity, cfg.DiscardReporting.QueueDepth)
	trackerGuard := NewGuard(tracker.Close)
	defer trackerGuard.Close()

	fetcher := metadata.NewFetcher(cfg.InitialBrokers, clientID, cfg.MsgDelivery.MetadataBackoff, logger)
	counters := &status.Counters{}

	sealed := make(chan *batch.Batch, cfg.MsgDelivery.DispatchQueueDepth)
	r := router.New(fetcher.Current, cfg.Batching, cfg.Compression, cfg.TopicRateLimiting, tracker, cfg.MsgDelivery.AwaitingMetadataCap, cfg.MsgDelivery.MaxRetryMs, sealed)

	results := make(chan dispatch.Result, cfg.MsgDelivery.DispatchQueueDepth)

	statusServer := status.New(cfg.HTTPInterface.Address, version, counters, tracker, fetcher.Current)

	discardLogger := logger
	if cfg.Logging.LogDiscards && cfg.Logging.DiscardLogHz > 0 {
		discardLogger = logging.NewRateLimitedLogger(float64(cfg.Logging.DiscardLogHz), logger)
	}

	d := &Dory{
		cfg:          cfg,
		logger:       logger,
		pool:         p,
		tracker:      tracker,
		counters:     counters,
		fetcher:      fetcher,
		router:       r,
		sealedCh:     sealed,
		results:      results,
		statusServer: statusServer,
		dispatchers:  make(map[int32]*dispatch.Dispatcher),
		dispatchIn:   make(map[int32]chan *batch.Batch),
	}

	if cfg.InputSources.UnixDgram != nil {
		if warn := input.CheckDatagramSendBuffer(cfg.InputSources.UnixDgram.MaxDatagramSz); warn != "" {
			level.Warn(logger).Log("msg", warn)
		}
		d.sources = append(d.sources, input.NewUnixDgram(*cfg.InputSources.UnixDgram, p, r, tracker, counters, discardLogger))
	}
	if cfg.InputSources.UnixStream != nil {
		d.sources = append(d.sources, input.NewUnixStream(*cfg.InputSources.UnixStream, p, r, tracker, counters, discardLogger))
	}
	if cfg.InputSources.TCP != nil {
		d.sources = append(d.sources, input.NewTCP(*cfg.InputSources.TCP, p, r, tracker, counters, discardLogger))
	}

	trackerGuard.Dismiss()
	return d, nil
}

// Run binds the status socket (failing fast if another instance already
// holds it), then starts every background loop and blocks until the
// context passed to it, or a prior Shutdown call, stops them all.
func (d *Dory) Run(parentCtx context.Context) error {
	ln, err := d.statusServer.Bind()
	if err != nil {
		return fmt.Errorf("core: bind status socket on %s (is another dory instance already running?): %w", d.cfg.HTTPInterface.Address, err)
	}
	bindGuard := NewGuard(func() { _ = ln.Close() })
	defer bindGuard.Close()

	mainCtx, cancelMain := context.WithCancel(parentCtx)
	inputsCtx, cancelInputs := context.WithCancel(mainCtx)
	d.runCtx = mainCtx
	d.cancelMain = cancelMain
	d.cancelInputs = cancelInputs
	defer cancelMain()

	// The first goroutine to fail, or parentCtx being cancelled, cancels
	// gctx, which runs the same graceful Shutdown a signal would.
	g, gctx := errgroup.WithContext(mainCtx)
	go func() {
		<-gctx.Done()
		d.Shutdown()
	}()

	g.Go(func() error {
		if err := d.statusServer.Serve(ln); err != nil {
			return fmt.Errorf("core: status server: %w", err)
		}
		return nil
	})
	bindGuard.Dismiss()

	g.Go(func() error {
		d.fetcher.Run(mainCtx, time.Duration(d.cfg.MsgDelivery.MetadataRefreshMs)*time.Millisecond, d.handleMetadataDiff)
		return nil
	})
	g.Go(func() error {
		d.router.Run(mainCtx, routerTick)
		return nil
	})
	g.Go(func() error {
		d.fanOutSealed(mainCtx)
		return nil
	})
	g.Go(func() error {
		d.resultLoop(mainCtx)
		return nil
	})
	g.Go(func() error {
		d.sweepDispatchers(mainCtx)
		return nil
	})

	for _, src := range d.sources {
		src := src
		g.Go(func() error {
			if err := src.ListenAndServe(inputsCtx); err != nil {
				return fmt.Errorf("core: input source: %w", err)
			}
			return nil
		})
	}

	level.Info(d.logger).Log("msg", "dory running", "statusAddr", d.cfg.HTTPInterface.Address, "initialBrokers", fmt.Sprint(d.cfg.InitialBrokers))

	return g.Wait()
}

// Shutdown runs the graceful sequence exactly once: stop accepting new
// messages, seal every open batch, give in-flight dispatches a bounded
// deadline to drain, finalize the discard report, tear down the status
// surface, then stop everything else. Safe to call from a signal
// handler; blocks until the sequence completes.
func (d *Dory) Shutdown() {
	if !d.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	level.Info(d.logger).Log("msg", "shutdown requested")
	if d.cancelInputs != nil {
		d.cancelInputs()
	}

	d.dispatchMu.Lock()
	drainers := make([]shutdown.Drainer, 0, len(d.dispatchers))
	for _, disp := range d.dispatchers {
		drainers = append(drainers, disp)
	}
	d.dispatchMu.Unlock()

	coordinator := shutdown.New(d.router, drainers, d.tracker, d.statusServer,
		time.Duration(d.cfg.MsgDelivery.ShutdownMaxDelayMs)*time.Millisecond, d.logger)
	coordinator.Shutdown()

	if d.cancelMain != nil {
		d.cancelMain()
	}
}

// fanOutSealed reads sealed batches off the router and forwards each to
// the dispatcher for its Fingerprint's broker, creating that dispatcher
// on first use.
func (d *Dory) fanOutSealed(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-d.sealedCh:
			if !ok {
				return
			}
			d.dispatchBatch(b)
		}
	}
}

func (d *Dory) dispatchBatch(b *batch.Batch) {
	in, ok := d.getOrCreateDispatcherInput(b.Fingerprint.BrokerID)
	if !ok {
		// The broker that led this partition when it was routed has since
		// dropped out of the cluster view entirely; re-attempt routing
		// against current metadata rather than dropping silently.
		d.retryBatch(b)
		return
	}
	select {
	case in <- b:
	default:
		d.discardBatch(b, discard.Reason{Kind: discard.Backpressure})
	}
}

func (d *Dory) getOrCreateDispatcherInput(brokerID int32) (chan<- *batch.Batch, bool) {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	if in, ok := d.dispatchIn[brokerID]; ok {
		return in, true
	}

	broker, ok := d.fetcher.Current().Brokers[brokerID]
	if !ok {
		return nil, false
	}

	addr := fmt.Sprintf("%s:%d", broker.Host, broker.Port)
	in := make(chan *batch.Batch, d.cfg.MsgDelivery.DispatchQueueDepth)
	disp := dispatch.New(brokerID, addr, clientID, produceAPIVersion, requiredAcks,
		time.Duration(d.cfg.MsgDelivery.RequestTimeoutMs)*time.Millisecond, in, d.results, d.logger)

	d.dispatchers[brokerID] = disp
	d.dispatchIn[brokerID] = in
	go disp.Run(d.runCtx)

	level.Info(d.logger).Log("msg", "dispatcher created", "broker", brokerID, "addr", addr)
	return in, true
}

// handleMetadataDiff reacts to what changed in the latest metadata
// refresh: a broker that left the cluster has its dispatcher drained
// rather than left to keep retrying a dead connection until its own
// request timeouts eventually notice, and a partition whose leader moved
// has its old leader's in-flight-but-unacked sends pulled back and
// re-routed to the new one immediately instead of waiting on a timeout
// or a rejection code from the stale broker.
func (d *Dory) handleMetadataDiff(diff metadata.Diff) {
	for _, b := range diff.BrokersRemoved {
		d.beginDrainBroker(b.ID)
	}
	for _, lc := range diff.LeadershipChanges {
		d.rerouteLeadershipChange(lc)
	}
}

func (d *Dory) beginDrainBroker(brokerID int32) {
	d.dispatchMu.Lock()
	disp, ok := d.dispatchers[brokerID]
	if ok {
		delete(d.dispatchers, brokerID)
		delete(d.dispatchIn, brokerID)
	}
	d.dispatchMu.Unlock()
	if !ok {
		return
	}

	level.Info(d.logger).Log("msg", "broker left cluster view, draining its dispatcher", "broker", brokerID)
	deadline := time.Now().Add(time.Duration(d.cfg.MsgDelivery.ShutdownMaxDelayMs) * time.Millisecond)
	go disp.BeginDrain(deadline)
}

func (d *Dory) rerouteLeadershipChange(lc metadata.LeadershipChange) {
	d.dispatchMu.Lock()
	disp, ok := d.dispatchers[lc.OldLeader]
	d.dispatchMu.Unlock()
	if !ok {
		return
	}

	for _, b := range disp.PendingForPartition(lc.Topic, lc.Partition) {
		for _, m := range b.Messages() {
			m.AttemptCount.Add(1)
			d.router.Route(m)
		}
	}
}

func (d *Dory) sweepDispatchers(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchMu.Lock()
			disps := make([]*dispatch.Dispatcher, 0, len(d.dispatchers))
			for _, disp := range d.dispatchers {
				disps = append(disps, disp)
			}
			d.dispatchMu.Unlock()

			now := time.Now()
			for _, disp := range disps {
				disp.SweepTimeouts(now)
			}
		}
	}
}

func (d *Dory) resultLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-d.results:
			if !ok {
				return
			}
			d.handleResult(res)
		}
	}
}

func (d *Dory) handleResult(res dispatch.Result) {
	if res.Err != nil {
		d.handleFailedSend(res)
		return
	}
	if res.ErrorCode == 0 {
		d.counters.Acked.Add(int64(res.Batch.NumMessages()))
		res.Batch.ReleaseAll()
		return
	}
	d.handleBrokerRejected(res)
}

// handleFailedSend covers a connection loss or request timeout: the
// broker never answered at all, as opposed to answering with a
// rejection code (handleBrokerRejected).
func (d *Dory) handleFailedSend(res dispatch.Result) {
	if d.shuttingDown.Load() {
		d.discardBatch(res.Batch, discard.Reason{Kind: discard.ShutdownDrainFailed})
		return
	}
	level.Warn(d.logger).Log("msg", "send failed, rerouting batch", "broker", res.Batch.Fingerprint.BrokerID,
		"topic", res.Batch.Fingerprint.Topic, "partition", res.Batch.Fingerprint.Partition, "err", res.Err)
	d.retryBatch(res.Batch)
}

func (d *Dory) handleBrokerRejected(res dispatch.Result) {
	for _, m := range res.Batch.Messages() {
		attempt := int(m.AttemptCount.Load())
		disposition, reason := retry.Classify(res.ErrorCode, attempt, d.cfg.MsgDelivery.MaxAttempts)

		switch disposition {
		case retry.DispositionRefreshAndHold:
			m.AttemptCount.Add(1)
			mm := m
			go func() {
				diff, err := d.fetcher.RefreshOnce(d.runCtx)
				if err == nil {
					d.handleMetadataDiff(diff)
				}
				d.router.Route(mm)
			}()
		case retry.DispositionRetryWithBackoff:
			m.AttemptCount.Add(1)
			delay := retry.BackoffDelay(attempt, retryBaseMs, d.cfg.MsgDelivery.MaxRetryMs)
			mm := m
			time.AfterFunc(delay, func() { d.router.Route(mm) })
		default: // DispositionDiscardImmediate, DispositionDiscardMaxAttempts
			d.recordDiscard(m, reason)
		}
	}
}

// retryBatch re-routes every message in b for another attempt, unless a
// message has already exhausted its attempt budget.
func (d *Dory) retryBatch(b *batch.Batch) {
	for _, m := range b.Messages() {
		attempt := int(m.AttemptCount.Load())
		if d.cfg.MsgDelivery.MaxAttempts > 0 && attempt+1 >= d.cfg.MsgDelivery.MaxAttempts {
			d.recordDiscard(m, discard.Reason{Kind: discard.SendTimeout})
			continue
		}
		m.AttemptCount.Add(1)
		d.router.Route(m)
	}
}

func (d *Dory) discardBatch(b *batch.Batch, reason discard.Reason) {
	for _, m := range b.Messages() {
		d.recordDiscard(m, reason)
	}
}

func (d *Dory) recordDiscard(m *message.Message, reason discard.Reason) {
	d.tracker.Record(m.Topic, reason, m.Value)
	d.counters.Discarded.Inc()
	m.Release()
}
