// Package shutdown implements the graceful shutdown coordinator: on a
// termination signal, seal every open batch, give in-flight sends a
// bounded deadline to drain, force-discard whatever is still outstanding
// past that deadline, and only then tear down the status HTTP surface —
// so a client polling /sys/discards during shutdown always sees a
// complete, final report.
package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	uatomic "go.uber.org/atomic"

	"github.com/dory-project/dory/internal/dispatch"
	"github.com/dory-project/dory/internal/discard"
	"github.com/dory-project/dory/internal/router"
	"github.com/dory-project/dory/internal/status"
)

// Sealer is the subset of router.Router the coordinator needs.
type Sealer interface {
	SealAllOpen()
}

// Drainer is the subset of dispatch.Dispatcher the coordinator needs.
type Drainer interface {
	BeginDrain(deadline time.Time)
}

var (
	_ Sealer  = (*router.Router)(nil)
	_ Drainer = (*dispatch.Dispatcher)(nil)
)

// Coordinator drives the shutdown sequence exactly once, however many
// times Shutdown is called (a second SIGTERM while already shutting down
// is a no-op).
type Coordinator struct {
	router       Sealer
	dispatchers  []Drainer
	tracker      *discard.Tracker
	statusServer *status.Server
	maxDelay     time.Duration
	logger       log.Logger

	triggered uatomic.Bool
	done      chan struct{}
}

// New builds a Coordinator. maxDelay bounds how long dispatchers are
// given to drain in-flight sends before the remainder are force-discarded.
func New(r Sealer, dispatchers []Drainer, tracker *discard.Tracker, statusServer *status.Server, maxDelay time.Duration, logger log.Logger) *Coordinator {
	return &Coordinator{
		router:       r,
		dispatchers:  dispatchers,
		tracker:      tracker,
		statusServer: statusServer,
		maxDelay:     maxDelay,
		logger:       logger,
		done:         make(chan struct{}),
	}
}

// Triggered reports whether Shutdown has been called.
func (c *Coordinator) Triggered() bool {
	return c.triggered.Load()
}

// Done is closed once the shutdown sequence completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Shutdown runs the sequence: seal all open batches, wait up to maxDelay
// for dispatchers to drain, then tear down the status surface. Safe to
// call from a signal handler; blocks until complete.
func (c *Coordinator) Shutdown() {
	if !c.triggered.CompareAndSwap(false, true) {
		<-c.done
		return
	}
	level.Info(c.logger).Log("msg", "shutdown initiated", "maxDelayMs", c.maxDelay.Milliseconds())

	c.router.SealAllOpen()

	deadline := time.Now().Add(c.maxDelay)
	var wg sync.WaitGroup
	for _, d := range c.dispatchers {
		wg.Add(1)
		go func(d Drainer) {
			defer wg.Done()
			d.BeginDrain(deadline)
		}(d)
	}
	wg.Wait()

	level.Info(c.logger).Log("msg", "dispatchers drained, finalizing discard report")

	if c.statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.statusServer.Shutdown(shutdownCtx)
		cancel()
	}

	close(c.done)
}
