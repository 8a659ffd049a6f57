package courier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/cccs/pkg/wal"
	"golang.org/x/time/rate"
)

const defaultWakeInterval = time.Second

// Worker is the single long-running drain task owned by the runtime. It
// repeatedly drains the courier; when nothing was drained it sleeps on a
// stoppable wait, and a failure of the drain itself is surfaced as a
// synthetic dead letter rather than crashing the loop.
type Worker struct {
	courier *Courier
	sink    wal.Sink
	emitter wal.Emitter

	interval time.Duration
	limiter  *rate.Limiter
	gate     func() bool // delivery allowed? (false while degraded)
	logger   *slog.Logger

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithInterval overrides the idle wakeup interval (default 1s).
func WithInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.interval = d }
}

// WithRateLimit paces drain passes to at most r per second.
func WithRateLimit(r rate.Limit, burst int) WorkerOption {
	return func(w *Worker) { w.limiter = rate.NewLimiter(r, burst) }
}

// WithGate installs a predicate consulted before each drain pass. While it
// returns false the worker idles without touching the WAL, so entries stay
// pending instead of dead-lettering against unhealthy upstreams.
func WithGate(gate func() bool) WorkerOption {
	return func(w *Worker) { w.gate = gate }
}

// WithWorkerLogger overrides the default slog logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// NewWorker creates a drain worker. The sink and emitter are shared with
// manual drains; both must be safe for use from a single background
// goroutine.
func NewWorker(c *Courier, sink wal.Sink, emitter wal.Emitter, opts ...WorkerOption) *Worker {
	w := &Worker{
		courier:  c,
		sink:     sink,
		emitter:  emitter,
		interval: defaultWakeInterval,
		logger:   slog.Default().With("component", "courier-worker"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the background loop. Calling Start twice is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.run()
}

func (w *Worker) run() {
	defer close(w.done)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		if w.gate != nil && !w.gate() {
			if w.wait() {
				return
			}
			continue
		}

		if w.limiter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), w.interval)
			err := w.limiter.Wait(ctx)
			cancel()
			if err != nil {
				continue
			}
		}

		acked, err := w.courier.Drain(w.sink, w.emitter)
		if err != nil {
			// The drain itself failed; make the failure observable and
			// keep the loop alive.
			w.logger.Error("drain pass failed", "error", err)
			if w.emitter != nil {
				w.emitter(wal.DeadLetter{
					ReceiptType: "dead_letter",
					EntryType:   "drain_failure",
					Error:       fmt.Sprintf("drain worker: %v", err),
					Timestamp:   time.Now().UTC(),
				})
			}
			if w.wait() {
				return
			}
			continue
		}

		if len(acked) == 0 {
			if w.wait() {
				return
			}
		}
	}
}

// wait sleeps for the wake interval or until stopped; it reports true when
// the worker should exit.
func (w *Worker) wait() bool {
	select {
	case <-w.stopCh:
		return true
	case <-time.After(w.interval):
		return false
	}
}

// Stop signals the loop to exit and joins it, bounded by timeout.
// Stop is idempotent and safe to call before Start.
func (w *Worker) Stop(timeout time.Duration) error {
	w.stopOnce.Do(func() { close(w.stopCh) })

	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-w.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("courier: drain worker did not stop within %s", timeout)
	}
}
