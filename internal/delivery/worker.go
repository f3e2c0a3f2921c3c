package delivery

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pulseapm/agent-go/internal/logging"
	"github.com/pulseapm/agent-go/internal/monitoring"
)

// Transport performs a network post of (path, payload). Retry and backoff
// live behind this interface; the worker dispatches each request exactly
// once and logs failures.
type Transport interface {
	Post(path string, payload []byte) error
}

// Worker is the single background consumer of the delivery queue. Exactly
// one worker runs at a time; the client guards that under its lifecycle
// lock.
type Worker struct {
	queue     *Queue
	transport Transport
	log       *logging.Logger
	metrics   *monitoring.Metrics
	alive     atomic.Bool
	done      chan struct{}
}

// NewWorker creates a worker for the given queue and transport.
func NewWorker(queue *Queue, transport Transport, log *logging.Logger, metrics *monitoring.Metrics) *Worker {
	return &Worker{
		queue:     queue,
		transport: transport,
		log:       log,
		metrics:   metrics,
		done:      make(chan struct{}),
	}
}

// Start boots the worker goroutine. A panic anywhere in the worker is
// fatal to that goroutine only: it is logged and the worker dies, while
// producers keep enqueueing. Nothing drains until a new worker starts.
func (w *Worker) Start() {
	w.alive.Store(true)
	go w.run()
}

func (w *Worker) run() {
	defer close(w.done)
	defer func() {
		w.alive.Store(false)
		if r := recover(); r != nil {
			w.log.Error("delivery worker died", zap.Any("panic", r))
		}
	}()

	w.log.Debug("delivery worker started")
	for {
		r := w.queue.Pop()
		w.metrics.SetQueueDepth(w.queue.Len())
		if r.IsStop() {
			w.log.Debug("delivery worker stopping")
			return
		}
		err := w.transport.Post(r.Path, r.Payload)
		w.metrics.RecordPost(r.Path, err)
		if err != nil {
			// No retry here: delivery failures are the transport's
			// problem to mitigate, the request is spent either way.
			w.log.Error("post failed",
				zap.String("path", r.Path),
				zap.Error(err),
			)
		} else {
			w.log.Debug("post delivered", zap.String("path", r.Path))
		}
	}
}

// Alive reports whether the worker goroutine is still consuming.
func (w *Worker) Alive() bool {
	return w.alive.Load()
}

// Join waits for the worker to exit, up to timeout. Returns false when the
// timeout expired first; requests still queued at that point may be lost.
func (w *Worker) Join(timeout time.Duration) bool {
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
