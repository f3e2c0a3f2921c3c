// Package client orchestrates the agent: it owns the pending-transaction
// buffer, the batching policy, the delivery queue and the worker's
// lifecycle. Application goroutines call in concurrently; one background
// worker performs all delivery, serially.
package client

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pulseapm/agent-go/internal/config"
	"github.com/pulseapm/agent-go/internal/delivery"
	"github.com/pulseapm/agent-go/internal/logging"
	"github.com/pulseapm/agent-go/internal/model"
	"github.com/pulseapm/agent-go/internal/monitoring"
	"github.com/pulseapm/agent-go/internal/payload"
	"github.com/pulseapm/agent-go/internal/registry"
	"github.com/pulseapm/agent-go/internal/transport"
)

// Collector paths.
const (
	TransactionsPath = "/transactions/"
	ErrorsPath       = "/errors/"
	ReleasesPath     = "/releases/"
)

// Client is the agent orchestrator. All methods are safe for concurrent
// use and safe on a nil receiver, so a never-started agent degrades to
// silent no-ops.
type Client struct {
	cfg       *config.Config
	log       *logging.Logger
	metrics   *monitoring.Metrics
	transport delivery.Transport
	queue     *delivery.Queue
	limiter   *rate.Limiter

	// mu guards the pending buffer and the last-flush timestamp: flush's
	// read-then-clear must be atomic with concurrent appends.
	mu        sync.Mutex
	pending   []*model.Transaction
	lastFlush time.Time

	// workerMu guards worker construction so concurrent ensure-running
	// calls cannot boot duplicates. stopping blocks replacement boots
	// while Stop drains, and permanently once it has run.
	workerMu sync.Mutex
	worker   *delivery.Worker
	stopping bool
}

// Option configures a client at construction.
type Option func(*Client)

// WithTransport overrides the default HTTP transport. Used in tests.
func WithTransport(t delivery.Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithLogger overrides the logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New builds a client from configuration.
func New(cfg *config.Config, opts ...Option) *Client {
	c := &Client{
		cfg:       cfg,
		metrics:   monitoring.NewMetrics(),
		queue:     delivery.NewQueue(),
		lastFlush: time.Now(),
	}
	if cfg.DebugTrace {
		c.log = logging.NewDebug()
	} else {
		c.log = logging.NewDefault()
	}
	if cfg.ErrorRateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ErrorRateLimit), cfg.ErrorRateBurst)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = transport.New(cfg, c.log)
	}
	return c
}

// Config returns the client's configuration.
func (c *Client) Config() *config.Config {
	if c == nil {
		return nil
	}
	return c.cfg
}

// Metrics returns the agent's self-telemetry.
func (c *Client) Metrics() *monitoring.Metrics {
	if c == nil {
		return nil
	}
	return c.metrics
}

// StartTransaction returns the current transaction for this execution
// path, or starts a new one when none is active. Reusing the current
// transaction prevents fragmentation when instrumentation hooks fire
// inside already-instrumented code. With performance tracking disabled it
// returns the context unchanged and a nil transaction.
func (c *Client) StartTransaction(ctx context.Context, endpoint, kind string) (context.Context, *model.Transaction) {
	if c == nil || c.cfg.PerformanceDisabled {
		return ctx, nil
	}
	if cur := registry.Current(ctx); cur != nil {
		return ctx, cur
	}
	txn := model.NewTransaction(endpoint, kind, model.WithSubmitter(c.SubmitTransaction))
	c.log.Debug("transaction started",
		zap.String("request_id", txn.RequestID().String()),
		zap.String("endpoint", endpoint),
		zap.String("kind", kind),
	)
	return registry.NewContext(ctx, txn), txn
}

// Trace runs fn inside a child trace of the current transaction. With no
// transaction current it degrades to running fn directly, recording
// nothing — instrumentation must never fail application code.
func (c *Client) Trace(ctx context.Context, signature string, fn func() error, opts ...model.TraceOption) error {
	txn := registry.Current(ctx)
	if c == nil || txn == nil {
		return fn()
	}
	c.log.Debug("trace started", zap.String("signature", signature))
	return txn.WithTrace(signature, fn, opts...)
}

// Monitor instruments one unit of work end to end: it starts (or reuses)
// a transaction, runs fn, and submits on every exit path. A panic raised
// by fn is reported once and re-raised unchanged so the caller's own
// fault handling still runs.
func (c *Client) Monitor(ctx context.Context, endpoint, kind string, fn func(context.Context) error) error {
	if c == nil || c.cfg.PerformanceDisabled {
		return fn(ctx)
	}
	if registry.Current(ctx) != nil {
		// Already instrumented further up this call path: execute the
		// body against the existing transaction.
		return fn(ctx)
	}
	ctx, txn := c.StartTransaction(ctx, endpoint, kind)
	defer func() {
		if r := recover(); r != nil {
			c.Report(ctx, r)
			txn.Submit(500)
			panic(r)
		}
	}()
	err := fn(ctx)
	if err != nil {
		txn.Submit(500)
		return err
	}
	txn.Submit(200)
	return nil
}

// SubmitTransaction appends a finished transaction to the pending buffer
// and applies the flush policy: flush immediately when no post interval is
// configured, or when the interval has elapsed since the last flush. An
// unfinished transaction is dropped — it must never reach a batch.
func (c *Client) SubmitTransaction(t *model.Transaction) {
	if c == nil || t == nil {
		return
	}
	if !t.Finished() {
		c.metrics.TransactionsDropped.Inc()
		c.log.Warn("dropping incomplete transaction",
			zap.String("request_id", t.RequestID().String()),
		)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if max := c.cfg.MaxPending; max > 0 && len(c.pending) >= max {
		evicted := c.pending[0]
		c.pending = c.pending[1:]
		c.metrics.TransactionsDropped.Inc()
		c.log.Warn("pending buffer full, dropping oldest transaction",
			zap.String("request_id", evicted.RequestID().String()),
			zap.Int("max_pending", max),
		)
	}
	c.pending = append(c.pending, t)
	c.metrics.TransactionsFinished.Inc()
	c.metrics.SetPending(len(c.pending))

	if c.cfg.FlushEveryPost() || time.Since(c.lastFlush) > *c.cfg.PostInterval {
		c.flushLocked()
	}
}

// FlushTransactions packages the entire pending buffer into one batch
// request, enqueues it and clears the buffer. No-op on an empty buffer.
// Returns whether a flush occurred. Safe as the final drain during Stop.
func (c *Client) FlushTransactions() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *Client) flushLocked() bool {
	if len(c.pending) == 0 {
		return false
	}
	body, err := payload.BuildTransactions(c.pending)
	n := len(c.pending)
	c.pending = nil
	c.lastFlush = time.Now()
	c.metrics.SetPending(0)
	if err != nil {
		c.log.Error("failed to build transactions batch", zap.Error(err))
		return false
	}
	c.Enqueue(delivery.NewPost(TransactionsPath, body))
	c.metrics.RecordFlush(n)
	c.log.Debug("batch flushed", zap.Int("transactions", n))
	return true
}

// Report builds one error payload and enqueues it immediately, bypassing
// batching: errors are lower-volume and loss-sensitive, so latency wins
// over batching efficiency. The error-context side channel from ctx is
// consumed here. Reports beyond the configured rate are dropped.
func (c *Client) Report(ctx context.Context, v any) {
	if c == nil || c.cfg.ErrorReportingDisabled {
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.metrics.ErrorsThrottled.Inc()
		c.log.Debug("error report throttled")
		return
	}
	body, err := payload.BuildError(payload.ErrorReport{
		Value:       v,
		Backtrace:   backtrace(),
		Context:     registry.ErrorContext(ctx),
		Transaction: registry.FromContext(ctx),
	})
	if err != nil {
		c.log.Error("failed to build error report", zap.Error(err))
		return
	}
	c.Enqueue(delivery.NewPost(ErrorsPath, body))
	c.metrics.ErrorsReported.Inc()
}

// AnnounceRelease posts a release marker inline, without going through
// the delivery queue: deploys are rare and the caller wants the result.
func (c *Client) AnnounceRelease(revision, user string) error {
	if c == nil {
		return nil
	}
	body, err := payload.BuildRelease(revision, user)
	if err != nil {
		return err
	}
	return c.transport.Post(ReleasesPath, body)
}

// Enqueue places a request on the delivery queue and makes sure a worker
// is draining it, unless the worker is disabled by configuration.
func (c *Client) Enqueue(r delivery.Request) {
	if c == nil {
		return
	}
	c.queue.Push(r)
	c.metrics.SetQueueDepth(c.queue.Len())
	if !c.cfg.WorkerDisabled {
		c.ensureWorker()
	}
}

// ensureWorker lazily boots the background worker. Double-checked under
// workerMu: a worker that died from a panic is replaced, a live one is
// never duplicated.
func (c *Client) ensureWorker() {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()
	if c.stopping {
		return
	}
	if c.worker != nil && c.worker.Alive() {
		return
	}
	c.worker = delivery.NewWorker(c.queue, c.transport, c.log, c.metrics)
	c.worker.Start()
}

// Stop drains the client: it flushes the pending buffer, enqueues the
// stop sentinel and joins the worker with the configured timeout. FIFO
// ordering guarantees every request enqueued before the sentinel is
// dispatched first. On timeout the condition is logged and shutdown
// proceeds; requests still queued may be lost.
//
// The worker slot stays occupied until the join completes and the
// stopping flag blocks replacement boots, so a concurrent enqueue can
// never hand the sentinel to a second worker and strand the first.
func (c *Client) Stop() {
	if c == nil {
		return
	}
	c.FlushTransactions()

	c.workerMu.Lock()
	if c.stopping {
		c.workerMu.Unlock()
		return
	}
	c.stopping = true
	worker := c.worker
	c.workerMu.Unlock()

	if worker == nil || !worker.Alive() {
		return
	}
	c.queue.Push(delivery.NewStop())
	if !worker.Join(c.cfg.WorkerQuitTimeout) {
		c.log.Error("worker quit timeout exceeded, queued requests may be lost",
			zap.Duration("timeout", c.cfg.WorkerQuitTimeout),
			zap.Int("queued", c.queue.Len()),
		)
		return
	}

	c.workerMu.Lock()
	c.worker = nil
	c.workerMu.Unlock()
}

// backtrace captures the caller's stack as individual lines.
func backtrace() []string {
	return strings.Split(strings.TrimSpace(string(debug.Stack())), "\n")
}
