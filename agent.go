// Package pulseapm is an in-process performance-monitoring agent. It
// records hierarchical timing data — transactions for logical units of
// work, traces for nested operations within them — and ships batches
// asynchronously to the collector without blocking instrumented code.
//
// Typical use:
//
//	if err := pulseapm.Start(nil); err != nil {
//		log.Fatal(err)
//	}
//	defer pulseapm.Stop()
//
//	err := pulseapm.Monitor(ctx, "GET /users", "http_request", func(ctx context.Context) error {
//		return pulseapm.TraceFunc(ctx, "users.load", func() error {
//			return loadUsers(ctx)
//		})
//	})
//
// At most one agent lives per process. Start and Stop are idempotent and
// safe to call concurrently; an exit hook invokes Stop automatically.
package pulseapm

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tebeka/atexit"

	"github.com/pulseapm/agent-go/internal/client"
	"github.com/pulseapm/agent-go/internal/config"
	"github.com/pulseapm/agent-go/internal/model"
	"github.com/pulseapm/agent-go/internal/registry"
)

// Re-exported core types. Instrumented code only ever touches these
// through the package-level functions below or through methods on the
// values they return.
type (
	// Config holds agent configuration; see Start.
	Config = config.Config
	// Transaction is the root timed span for one unit of work.
	Transaction = model.Transaction
	// Trace is one timed span inside a transaction.
	Trace = model.Trace
	// TraceOption configures a trace at construction.
	TraceOption = model.TraceOption
)

// Trace construction options.
var (
	WithKind    = model.WithKind
	WithParents = model.WithParents
	WithExtra   = model.WithExtra
)

var (
	// mu guards singleton construction and destruction so concurrent
	// Start/Stop calls cannot race into duplicate instances.
	mu           sync.Mutex
	instance     *client.Client
	exitHookOnce sync.Once
)

// Start builds the process-wide agent, or returns without effect when one
// is already running. A nil cfg loads configuration from PULSEAPM_*
// environment variables. With Active false the agent stays off and every
// instrumentation call is a silent no-op.
func Start(cfg *Config) error {
	mu.Lock()
	defer mu.Unlock()

	if instance != nil {
		return nil
	}
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if !cfg.Active {
		return nil
	}
	instance = client.New(cfg)
	exitHookOnce.Do(func() {
		atexit.Register(Stop)
	})
	return nil
}

// Stop flushes pending data, drains the delivery worker with the
// configured timeout and clears the singleton, so a later Start builds a
// fresh agent. Registered subscribers are unsubscribed first so no new
// work arrives mid-drain.
func Stop() {
	unsubscribeAll()

	mu.Lock()
	c := instance
	instance = nil
	mu.Unlock()

	c.Stop()
}

// current returns the running client, nil when the agent is off. Client
// methods are nil-safe, so callers use the result unconditionally.
func current() *client.Client {
	mu.Lock()
	defer mu.Unlock()
	return instance
}

// StartTransaction returns the current transaction for this execution
// path, starting a new one when none is active. The returned context
// carries the transaction; pass it down so nested instrumentation finds
// it. The transaction is nil when the agent is off or performance
// tracking is disabled — all its methods degrade to no-ops.
func StartTransaction(ctx context.Context, endpoint, kind string) (context.Context, *Transaction) {
	return current().StartTransaction(ctx, endpoint, kind)
}

// Monitor instruments fn as one transaction: started (or reused) on
// entry, submitted on every exit path. A panic inside fn is reported once
// and re-raised unchanged.
func Monitor(ctx context.Context, endpoint, kind string, fn func(context.Context) error) error {
	c := current()
	if c == nil {
		return fn(ctx)
	}
	return c.Monitor(ctx, endpoint, kind, fn)
}

// TraceFunc runs fn inside a child trace of the current transaction. With
// no transaction current, fn runs directly and nothing is recorded.
func TraceFunc(ctx context.Context, signature string, fn func() error, opts ...TraceOption) error {
	c := current()
	if c == nil {
		return fn()
	}
	return c.Trace(ctx, signature, fn, opts...)
}

// TransactionFromContext returns the active transaction carried by ctx,
// or nil when none is active or it has already been submitted.
func TransactionFromContext(ctx context.Context) *Transaction {
	return registry.Current(ctx)
}

// WithErrorContext merges kv over the error-context side channel carried
// by ctx. The merge is scoped: contexts derived from the return value see
// it, the parent context does not. The side channel is only consumed when
// building error reports.
func WithErrorContext(ctx context.Context, kv map[string]string) context.Context {
	return registry.WithErrorContext(ctx, kv)
}

// Report ships one error report immediately, bypassing transaction
// batching, regardless of whether a transaction is current.
func Report(ctx context.Context, v any) {
	current().Report(ctx, v)
}

// AnnounceRelease posts a release marker inline and returns the delivery
// result.
func AnnounceRelease(revision, user string) error {
	return current().AnnounceRelease(revision, user)
}

// Flush forces the pending-transaction buffer out as one batch. Returns
// whether a flush occurred.
func Flush() bool {
	return current().FlushTransactions()
}

// MetricsRegistry returns the Prometheus registry holding the agent's
// self-telemetry, or nil when the agent is off.
func MetricsRegistry() *prometheus.Registry {
	c := current()
	if c == nil {
		return nil
	}
	return c.Metrics().Registry()
}
