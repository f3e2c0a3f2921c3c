// Package registry tracks the current transaction per execution path.
//
// The context.Context threaded through call sites is the execution-unit
// identity: the active transaction travels in the context, never across
// goroutines that were not handed that context. This isolation is
// intentional — there is no cross-goroutine visibility of currency.
package registry

import (
	"context"

	"github.com/pulseapm/agent-go/internal/model"
)

type contextKey int

const (
	transactionKey contextKey = iota
	errorContextKey
)

// NewContext returns a context carrying t as the current transaction.
func NewContext(ctx context.Context, t *model.Transaction) context.Context {
	return context.WithValue(ctx, transactionKey, t)
}

// FromContext returns the transaction stored in ctx, finished or not.
func FromContext(ctx context.Context) *model.Transaction {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(transactionKey).(*model.Transaction)
	return t
}

// Current returns the active transaction for this execution path, or nil.
// A finished transaction is no longer current: submitting clears currency,
// so a later top-level instrumentation call starts fresh.
func Current(ctx context.Context) *model.Transaction {
	t := FromContext(ctx)
	if t == nil || t.Finished() {
		return nil
	}
	return t
}

// WithErrorContext merges kv over the current error-context side channel.
// The merged set is scoped to the derived context; using the parent context
// restores the prior set, so scope exit needs no explicit cleanup. The side
// channel is only consumed when building error reports.
func WithErrorContext(ctx context.Context, kv map[string]string) context.Context {
	if len(kv) == 0 {
		return ctx
	}
	current := ErrorContext(ctx)
	merged := make(map[string]string, len(current)+len(kv))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range kv {
		merged[k] = v
	}
	return context.WithValue(ctx, errorContextKey, merged)
}

// ErrorContext returns the merged error-context side channel for ctx.
func ErrorContext(ctx context.Context) map[string]string {
	if ctx == nil {
		return nil
	}
	m, _ := ctx.Value(errorContextKey).(map[string]string)
	return m
}
