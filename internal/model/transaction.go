// Package model defines the transaction and trace timing model.
//
// A Transaction is the root timed span for one logical unit of work (one
// request, one job run). It owns an ordered sequence of Traces rooted at a
// synthetic root trace that is created and started together with the
// transaction, so the root trace's duration equals the transaction's once
// both complete.
//
// All exported methods are safe on a nil receiver: when instrumentation is
// disabled the agent hands out nil transactions and instrumented code runs
// untouched.
package model

import (
	"sync"
	"time"

	"github.com/pulseapm/agent-go/internal/shared/id"
)

// RootSignature is the signature assigned to the synthetic root trace at
// construction, before an endpoint is known.
const RootSignature = "root"

// Notification is an ordered auxiliary event attached to a transaction.
type Notification struct {
	Name    string
	Payload map[string]any
	Time    time.Time
}

// Transaction is the root timed span for one unit of work.
type Transaction struct {
	mu            sync.Mutex
	requestID     id.TransactionID
	endpoint      string
	kind          string
	result        *int
	timestamp     time.Time
	start         time.Time
	duration      *time.Duration
	traces        []*Trace
	notifications []Notification
	root          *Trace
	finished      bool
	submit        func(*Transaction)
}

// Option configures a transaction at construction.
type Option func(*Transaction)

// WithSubmitter sets the function Submit hands the finished transaction to.
func WithSubmitter(submit func(*Transaction)) Option {
	return func(t *Transaction) { t.submit = submit }
}

// NewTransaction creates a transaction, capturing the creation time and
// immediately allocating and starting the root trace with the same start
// time. The wall-clock timestamp is rounded to the nearest minute.
func NewTransaction(endpoint, kind string, opts ...Option) *Transaction {
	now := time.Now()
	t := &Transaction{
		requestID: id.NewTransactionID(),
		kind:      kind,
		timestamp: now.Round(time.Minute),
		start:     now,
	}
	t.root = &Trace{
		txn:       t,
		signature: RootSignature,
		start:     now,
	}
	t.traces = []*Trace{t.root}
	for _, opt := range opts {
		opt(t)
	}
	if endpoint != "" {
		t.SetEndpoint(endpoint)
	}
	return t
}

// RequestID returns the transaction's unique identifier.
func (t *Transaction) RequestID() id.TransactionID {
	if t == nil {
		return ""
	}
	return t.requestID
}

// SetEndpoint sets the endpoint label. The endpoint and the root trace's
// signature are one logical field with two views, so both change together.
func (t *Transaction) SetEndpoint(v string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.endpoint = v
	t.mu.Unlock()
	t.root.setSignature(v)
}

// Endpoint returns the current endpoint label.
func (t *Transaction) Endpoint() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoint
}

// Kind returns the transaction kind, e.g. "http_request" or "background_job".
func (t *Transaction) Kind() string {
	if t == nil {
		return ""
	}
	return t.kind
}

// StartTime returns the transaction's start time.
func (t *Transaction) StartTime() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.start
}

// Timestamp returns the wall-clock timestamp, rounded to the nearest minute.
func (t *Transaction) Timestamp() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.timestamp
}

// Result returns the result code set at completion.
func (t *Transaction) Result() (int, bool) {
	if t == nil {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result == nil {
		return 0, false
	}
	return *t.result, true
}

// Duration returns the transaction's duration, valid only after Finish.
func (t *Transaction) Duration() (time.Duration, bool) {
	if t == nil {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.duration == nil {
		return 0, false
	}
	return *t.duration, true
}

// Root returns the synthetic root trace.
func (t *Transaction) Root() *Trace {
	if t == nil {
		return nil
	}
	return t.root
}

// Traces returns a copy of the transaction's trace sequence, root first.
// The sequence is append-only; it never shrinks or reorders.
func (t *Transaction) Traces() []*Trace {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Trace, len(t.traces))
	copy(out, t.traces)
	return out
}

// AddNotification appends an auxiliary event to the transaction.
func (t *Transaction) AddNotification(name string, payload map[string]any) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifications = append(t.notifications, Notification{
		Name:    name,
		Payload: payload,
		Time:    time.Now(),
	})
}

// Notifications returns a copy of the transaction's auxiliary events.
func (t *Transaction) Notifications() []Notification {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Notification, len(t.notifications))
	copy(out, t.notifications)
	return out
}

// StartTrace allocates a child trace, appends it to the trace sequence and
// starts it. Parents default to the root trace's current signature.
func (t *Transaction) StartTrace(signature string, opts ...TraceOption) *Trace {
	if t == nil {
		return nil
	}
	tr := &Trace{
		txn:       t,
		signature: signature,
		start:     time.Now(),
	}
	for _, opt := range opts {
		opt(tr)
	}
	if tr.parents == nil {
		tr.parents = []string{t.root.Signature()}
	}
	t.mu.Lock()
	t.traces = append(t.traces, tr)
	t.mu.Unlock()
	return tr
}

// WithTrace runs fn inside a child trace. The trace is marked done on every
// exit path, including a panic propagating out of fn, before control leaves
// this call. With a nil transaction fn runs directly and nothing is recorded.
func (t *Transaction) WithTrace(signature string, fn func() error, opts ...TraceOption) error {
	if t == nil {
		return fn()
	}
	tr := t.StartTrace(signature, opts...)
	defer tr.Finish()
	return fn()
}

// Finish sets the result, closes the root trace and copies its duration up
// as the transaction's duration. Finish is call-once; repeated calls are
// ignored.
func (t *Transaction) Finish(result int) {
	if t == nil {
		return
	}
	t.finish(result)
}

// finish reports whether this call performed the completion.
func (t *Transaction) finish(result int) bool {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return false
	}
	t.result = &result
	t.finished = true
	t.mu.Unlock()

	t.root.Finish()
	d, _ := t.root.Duration()
	t.mu.Lock()
	t.duration = &d
	t.mu.Unlock()
	return true
}

// Finished reports whether Finish has run.
func (t *Transaction) Finished() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// Submit finishes the transaction and hands it to the client's batching
// path. This is the single terminal operation instrumented code calls.
// A finished transaction is no longer current, so a later top-level
// instrumentation call on the same execution path starts a fresh one.
func (t *Transaction) Submit(result int) {
	if t == nil {
		return
	}
	if !t.finish(result) {
		return
	}
	if t.submit != nil {
		t.submit(t)
	}
}
