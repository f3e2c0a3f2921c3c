package model

import (
	"sync"
	"time"
)

// Trace is one timed span inside a transaction. Traces relate to each
// other through parent signatures; the parent list is relationship data,
// not ownership — the transaction owns every trace.
type Trace struct {
	txn       *Transaction // non-owning back-reference
	mu        sync.Mutex
	signature string
	kind      string
	parents   []string
	extra     map[string]string
	start     time.Time
	finished  bool
	duration  time.Duration
}

// TraceOption configures a trace at construction.
type TraceOption func(*Trace)

// WithKind sets the trace kind, e.g. "db.query" or "http.client".
func WithKind(kind string) TraceOption {
	return func(tr *Trace) { tr.kind = kind }
}

// WithParents overrides the default parent signatures.
func WithParents(parents ...string) TraceOption {
	return func(tr *Trace) { tr.parents = parents }
}

// WithExtra attaches key/value side data to the trace.
func WithExtra(extra map[string]string) TraceOption {
	return func(tr *Trace) {
		if tr.extra == nil {
			tr.extra = make(map[string]string, len(extra))
		}
		for k, v := range extra {
			tr.extra[k] = v
		}
	}
}

// Transaction returns the owning transaction.
func (tr *Trace) Transaction() *Transaction {
	if tr == nil {
		return nil
	}
	return tr.txn
}

// Signature returns the trace's signature.
func (tr *Trace) Signature() string {
	if tr == nil {
		return ""
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.signature
}

// setSignature renames the trace. Only the root trace is ever renamed,
// through Transaction.SetEndpoint.
func (tr *Trace) setSignature(v string) {
	tr.mu.Lock()
	tr.signature = v
	tr.mu.Unlock()
}

// Kind returns the trace kind, empty when unset.
func (tr *Trace) Kind() string {
	if tr == nil {
		return ""
	}
	return tr.kind
}

// Parents returns a copy of the ordered ancestor signatures.
func (tr *Trace) Parents() []string {
	if tr == nil {
		return nil
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]string, len(tr.parents))
	copy(out, tr.parents)
	return out
}

// SetExtra attaches one key/value pair of side data.
func (tr *Trace) SetExtra(key, value string) {
	if tr == nil {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.extra == nil {
		tr.extra = make(map[string]string)
	}
	tr.extra[key] = value
}

// Extra returns a copy of the trace's side data.
func (tr *Trace) Extra() map[string]string {
	if tr == nil {
		return nil
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.extra == nil {
		return nil
	}
	out := make(map[string]string, len(tr.extra))
	for k, v := range tr.extra {
		out[k] = v
	}
	return out
}

// StartTime returns the trace's start time.
func (tr *Trace) StartTime() time.Time {
	if tr == nil {
		return time.Time{}
	}
	return tr.start
}

// Finish marks the trace done and records its duration. Call-once;
// repeated calls are ignored.
func (tr *Trace) Finish() {
	if tr == nil {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.finished {
		return
	}
	tr.finished = true
	tr.duration = time.Since(tr.start)
}

// Finished reports whether the trace is done.
func (tr *Trace) Finished() bool {
	if tr == nil {
		return false
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.finished
}

// Duration returns the trace's duration, valid only after Finish.
func (tr *Trace) Duration() (time.Duration, bool) {
	if tr == nil {
		return 0, false
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.finished {
		return 0, false
	}
	return tr.duration, true
}
