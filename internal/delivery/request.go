// Package delivery implements the outbound delivery pipeline: a
// many-producer/single-consumer FIFO queue and the single background
// worker that drains it into the transport.
package delivery

// requestKind tags the outbound request variant.
type requestKind int

const (
	kindPost requestKind = iota
	kindStop
)

// Request is one entry on the delivery queue: either a data post or the
// stop sentinel that shuts the worker down.
type Request struct {
	kind    requestKind
	Path    string
	Payload []byte
}

// NewPost builds a data-post request.
func NewPost(path string, payload []byte) Request {
	return Request{kind: kindPost, Path: path, Payload: payload}
}

// NewStop builds the stop sentinel. It carries no payload; because the
// queue is FIFO it is consumed only after every request enqueued before it.
func NewStop() Request {
	return Request{kind: kindStop}
}

// IsStop reports whether the request is the stop sentinel.
func (r Request) IsStop() bool {
	return r.kind == kindStop
}
