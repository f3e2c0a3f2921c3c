package delivery

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseapm/agent-go/internal/logging"
	"github.com/pulseapm/agent-go/internal/monitoring"
)

// fakeTransport records posts; it can fail, panic or stall on demand.
type fakeTransport struct {
	mu      sync.Mutex
	paths   []string
	err     error
	panicOn string
	delay   time.Duration
}

func (f *fakeTransport) Post(path string, _ []byte) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()
	if path == f.panicOn {
		panic("transport exploded")
	}
	return f.err
}

func (f *fakeTransport) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.paths))
	copy(out, f.paths)
	return out
}

func newTestWorker(q *Queue, tr Transport) *Worker {
	return NewWorker(q, tr, logging.NewNop(), monitoring.NewMetrics())
}

func TestWorkerDispatchesInFIFOOrder(t *testing.T) {
	q := NewQueue()
	tr := &fakeTransport{}
	w := newTestWorker(q, tr)

	q.Push(NewPost("/a", nil))
	q.Push(NewPost("/b", nil))
	q.Push(NewPost("/c", nil))
	q.Push(NewStop())

	w.Start()
	require.True(t, w.Join(time.Second))
	assert.Equal(t, []string{"/a", "/b", "/c"}, tr.Paths())
	assert.False(t, w.Alive())
}

func TestWorkerKeepsGoingAfterPostFailure(t *testing.T) {
	q := NewQueue()
	tr := &fakeTransport{err: errors.New("collector down")}
	w := newTestWorker(q, tr)

	q.Push(NewPost("/a", nil))
	q.Push(NewPost("/b", nil))
	q.Push(NewStop())

	w.Start()
	require.True(t, w.Join(time.Second))
	assert.Equal(t, []string{"/a", "/b"}, tr.Paths())
}

func TestWorkerPanicIsFatalToWorkerOnly(t *testing.T) {
	q := NewQueue()
	tr := &fakeTransport{panicOn: "/a"}
	w := newTestWorker(q, tr)

	q.Push(NewPost("/a", nil))
	q.Push(NewPost("/b", nil))

	w.Start()
	require.True(t, w.Join(time.Second))
	assert.False(t, w.Alive())

	// The queue keeps accepting; nothing drains until a new worker runs.
	q.Push(NewPost("/c", nil))
	assert.Equal(t, 2, q.Len())

	replacement := newTestWorker(q, &fakeTransport{})
	replacement.Start()
	q.Push(NewStop())
	require.True(t, replacement.Join(time.Second))
}

func TestWorkerJoinTimesOut(t *testing.T) {
	q := NewQueue()
	tr := &fakeTransport{delay: 300 * time.Millisecond}
	w := newTestWorker(q, tr)

	q.Push(NewPost("/slow", nil))
	q.Push(NewStop())

	w.Start()
	assert.False(t, w.Join(20*time.Millisecond))
	// A generous join still succeeds afterwards.
	assert.True(t, w.Join(2*time.Second))
}
