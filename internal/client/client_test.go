package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseapm/agent-go/internal/client"
	"github.com/pulseapm/agent-go/internal/config"
	"github.com/pulseapm/agent-go/internal/logging"
	"github.com/pulseapm/agent-go/internal/model"
	"github.com/pulseapm/agent-go/internal/registry"
)

type post struct {
	path    string
	payload []byte
}

// fakeTransport records every post the worker dispatches.
type fakeTransport struct {
	mu    sync.Mutex
	posts []post
	delay time.Duration
}

func (f *fakeTransport) Post(path string, payload []byte) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, post{path: path, payload: payload})
	return nil
}

func (f *fakeTransport) Posts() []post {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]post, len(f.posts))
	copy(out, f.posts)
	return out
}

func (f *fakeTransport) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

type batchEnvelope struct {
	BatchID      string `json:"batch_id"`
	Transactions []struct {
		RequestID string  `json:"request_id"`
		Endpoint  string  `json:"endpoint"`
		Result    int     `json:"result"`
		Duration  float64 `json:"duration"`
		Traces    []struct {
			Signature string   `json:"signature"`
			Parents   []string `json:"parents"`
		} `json:"traces"`
	} `json:"transactions"`
}

type errorEnvelope struct {
	ReportID string            `json:"report_id"`
	Class    string            `json:"class"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context"`
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.WorkerQuitTimeout = 2 * time.Second
	cfg.ErrorRateLimit = 0 // most tests want every report delivered
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Config) (*client.Client, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	c := client.New(cfg, client.WithTransport(tr), client.WithLogger(logging.NewNop()))
	t.Cleanup(c.Stop)
	return c, tr
}

func submitFinished(c *client.Client, endpoint string) *model.Transaction {
	txn := model.NewTransaction(endpoint, "http_request", model.WithSubmitter(c.SubmitTransaction))
	txn.Submit(200)
	return txn
}

func TestFlushTransactions(t *testing.T) {
	t.Run("empty buffer is a no-op", func(t *testing.T) {
		c, tr := newTestClient(t, testConfig())

		assert.False(t, c.FlushTransactions())
		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, tr.Count())
	})

	t.Run("one batch carries the whole buffer and clears it", func(t *testing.T) {
		cfg := testConfig()
		interval := time.Hour
		cfg.PostInterval = &interval
		c, tr := newTestClient(t, cfg)

		want := make(map[string]bool)
		for i := 0; i < 3; i++ {
			txn := submitFinished(c, "GET /users")
			want[txn.RequestID().String()] = true
		}

		require.True(t, c.FlushTransactions())
		require.Eventually(t, func() bool { return tr.Count() == 1 }, time.Second, 5*time.Millisecond)

		var env batchEnvelope
		require.NoError(t, sonic.Unmarshal(tr.Posts()[0].payload, &env))
		assert.Equal(t, client.TransactionsPath, tr.Posts()[0].path)
		assert.NotEmpty(t, env.BatchID)
		require.Len(t, env.Transactions, 3)
		for _, txn := range env.Transactions {
			assert.True(t, want[txn.RequestID])
		}

		// Buffer cleared: a second flush has nothing to ship.
		assert.False(t, c.FlushTransactions())
	})
}

func TestSubmitFlushPolicy(t *testing.T) {
	t.Run("no interval flushes on every submit", func(t *testing.T) {
		c, tr := newTestClient(t, testConfig())

		txn := submitFinished(c, "GET /users")

		require.Eventually(t, func() bool { return tr.Count() == 1 }, time.Second, 5*time.Millisecond)
		var env batchEnvelope
		require.NoError(t, sonic.Unmarshal(tr.Posts()[0].payload, &env))
		require.Len(t, env.Transactions, 1)
		assert.Equal(t, txn.RequestID().String(), env.Transactions[0].RequestID)
	})

	t.Run("submissions within the interval defer flushing", func(t *testing.T) {
		cfg := testConfig()
		interval := time.Hour
		cfg.PostInterval = &interval
		c, tr := newTestClient(t, cfg)

		for i := 0; i < 5; i++ {
			submitFinished(c, "GET /users")
		}

		time.Sleep(30 * time.Millisecond)
		assert.Zero(t, tr.Count())
	})

	t.Run("an elapsed interval triggers the flush", func(t *testing.T) {
		cfg := testConfig()
		interval := 10 * time.Millisecond
		cfg.PostInterval = &interval
		c, tr := newTestClient(t, cfg)

		submitFinished(c, "GET /users")
		time.Sleep(30 * time.Millisecond)
		submitFinished(c, "GET /users")

		require.Eventually(t, func() bool { return tr.Count() == 1 }, time.Second, 5*time.Millisecond)
		var env batchEnvelope
		require.NoError(t, sonic.Unmarshal(tr.Posts()[0].payload, &env))
		assert.Len(t, env.Transactions, 2)
	})
}

func TestIncompleteTransactionsNeverDeliver(t *testing.T) {
	c, tr := newTestClient(t, testConfig())

	txn := model.NewTransaction("GET /users", "http_request")
	c.SubmitTransaction(txn)

	assert.False(t, c.FlushTransactions())
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, tr.Count())
}

func TestMaxPendingDropsOldest(t *testing.T) {
	cfg := testConfig()
	interval := time.Hour
	cfg.PostInterval = &interval
	cfg.MaxPending = 2
	c, tr := newTestClient(t, cfg)

	first := submitFinished(c, "GET /first")
	second := submitFinished(c, "GET /second")
	third := submitFinished(c, "GET /third")

	require.True(t, c.FlushTransactions())
	require.Eventually(t, func() bool { return tr.Count() == 1 }, time.Second, 5*time.Millisecond)

	var env batchEnvelope
	require.NoError(t, sonic.Unmarshal(tr.Posts()[0].payload, &env))
	require.Len(t, env.Transactions, 2)
	assert.Equal(t, second.RequestID().String(), env.Transactions[0].RequestID)
	assert.Equal(t, third.RequestID().String(), env.Transactions[1].RequestID)
	for _, txn := range env.Transactions {
		assert.NotEqual(t, first.RequestID().String(), txn.RequestID)
	}
}

func TestReport(t *testing.T) {
	t.Run("bypasses batching regardless of transaction state", func(t *testing.T) {
		c, tr := newTestClient(t, testConfig())

		c.Report(context.Background(), errors.New("boom"))

		require.Eventually(t, func() bool { return tr.Count() == 1 }, time.Second, 5*time.Millisecond)
		p := tr.Posts()[0]
		assert.Equal(t, client.ErrorsPath, p.path)

		var env errorEnvelope
		require.NoError(t, sonic.Unmarshal(p.payload, &env))
		assert.Equal(t, "boom", env.Message)
		assert.Contains(t, env.ReportID, "err_")
	})

	t.Run("consumes the error-context side channel", func(t *testing.T) {
		c, tr := newTestClient(t, testConfig())

		ctx := context.Background()
		scoped := registry.WithErrorContext(ctx, map[string]string{"user": "42"})
		scoped = registry.WithErrorContext(scoped, map[string]string{"feature": "checkout"})
		c.Report(scoped, errors.New("boom"))

		require.Eventually(t, func() bool { return tr.Count() == 1 }, time.Second, 5*time.Millisecond)
		var env errorEnvelope
		require.NoError(t, sonic.Unmarshal(tr.Posts()[0].payload, &env))
		assert.Equal(t, map[string]string{"user": "42", "feature": "checkout"}, env.Context)
	})

	t.Run("disabled error reporting is a silent no-op", func(t *testing.T) {
		cfg := testConfig()
		cfg.ErrorReportingDisabled = true
		c, tr := newTestClient(t, cfg)

		c.Report(context.Background(), errors.New("boom"))

		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, tr.Count())
	})

	t.Run("reports beyond the rate limit are dropped", func(t *testing.T) {
		cfg := testConfig()
		cfg.ErrorRateLimit = 1
		cfg.ErrorRateBurst = 1
		c, tr := newTestClient(t, cfg)

		c.Report(context.Background(), errors.New("first"))
		c.Report(context.Background(), errors.New("second"))

		require.Eventually(t, func() bool { return tr.Count() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, 1, tr.Count())
	})
}

func TestStopDrainsFIFO(t *testing.T) {
	c, tr := newTestClient(t, testConfig())
	tr.delay = 2 * time.Millisecond

	var want []string
	for i := 0; i < 5; i++ {
		txn := submitFinished(c, "GET /users")
		want = append(want, txn.RequestID().String())
	}
	c.Report(context.Background(), errors.New("boom"))

	c.Stop()

	// Every post enqueued before the sentinel was delivered, in order.
	posts := tr.Posts()
	require.Len(t, posts, 6)
	for i := 0; i < 5; i++ {
		var env batchEnvelope
		require.NoError(t, sonic.Unmarshal(posts[i].payload, &env))
		require.Len(t, env.Transactions, 1)
		assert.Equal(t, want[i], env.Transactions[0].RequestID)
	}
	assert.Equal(t, client.ErrorsPath, posts[5].path)
}

func TestStopFlushesPendingBuffer(t *testing.T) {
	cfg := testConfig()
	interval := time.Hour
	cfg.PostInterval = &interval
	c, tr := newTestClient(t, cfg)

	submitFinished(c, "GET /users")
	submitFinished(c, "GET /users")

	c.Stop()

	require.Equal(t, 1, tr.Count())
	var env batchEnvelope
	require.NoError(t, sonic.Unmarshal(tr.Posts()[0].payload, &env))
	assert.Len(t, env.Transactions, 2)
}

// gateTransport holds every post until released, so tests can pin the
// worker inside a dispatch.
type gateTransport struct {
	inner   *fakeTransport
	entered chan struct{}
	release chan struct{}
}

func (g *gateTransport) Post(path string, payload []byte) error {
	g.entered <- struct{}{}
	<-g.release
	return g.inner.Post(path, payload)
}

func TestStopWithBusyWorkerBootsNoReplacement(t *testing.T) {
	cfg := testConfig()
	tr := &fakeTransport{}
	gate := &gateTransport{
		inner:   tr,
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	c := client.New(cfg, client.WithTransport(gate), client.WithLogger(logging.NewNop()))

	// Boot the worker and pin it inside the first post.
	submitFinished(c, "GET /users")
	<-gate.entered

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	// Let Stop push the sentinel, then enqueue more work mid-drain. No
	// replacement worker may boot: a second consumer could steal the
	// sentinel and strand the first worker past Stop's join.
	time.Sleep(20 * time.Millisecond)
	c.Report(context.Background(), errors.New("late"))

	select {
	case <-stopped:
		t.Fatal("Stop returned while the worker was still dispatching")
	case <-time.After(20 * time.Millisecond):
	}

	close(gate.release)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the transport unblocked")
	}

	// The single worker delivered the pinned post, then consumed the
	// sentinel; the late report stays queued, undelivered.
	posts := tr.Posts()
	require.Len(t, posts, 1)
	assert.Equal(t, client.TransactionsPath, posts[0].path)
}

func TestWorkerDisabledEnqueuesOnly(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerDisabled = true
	c, tr := newTestClient(t, cfg)

	submitFinished(c, "GET /users")

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, tr.Count())
}

func TestStartTransaction(t *testing.T) {
	t.Run("reuses the current transaction", func(t *testing.T) {
		c, _ := newTestClient(t, testConfig())

		ctx, first := c.StartTransaction(context.Background(), "GET /users", "http_request")
		require.NotNil(t, first)
		ctx2, second := c.StartTransaction(ctx, "GET /other", "http_request")

		assert.Same(t, first, second)
		assert.Equal(t, ctx, ctx2)
		assert.Equal(t, "GET /users", second.Endpoint())
	})

	t.Run("a submitted transaction is no longer current", func(t *testing.T) {
		c, _ := newTestClient(t, testConfig())

		ctx, first := c.StartTransaction(context.Background(), "GET /users", "http_request")
		first.Submit(200)
		_, second := c.StartTransaction(ctx, "GET /users", "http_request")

		require.NotNil(t, second)
		assert.NotSame(t, first, second)
	})

	t.Run("performance disabled returns nil without failing", func(t *testing.T) {
		cfg := testConfig()
		cfg.PerformanceDisabled = true
		c, tr := newTestClient(t, cfg)

		ctx, txn := c.StartTransaction(context.Background(), "GET /users", "http_request")
		assert.Nil(t, txn)
		assert.Equal(t, context.Background(), ctx)

		txn.Submit(200)
		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, tr.Count())
	})
}

func TestTrace(t *testing.T) {
	t.Run("records a child trace on the current transaction", func(t *testing.T) {
		c, _ := newTestClient(t, testConfig())
		ctx, txn := c.StartTransaction(context.Background(), "GET /users", "http_request")

		err := c.Trace(ctx, "users.load", func() error { return nil })

		require.NoError(t, err)
		traces := txn.Traces()
		require.Len(t, traces, 2)
		assert.Equal(t, "users.load", traces[1].Signature())
		assert.Equal(t, []string{"GET /users"}, traces[1].Parents())
	})

	t.Run("no current transaction degrades to running the body", func(t *testing.T) {
		c, _ := newTestClient(t, testConfig())
		boom := errors.New("boom")

		ran := false
		err := c.Trace(context.Background(), "users.load", func() error {
			ran = true
			return boom
		})

		assert.True(t, ran)
		assert.Same(t, boom, err)
	})
}

func TestMonitor(t *testing.T) {
	t.Run("submits on success", func(t *testing.T) {
		c, tr := newTestClient(t, testConfig())

		err := c.Monitor(context.Background(), "GET /users", "http_request", func(ctx context.Context) error {
			return nil
		})

		require.NoError(t, err)
		require.Eventually(t, func() bool { return tr.Count() == 1 }, time.Second, 5*time.Millisecond)
		var env batchEnvelope
		require.NoError(t, sonic.Unmarshal(tr.Posts()[0].payload, &env))
		require.Len(t, env.Transactions, 1)
		assert.Equal(t, 200, env.Transactions[0].Result)
	})

	t.Run("a panic is reported once then re-raised unchanged", func(t *testing.T) {
		c, tr := newTestClient(t, testConfig())

		var recovered any
		func() {
			defer func() { recovered = recover() }()
			_ = c.Monitor(context.Background(), "GET /users", "http_request", func(ctx context.Context) error {
				panic("boom")
			})
		}()

		assert.Equal(t, "boom", recovered)
		require.Eventually(t, func() bool { return tr.Count() == 2 }, time.Second, 5*time.Millisecond)

		var errorPosts, txnPosts int
		for _, p := range tr.Posts() {
			switch p.path {
			case client.ErrorsPath:
				errorPosts++
			case client.TransactionsPath:
				txnPosts++
			}
		}
		assert.Equal(t, 1, errorPosts)
		assert.Equal(t, 1, txnPosts)
	})

	t.Run("runs the body directly inside an existing transaction", func(t *testing.T) {
		c, _ := newTestClient(t, testConfig())
		ctx, outer := c.StartTransaction(context.Background(), "GET /users", "http_request")

		err := c.Monitor(ctx, "inner", "http_request", func(inner context.Context) error {
			_, reused := c.StartTransaction(inner, "ignored", "http_request")
			assert.Same(t, outer, reused)
			return nil
		})

		require.NoError(t, err)
		assert.False(t, outer.Finished())
	})
}

func TestNilClientIsSafe(t *testing.T) {
	var c *client.Client

	assert.NotPanics(t, func() {
		ctx, txn := c.StartTransaction(context.Background(), "GET /users", "http_request")
		assert.Nil(t, txn)
		_ = c.Trace(ctx, "s", func() error { return nil })
		c.Report(ctx, errors.New("boom"))
		c.SubmitTransaction(nil)
		assert.False(t, c.FlushTransactions())
		c.Stop()
	})
}
