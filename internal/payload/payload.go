// Package payload builds the JSON bodies posted to the collector: the
// transactions batch, the single-error report, and the release marker.
package payload

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/pulseapm/agent-go/internal/model"
	"github.com/pulseapm/agent-go/internal/shared/id"
)

type batchEnvelope struct {
	BatchID      string               `json:"batch_id"`
	Timestamp    int64                `json:"timestamp"`
	Transactions []transactionPayload `json:"transactions"`
}

type transactionPayload struct {
	RequestID     string                `json:"request_id"`
	Endpoint      string                `json:"endpoint"`
	Kind          string                `json:"kind"`
	Result        int                   `json:"result"`
	Timestamp     int64                 `json:"timestamp"`
	Start         float64               `json:"start"`
	Duration      float64               `json:"duration"`
	Traces        []tracePayload        `json:"traces"`
	Notifications []notificationPayload `json:"notifications,omitempty"`
}

type tracePayload struct {
	Signature string            `json:"signature"`
	Kind      string            `json:"kind,omitempty"`
	Parents   []string          `json:"parents,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
	Start     float64           `json:"start"`
	Duration  float64           `json:"duration"`
}

type notificationPayload struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
	Time    int64          `json:"time"`
}

type errorEnvelope struct {
	ReportID    string              `json:"report_id"`
	Timestamp   int64               `json:"timestamp"`
	Class       string              `json:"class"`
	Message     string              `json:"message"`
	Backtrace   []string            `json:"backtrace,omitempty"`
	Context     map[string]string   `json:"context,omitempty"`
	Transaction *transactionSummary `json:"transaction,omitempty"`
}

type transactionSummary struct {
	RequestID string `json:"request_id"`
	Endpoint  string `json:"endpoint"`
	Kind      string `json:"kind"`
}

type releaseEnvelope struct {
	Revision  string `json:"revision"`
	User      string `json:"user,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// BuildTransactions serializes a batch of finished transactions into one
// payload. Unfinished transactions are skipped: a transaction that never
// completed has no duration and must not be delivered.
func BuildTransactions(txns []*model.Transaction) ([]byte, error) {
	env := batchEnvelope{
		BatchID:      uuid.New().String(),
		Timestamp:    time.Now().Unix(),
		Transactions: make([]transactionPayload, 0, len(txns)),
	}
	for _, t := range txns {
		if !t.Finished() {
			continue
		}
		env.Transactions = append(env.Transactions, buildTransaction(t))
	}
	return sonic.Marshal(env)
}

func buildTransaction(t *model.Transaction) transactionPayload {
	result, _ := t.Result()
	duration, _ := t.Duration()

	p := transactionPayload{
		RequestID: t.RequestID().String(),
		Endpoint:  t.Endpoint(),
		Kind:      t.Kind(),
		Result:    result,
		Timestamp: t.Timestamp().Unix(),
		Start:     epochSeconds(t.StartTime()),
		Duration:  duration.Seconds(),
	}

	for _, tr := range t.Traces() {
		d, _ := tr.Duration()
		p.Traces = append(p.Traces, tracePayload{
			Signature: tr.Signature(),
			Kind:      tr.Kind(),
			Parents:   tr.Parents(),
			Extra:     tr.Extra(),
			Start:     epochSeconds(tr.StartTime()),
			Duration:  d.Seconds(),
		})
	}

	for _, n := range t.Notifications() {
		p.Notifications = append(p.Notifications, notificationPayload{
			Name:    n.Name,
			Payload: n.Payload,
			Time:    n.Time.Unix(),
		})
	}

	return p
}

// ErrorReport describes one captured fault for delivery.
type ErrorReport struct {
	Value       any
	Backtrace   []string
	Context     map[string]string
	Transaction *model.Transaction
}

// BuildError serializes a single error report. The error-context side
// channel is consumed here and nowhere else.
func BuildError(r ErrorReport) ([]byte, error) {
	env := errorEnvelope{
		ReportID:  id.NewReportID().String(),
		Timestamp: time.Now().Unix(),
		Class:     fmt.Sprintf("%T", r.Value),
		Message:   fmt.Sprintf("%v", r.Value),
		Backtrace: r.Backtrace,
		Context:   r.Context,
	}
	if err, ok := r.Value.(error); ok {
		env.Message = err.Error()
	}
	if t := r.Transaction; t != nil {
		env.Transaction = &transactionSummary{
			RequestID: t.RequestID().String(),
			Endpoint:  t.Endpoint(),
			Kind:      t.Kind(),
		}
	}
	return sonic.Marshal(env)
}

// BuildRelease serializes a release marker.
func BuildRelease(revision, user string) ([]byte, error) {
	return sonic.Marshal(releaseEnvelope{
		Revision:  revision,
		User:      user,
		Timestamp: time.Now().Unix(),
	})
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
