// Package transport posts payloads to the collector over HTTP. Retry and
// backoff live entirely here, behind the delivery.Transport interface —
// the worker dispatches each request exactly once.
package transport

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/pulseapm/agent-go/internal/config"
	"github.com/pulseapm/agent-go/internal/logging"
)

const userAgent = "pulseapm-go/1.2"

// HTTP posts gzip-compressed JSON payloads to the collector.
type HTTP struct {
	client *resty.Client
	apiKey string
	log    *logging.Logger
}

// New creates a transport for the configured collector endpoint.
func New(cfg *config.Config, log *logging.Logger) *HTTP {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryCount
	retryClient.Logger = nil

	client := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(cfg.PostTimeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(30*time.Second).
		SetHeader("User-Agent", userAgent).
		SetTransport(retryClient.HTTPClient.Transport)

	return &HTTP{
		client: client,
		apiKey: cfg.APIKey,
		log:    log,
	}
}

// Post delivers one payload to the collector path.
func (h *HTTP) Post(path string, payload []byte) error {
	body, err := compress(payload)
	if err != nil {
		return fmt.Errorf("compress payload: %w", err)
	}

	resp, err := h.client.R().
		SetHeader("Content-Type", "application/json").
		SetHeader("Content-Encoding", "gzip").
		SetQueryParam("api_key", h.apiKey).
		SetBody(body).
		Post(path)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("post %s: collector returned %s", path, resp.Status())
	}

	h.log.Debug("payload posted",
		zap.String("path", path),
		zap.Int("compressed_bytes", len(body)),
	)
	return nil
}

func compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
