// Package config holds agent configuration loaded from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all agent configuration.
//
// PostInterval is nil when unset, which means every submitted transaction
// triggers an immediate flush. A non-nil interval defers flushing until
// that much time has elapsed since the previous flush.
type Config struct {
	// Collector connection.
	APIKey   string `envconfig:"API_KEY"`
	Endpoint string `envconfig:"ENDPOINT" default:"https://collector.pulseapm.io"`

	// Feature switches.
	Active                 bool `envconfig:"ACTIVE" default:"true"`
	PerformanceDisabled    bool `envconfig:"PERFORMANCE_DISABLED" default:"false"`
	ErrorReportingDisabled bool `envconfig:"ERROR_REPORTING_DISABLED" default:"false"`
	WorkerDisabled         bool `envconfig:"WORKER_DISABLED" default:"false"`
	DebugTrace             bool `envconfig:"DEBUG_TRACE" default:"false"`

	// Delivery tuning.
	PostInterval      *time.Duration `envconfig:"POST_INTERVAL"`
	WorkerQuitTimeout time.Duration  `envconfig:"WORKER_QUIT_TIMEOUT" default:"5s"`

	// ErrorRateLimit caps error reports per second; ErrorRateBurst is the
	// burst allowance on top of it. Zero disables the limiter.
	ErrorRateLimit float64 `envconfig:"ERROR_RATE_LIMIT" default:"10"`
	ErrorRateBurst int     `envconfig:"ERROR_RATE_BURST" default:"20"`

	// MaxPending bounds the pending-transaction buffer. Zero means
	// unbounded; when set, the oldest buffered transaction is dropped to
	// make room for a new one.
	MaxPending int `envconfig:"MAX_PENDING" default:"0"`

	// Transport tuning.
	PostTimeout time.Duration `envconfig:"POST_TIMEOUT" default:"30s"`
	RetryCount  int           `envconfig:"RETRY_COUNT" default:"3"`
}

// Load loads configuration from PULSEAPM_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("pulseapm", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Endpoint:          "https://collector.pulseapm.io",
		Active:            true,
		WorkerQuitTimeout: 5 * time.Second,
		ErrorRateLimit:    10,
		ErrorRateBurst:    20,
		PostTimeout:       30 * time.Second,
		RetryCount:        3,
	}
}

// FlushEveryPost reports whether flush-every-time semantics are in effect.
func (c *Config) FlushEveryPost() bool {
	return c.PostInterval == nil
}
