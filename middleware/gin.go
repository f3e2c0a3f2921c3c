// Package middleware provides framework hooks that feed the agent.
package middleware

import (
	"sync/atomic"

	"github.com/gin-gonic/gin"

	pulseapm "github.com/pulseapm/agent-go"
)

// Gin returns middleware that instruments every request as one
// transaction: endpoint "METHOD /route", kind "http_request", result from
// the response status. The request context carries the transaction so
// handlers can add child traces. A request already running inside a
// transaction is left alone — the outer instrumentation owns it.
func Gin() gin.HandlerFunc {
	enabled := &atomic.Bool{}
	enabled.Store(true)
	return ginHandler(enabled)
}

func ginHandler(enabled *atomic.Bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled.Load() {
			c.Next()
			return
		}
		if pulseapm.TransactionFromContext(c.Request.Context()) != nil {
			c.Next()
			return
		}

		ctx, txn := pulseapm.StartTransaction(c.Request.Context(), endpointName(c), "http_request")
		if txn == nil {
			c.Next()
			return
		}
		c.Request = c.Request.WithContext(ctx)

		defer func() {
			if r := recover(); r != nil {
				pulseapm.Report(ctx, r)
				txn.SetEndpoint(endpointName(c))
				txn.Submit(500)
				panic(r)
			}
		}()

		c.Next()

		// Route parameters resolve during handling, so the endpoint is
		// refreshed before submit.
		txn.SetEndpoint(endpointName(c))
		txn.Submit(c.Writer.Status())
	}
}

func endpointName(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	return c.Request.Method + " " + route
}

// GinSubscriber installs the gin middleware through the agent's
// subscriber registry, so Stop disarms it during shutdown. Gin cannot
// remove middleware once added, so Unsubscribe flips the handler to
// pass-through instead.
type GinSubscriber struct {
	engine    *gin.Engine
	enabled   atomic.Bool
	installed atomic.Bool
}

// NewGinSubscriber creates a subscriber for the given engine.
func NewGinSubscriber(engine *gin.Engine) *GinSubscriber {
	return &GinSubscriber{engine: engine}
}

// Name identifies the subscriber.
func (s *GinSubscriber) Name() string { return "gin" }

// Subscribe installs the instrumentation middleware on the engine.
func (s *GinSubscriber) Subscribe() error {
	s.enabled.Store(true)
	if s.installed.CompareAndSwap(false, true) {
		s.engine.Use(ginHandler(&s.enabled))
	}
	return nil
}

// Unsubscribe disarms the installed middleware.
func (s *GinSubscriber) Unsubscribe() error {
	s.enabled.Store(false)
	return nil
}
