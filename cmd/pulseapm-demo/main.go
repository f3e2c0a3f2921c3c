// Demo server showing the agent wired into a gin application.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	pulseapm "github.com/pulseapm/agent-go"
	"github.com/pulseapm/agent-go/middleware"
)

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	if err := pulseapm.Start(nil); err != nil {
		log.Fatalf("failed to start agent: %v", err)
	}
	defer pulseapm.Stop()

	r := gin.Default()
	if err := pulseapm.RegisterSubscriber(middleware.NewGinSubscriber(r)); err != nil {
		log.Fatalf("failed to subscribe: %v", err)
	}

	r.GET("/users/:id", func(c *gin.Context) {
		ctx := c.Request.Context()
		_ = pulseapm.TraceFunc(ctx, "users.load", func() error {
			time.Sleep(5 * time.Millisecond)
			return nil
		}, pulseapm.WithKind("db.query"))
		c.JSON(200, gin.H{"id": c.Param("id")})
	})

	r.GET("/boom", func(c *gin.Context) {
		ctx := pulseapm.WithErrorContext(c.Request.Context(), map[string]string{
			"feature": "demo",
		})
		pulseapm.Report(ctx, context.DeadlineExceeded)
		c.JSON(500, gin.H{"error": "reported"})
	})

	if reg := pulseapm.MetricsRegistry(); reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	if err := r.Run(*addr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
