// Package health provides liveness and readiness probes.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// CheckFunc probes a single dependency. It should return quickly; the
// handler bounds each probe with a short timeout.
type CheckFunc func(ctx context.Context) error

// Checker aggregates dependency probes for the readiness endpoint.
type Checker struct {
	checks map[string]CheckFunc
}

// New creates an empty Checker.
func New() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// Register adds a named dependency probe.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.checks[name] = fn
}

// RegisterDB registers a database ping probe.
func (c *Checker) RegisterDB(db *sql.DB) {
	c.Register("database", func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
}

// LiveHandler reports process liveness. It never checks dependencies.
func (c *Checker) LiveHandler() gin.HandlerFunc {
	return func(gc *gin.Context) {
		gc.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// ReadyHandler runs all registered probes and reports per-dependency status.
// Any failing probe yields 503.
func (c *Checker) ReadyHandler() gin.HandlerFunc {
	return func(gc *gin.Context) {
		ctx, cancel := context.WithTimeout(gc.Request.Context(), 5*time.Second)
		defer cancel()

		components := make(map[string]string, len(c.checks))
		healthy := true
		for name, fn := range c.checks {
			if err := fn(ctx); err != nil {
				components[name] = "unhealthy: " + err.Error()
				healthy = false
			} else {
				components[name] = "ok"
			}
		}

		status := http.StatusOK
		overall := "ok"
		if !healthy {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}
		gc.JSON(status, gin.H{
			"status":     overall,
			"components": components,
			"time":       time.Now().UTC().Format(time.RFC3339),
		})
	}
}
