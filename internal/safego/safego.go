// Package safego launches background goroutines that survive a panic.
package safego

import (
	"log/slog"
	"runtime/debug"

	"github.com/carbon-marketplace/icr-marketplace/internal/telemetry"
)

// Go runs fn in a new goroutine. A panic in fn is recovered, logged with its stack
// under task and counted in background_panics_total; the process keeps running.
func Go(task string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				telemetry.BackgroundPanicsTotal.WithLabelValues(task).Inc()
				slog.Error("recovered panic in background goroutine",
					"task", task, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
