// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go launches fn in a new goroutine. If fn panics, the panic is recovered and
// logged with the task name rather than crashing the process. Use it for
// long-lived background loops such as batch flushers and stats collectors.
func Go(name string, fn func()) {
	go Run(name, fn)
}

// Run calls fn on the current goroutine and recovers a panic the same way Go does.
// It reports whether fn returned normally.
func Run(name string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in background task",
				"task", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			ok = false
		}
	}()
	fn()
	return true
}
