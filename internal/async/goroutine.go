// Package async guards background goroutines: a panic in a heartbeat or a
// notify drain must not take the worker process down.
package async

import "runtime/debug"

// PanicLogger receives panic reports. logging.Logger satisfies it.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go starts fn on its own goroutine with panic recovery attached. label
// names the goroutine in the panic report.
func Go(logger PanicLogger, label string, fn func()) {
	go func() {
		defer Recover(logger, label)
		fn()
	}()
}

// Recover is the deferred half of Go. It is exported so callers that manage
// their own goroutines can reuse the same reporting.
func Recover(logger PanicLogger, label string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	if label == "" {
		label = "unnamed"
	}
	logger.Error("goroutine %s panicked: %v\n%s", label, r, debug.Stack())
}
