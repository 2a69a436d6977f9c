package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers a panic and logs it at Error level with the full
// stack trace. Call it as a defer in any goroutine that isn't already
// guarded by one, e.g. the role-precreate file watcher or the scheduled
// recompute cron callback: a panic there would otherwise take down the
// whole process instead of just that one goroutine.
//
//	defer observability.RecoverPanic(logger, "role precreate watcher")
//
// The panic is not re-raised; the goroutine returns normally afterward.
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("PANIC recovered")
	}
}

// RecoverPanicWithCallback recovers a panic, logs it, and then runs callback
// so a caller can unblock waiters, e.g. closing a result channel other
// goroutines are reading from.
func RecoverPanicWithCallback(logger *Logger, context string, callback func()) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("PANIC recovered")
		if callback != nil {
			callback()
		}
	}
}

// MustRecover converts a recovered panic value into an error, for callers
// that want panics from third-party code surfaced as ordinary return errors
// instead of structured log lines. No stack trace is captured; use
// RecoverPanic when one is needed.
func MustRecover(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}
