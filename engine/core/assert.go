package core

import (
	"fmt"
	"sync/atomic"
)

var debugAssertions atomic.Bool

func init() {
	debugAssertions.Store(true)
}

// SetDebugAssertions toggles precondition checking for the whole engine.
func SetDebugAssertions(enabled bool) {
	debugAssertions.Store(enabled)
}

func DebugAssertions() bool {
	return debugAssertions.Load()
}

// Assert returns an error wrapping ErrPrecondition when cond is false and
// debug assertions are on. With assertions off it always returns nil.
func Assert(cond bool, format string, args ...interface{}) error {
	if cond || !debugAssertions.Load() {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	LogError("assertion failed: %s", msg)
	return fmt.Errorf("%w: %s", ErrPrecondition, msg)
}
