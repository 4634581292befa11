//go:build debug

// Package check holds invariant assertions that only fire in debug builds
// (go build -tags debug). Release builds compile them to no-ops.
package check

import "fmt"

// Assert panics if cond is false.
func Assert(cond bool, msg string) {
	if !cond {
		panic("scrollr: assertion failed: " + msg)
	}
}

// Assertf panics if cond is false with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("scrollr: assertion failed: " + fmt.Sprintf(format, args...))
	}
}

// Enabled reports whether assertions are compiled in.
func Enabled() bool { return true }
