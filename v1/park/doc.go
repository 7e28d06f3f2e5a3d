// Package park provides the parking primitive the synchronizers are built on.
// A Thread carries a single park permit, an interrupt flag and a diagnostic
// blocker. Park consumes the permit or blocks until it is granted by Unpark,
// the thread is interrupted, the context is done or a deadline passes. Park
// may also return spuriously, so callers always loop and recheck their own
// wait condition.
//
// Go has no goroutine identity, so a Thread is bound to a context with
// WithThread and recovered with FromContext or Current.
package park
