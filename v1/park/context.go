package park

import "context"

type threadKey struct{}

// WithThread returns a copy of ctx bound to t.
func WithThread(ctx context.Context, t *Thread) context.Context {
	return context.WithValue(ctx, threadKey{}, t)
}

// FromContext returns the thread bound to ctx, if any.
func FromContext(ctx context.Context) (*Thread, bool) {
	if ctx == nil {
		return nil, false
	}
	t, ok := ctx.Value(threadKey{}).(*Thread)
	return t, ok && t != nil
}

// Current returns the thread bound to ctx or a fresh anonymous thread when
// none is bound. Anonymous threads are never the same across calls.
func Current(ctx context.Context) *Thread {
	if t, ok := FromContext(ctx); ok {
		return t
	}
	return NewThread("")
}

// Spawn runs fn on a new goroutine with a new thread bound to its context.
func Spawn(ctx context.Context, name string, fn func(ctx context.Context)) *Thread {
	t := NewThread(name)
	tctx := WithThread(ctx, t)
	go fn(tctx)
	return t
}
