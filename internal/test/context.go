package test

import (
	"context"
	"time"
)

type Cleaner interface {
	Cleanup(fn func())
}

// Context returns a context that is cancelled when the test finishes.
func Context(c Cleaner) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	c.Cleanup(func() {
		cancel()
	})

	return ctx
}

// TimeoutContext is like Context, but also cancels the context after the
// given timeout.
func TimeoutContext(c Cleaner, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	c.Cleanup(func() {
		cancel()
	})

	return ctx
}
