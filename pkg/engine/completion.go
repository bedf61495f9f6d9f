package engine

import (
	"context"
	"sync"
)

// Completion is a one-shot future returned by IndexToBlock. It resolves
// exactly once: with nil when the requested target is reached or Stop ends
// the run, or with the error of a tick that aborts the run (spec §4.I, §7).
type Completion struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Wait blocks until the completion resolves or ctx is canceled.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the completion resolves, for use in
// select statements alongside other work.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the resolved error, or nil if still pending or successful.
// Callers that need to distinguish "pending" from "succeeded" should use
// Wait or Done instead.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}
