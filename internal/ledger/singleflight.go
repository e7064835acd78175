package ledger

import (
	"context"
	"sync"

	"github.com/mutua/hourledger/internal/horizon"
)

// loadFlight collapses concurrent account refreshes into one network
// fetch: the first caller starts the load, later callers wait on the
// same result. The in-flight cell is always cleared, success or
// failure, so a failed fetch never wedges future refreshes.
type loadFlight struct {
	mu  sync.Mutex
	cur *loadCall
}

type loadCall struct {
	done chan struct{}
	acc  *horizon.Account
	err  error
}

// do returns the call every concurrent waiter shares. onDone runs
// exactly once, before waiters are released, so the owner can merge the
// result into its cache without racing them.
func (f *loadFlight) do(load func() (*horizon.Account, error), onDone func(*loadCall)) *loadCall {
	f.mu.Lock()
	if f.cur != nil {
		c := f.cur
		f.mu.Unlock()
		return c
	}
	c := &loadCall{done: make(chan struct{})}
	f.cur = c
	f.mu.Unlock()

	go func() {
		c.acc, c.err = load()
		onDone(c)
		f.mu.Lock()
		f.cur = nil
		f.mu.Unlock()
		close(c.done)
	}()
	return c
}

// wait blocks until the call completes or ctx is cancelled.
func (c *loadCall) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
