package transport

import (
	"context"
	"sync"
)

// pending is a connection attempt shared by every caller waiting on it.
// It settles exactly once; later settlements are ignored.
type pending struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newPending() *pending {
	return &pending{done: make(chan struct{})}
}

func (p *pending) settle(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// wait blocks until the attempt settles or ctx is done. Abandoning the wait
// does not abort the attempt for other waiters.
func (p *pending) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
