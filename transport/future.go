package transport

import (
	"context"
	"sync"
)

// Future is the asynchronous outcome of Bind. It resolves exactly once.
type Future struct {
	once    sync.Once
	done    chan struct{}
	binding *Binding
	err     error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(b *Binding, err error) {
	f.once.Do(func() {
		f.binding = b
		f.err = err
		close(f.done)
	})
}

// Done is closed when the Future has resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future) Result() (*Binding, error) {
	<-f.done
	return f.binding, f.err
}

// Wait blocks until the Future resolves or ctx is done. Giving up on the
// wait does not abandon the bind: cancel the ctx passed to Bind for that.
func (f *Future) Wait(ctx context.Context) (*Binding, error) {
	select {
	case <-f.done:
		return f.binding, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Abandon releases the binding, if the Future ever resolves to one. It is for
// callers that stopped waiting and will never take ownership.
func (f *Future) Abandon() {
	go func() {
		if b, err := f.Result(); err == nil && b != nil {
			b.Release()
		}
	}()
}
