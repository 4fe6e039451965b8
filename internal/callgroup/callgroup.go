// Package callgroup coalesces concurrent calls that share a key.
//
// The registry watcher uses it so that a burst of filesystem events for the
// same registry file turns into a single reload: callers that arrive while a
// reload is running wait for it and share its error. Once the call returns
// the key is forgotten and the next call runs fn again.
package callgroup

import "sync"

// Group coalesces concurrent calls by key. The zero value is ready to use.
type Group[K comparable] struct {
	mu    sync.Mutex
	calls map[K]*call
}

type call struct {
	done chan struct{}
	err  error
}

// DoChan runs fn unless a call for key is already in flight, in which case
// the caller joins that call. The returned channel receives exactly one
// value and is never closed.
func (g *Group[K]) DoChan(key K, fn func() error) <-chan error {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call)
	}
	c, inFlight := g.calls[key]
	if !inFlight {
		c = &call{done: make(chan struct{})}
		g.calls[key] = c
	}
	g.mu.Unlock()

	if !inFlight {
		go g.run(key, c, fn)
	}

	ch := make(chan error, 1)
	go func() {
		<-c.done
		ch <- c.err
	}()
	return ch
}

// Do is the blocking form of DoChan.
func (g *Group[K]) Do(key K, fn func() error) error {
	return <-g.DoChan(key, fn)
}

func (g *Group[K]) run(key K, c *call, fn func() error) {
	c.err = fn()

	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()

	close(c.done)
}
