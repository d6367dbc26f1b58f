package marketdata

import "sync"

// coalescer deduplicates concurrent identical requests: the first caller
// for a key performs the fetch, later callers for the same key wait and
// share the result, errors included.
type coalescer struct {
	mu    sync.Mutex
	calls map[string]*call
}

type call struct {
	done chan struct{}
	val  interface{}
	err  error
}

func newCoalescer() *coalescer {
	return &coalescer{calls: make(map[string]*call)}
}

// do runs fn once per concurrent key. The bool result reports whether this
// caller shared another caller's in-flight fetch.
func (c *coalescer) do(key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	c.mu.Lock()
	if existing, ok := c.calls[key]; ok {
		c.mu.Unlock()
		<-existing.done
		return existing.val, existing.err, true
	}

	cl := &call{done: make(chan struct{})}
	c.calls[key] = cl
	c.mu.Unlock()

	cl.val, cl.err = fn()

	c.mu.Lock()
	delete(c.calls, key)
	c.mu.Unlock()
	close(cl.done)

	return cl.val, cl.err, false
}
