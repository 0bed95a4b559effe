package memory

import (
	"sync"

	"github.com/glimte/mmate-ra/provider"
)

// fifo is an unbounded blocking message queue
type fifo struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []provider.Message
	closed bool
}

func newFIFO() *fifo {
	f := &fifo{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fifo) push(msgs ...provider.Message) {
	f.mu.Lock()
	f.items = append(f.items, msgs...)
	f.mu.Unlock()
	f.cond.Broadcast()
}

// pushFront requeues messages ahead of everything else, preserving their order
func (f *fifo) pushFront(msgs ...provider.Message) {
	if len(msgs) == 0 {
		return
	}
	f.mu.Lock()
	f.items = append(append([]provider.Message(nil), msgs...), f.items...)
	f.mu.Unlock()
	f.cond.Broadcast()
}

// take blocks until at least one message matching sel is queued, then removes
// up to max matching messages. It returns nil once stop reports true.
func (f *fifo) take(max int, sel provider.Selector, stop func() bool) []provider.Message {
	if max < 1 {
		max = 1
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if f.closed || stop() {
			return nil
		}
		var out []provider.Message
		kept := f.items[:0:0]
		for _, m := range f.items {
			if len(out) < max && sel.Matches(m) {
				out = append(out, m)
				continue
			}
			kept = append(kept, m)
		}
		if len(out) > 0 {
			f.items = kept
			return out
		}
		f.cond.Wait()
	}
}

func (f *fifo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// wake releases blocked takers so they can re-check their stop condition
func (f *fifo) wake() {
	f.mu.Lock()
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *fifo) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cond.Broadcast()
}
