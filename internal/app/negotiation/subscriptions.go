package negotiation

import (
	"sync"

	"github.com/dkeye/Callkit/internal/core"
)

// subscriptions owns every store subscription of one session so teardown
// releases them all, exactly once.
type subscriptions struct {
	mu     sync.Mutex
	subs   []core.Unsubscribe
	closed bool
}

// add registers u. After release it unsubscribes u right away and returns false.
func (b *subscriptions) add(u core.Unsubscribe) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		u()
		return false
	}
	b.subs = append(b.subs, u)
	b.mu.Unlock()
	return true
}

func (b *subscriptions) release() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, u := range subs {
		u()
	}
}

func (b *subscriptions) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
