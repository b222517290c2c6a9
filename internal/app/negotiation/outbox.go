package negotiation

import (
	"context"
	"sync"

	"github.com/dkeye/Callkit/internal/domain"
)

// outbox publishes local candidates in discovery order without blocking the
// peer connection callback or the session loop.
type outbox struct {
	mu      sync.Mutex
	queue   []domain.Candidate
	stopped bool
	wake    chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(c domain.Candidate) bool {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, c)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

func (o *outbox) stop() {
	o.mu.Lock()
	o.stopped = true
	o.queue = nil
	o.mu.Unlock()
}

func (o *outbox) next() (domain.Candidate, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped || len(o.queue) == 0 {
		return domain.Candidate{}, false
	}
	c := o.queue[0]
	o.queue = o.queue[1:]
	return c, true
}

// run publishes until ctx is done. A publish error ends the loop and is reported once.
func (o *outbox) run(ctx context.Context, publish func(context.Context, domain.Candidate) error, onErr func(error)) {
	for {
		for {
			c, ok := o.next()
			if !ok {
				break
			}
			if err := publish(ctx, c); err != nil {
				if ctx.Err() == nil {
					onErr(err)
				}
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}
	}
}
