package negotiation

import (
	"errors"

	"github.com/dkeye/Callkit/internal/domain"
)

const DefaultCandidateBuffer = 128

var ErrQueueFull = errors.New("candidate buffer full")

// candidateQueue is the bounded FIFO of remote candidates that arrived before
// the remote description. Drain empties it in one step.
type candidateQueue struct {
	items []domain.Candidate
	limit int
}

func newCandidateQueue(limit int) *candidateQueue {
	if limit <= 0 {
		limit = DefaultCandidateBuffer
	}
	return &candidateQueue{limit: limit}
}

func (q *candidateQueue) Push(c domain.Candidate) error {
	if len(q.items) >= q.limit {
		return ErrQueueFull
	}
	q.items = append(q.items, c)
	return nil
}

func (q *candidateQueue) Len() int { return len(q.items) }

// Drain returns every buffered candidate in arrival order and leaves the queue empty.
func (q *candidateQueue) Drain() []domain.Candidate {
	out := q.items
	q.items = nil
	return out
}
