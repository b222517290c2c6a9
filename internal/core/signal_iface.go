package core

import (
	"context"
	"errors"

	"github.com/dkeye/Callkit/internal/domain"
)

var (
	ErrCallNotFound = errors.New("call not found")
	ErrCallExists   = errors.New("call already exists")
)

// Unsubscribe releases a store subscription. Safe to call more than once.
type Unsubscribe func()

// SignalStore is the narrow view of the shared document store.
// Writes are merge updates; adapters never read-modify-write the whole record and
// must enforce domain.CheckUpdate atomically.
// Watch* callbacks receive the full current value on every change, starting with the
// initial state. Callbacks for one subscription are never run concurrently.
type SignalStore interface {
	CreateCall(ctx context.Context, rec domain.CallRecord) error
	UpdateCall(ctx context.Context, id domain.CallID, u domain.CallUpdate) error
	AppendCandidate(ctx context.Context, id domain.CallID, role domain.Role, c domain.Candidate) error
	GetCall(ctx context.Context, id domain.CallID) (domain.CallRecord, error)

	WatchCall(ctx context.Context, id domain.CallID, fn func(domain.CallRecord)) (Unsubscribe, error)
	// WatchCandidates follows the sequence appended by role.
	WatchCandidates(ctx context.Context, id domain.CallID, role domain.Role, fn func([]domain.Candidate)) (Unsubscribe, error)
	// WatchIncoming follows ringing calls addressed to callee, oldest first.
	WatchIncoming(ctx context.Context, callee domain.ParticipantID, fn func([]domain.CallRecord)) (Unsubscribe, error)
}
