package testutils

import (
	"context"
	"sync"

	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
)

// RecordingStore wraps a SignalStore, records writes and injects failures.
type RecordingStore struct {
	core.SignalStore

	mu         sync.Mutex
	updates    []domain.CallUpdate
	appends    map[domain.Role][]domain.Candidate
	failUpdate func(domain.CallUpdate) error
	failAppend error
}

func NewRecordingStore(inner core.SignalStore) *RecordingStore {
	return &RecordingStore{SignalStore: inner, appends: map[domain.Role][]domain.Candidate{}}
}

// FailUpdates makes UpdateCall return fn's error when it is non-nil.
func (s *RecordingStore) FailUpdates(fn func(domain.CallUpdate) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpdate = fn
}

// FailAppends makes every AppendCandidate return err.
func (s *RecordingStore) FailAppends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppend = err
}

func (s *RecordingStore) UpdateCall(ctx context.Context, id domain.CallID, u domain.CallUpdate) error {
	s.mu.Lock()
	fail := s.failUpdate
	s.mu.Unlock()
	if fail != nil {
		if err := fail(u); err != nil {
			return err
		}
	}
	if err := s.SignalStore.UpdateCall(ctx, id, u); err != nil {
		return err
	}
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
	return nil
}

func (s *RecordingStore) AppendCandidate(ctx context.Context, id domain.CallID, role domain.Role, c domain.Candidate) error {
	s.mu.Lock()
	fail := s.failAppend
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	if err := s.SignalStore.AppendCandidate(ctx, id, role, c); err != nil {
		return err
	}
	s.mu.Lock()
	s.appends[role] = append(s.appends[role], c)
	s.mu.Unlock()
	return nil
}

// Updates returns every successful UpdateCall, in order.
func (s *RecordingStore) Updates() []domain.CallUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.CallUpdate(nil), s.updates...)
}

// NegotiationWrites counts successful writes that carried an offer or an answer.
func (s *RecordingStore) NegotiationWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.updates {
		if u.Offer != nil || u.Answer != nil {
			n++
		}
	}
	return n
}

func (s *RecordingStore) Appended(role domain.Role) []domain.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Candidate(nil), s.appends[role]...)
}
