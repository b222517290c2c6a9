// Package memory is an in-process SignalStore for tests and single node deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/Callkit/internal/adapters/store"
	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("memory store closed")

type entry struct {
	rec   domain.CallRecord
	cands map[domain.Role][]domain.Candidate
}

type candKey struct {
	id   domain.CallID
	role domain.Role
}

// Store keeps every record in a map and fans changes out through feeds.
// All mutations and the snapshots they push happen under one lock, so each
// feed observes states in write order.
type Store struct {
	mu     sync.Mutex
	calls  map[domain.CallID]*entry
	nextID int
	closed bool

	callFeeds     map[domain.CallID]map[int]*store.Feed[domain.CallRecord]
	candFeeds     map[candKey]map[int]*store.Feed[[]domain.Candidate]
	incomingFeeds map[domain.ParticipantID]map[int]*store.Feed[[]domain.CallRecord]
}

var _ core.SignalStore = (*Store)(nil)

func New() *Store {
	return &Store{
		calls:         map[domain.CallID]*entry{},
		callFeeds:     map[domain.CallID]map[int]*store.Feed[domain.CallRecord]{},
		candFeeds:     map[candKey]map[int]*store.Feed[[]domain.Candidate]{},
		incomingFeeds: map[domain.ParticipantID]map[int]*store.Feed[[]domain.CallRecord]{},
	}
}

func (s *Store) CreateCall(_ context.Context, rec domain.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[rec.ID]; ok {
		return fmt.Errorf("%w: %s", core.ErrCallExists, rec.ID)
	}
	s.calls[rec.ID] = &entry{rec: rec, cands: map[domain.Role][]domain.Candidate{}}
	log.Debug().Str("module", "store.memory").Str("call", string(rec.ID)).Msg("call created")
	s.pushIncomingLocked(rec.CalleeID)
	return nil
}

func (s *Store) UpdateCall(_ context.Context, id domain.CallID, u domain.CallUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.calls[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrCallNotFound, id)
	}
	if err := domain.CheckUpdate(&e.rec, u); err != nil {
		return err
	}
	u.Apply(&e.rec)
	for _, f := range s.callFeeds[id] {
		f.Push(e.rec)
	}
	s.pushIncomingLocked(e.rec.CalleeID)
	return nil
}

func (s *Store) AppendCandidate(_ context.Context, id domain.CallID, role domain.Role, c domain.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.calls[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrCallNotFound, id)
	}
	e.cands[role] = append(e.cands[role], c)
	key := candKey{id, role}
	for _, f := range s.candFeeds[key] {
		f.Push(slices.Clone(e.cands[role]))
	}
	return nil
}

func (s *Store) GetCall(_ context.Context, id domain.CallID) (domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.calls[id]
	if !ok {
		return domain.CallRecord{}, fmt.Errorf("%w: %s", core.ErrCallNotFound, id)
	}
	return e.rec, nil
}

func (s *Store) WatchCall(ctx context.Context, id domain.CallID, fn func(domain.CallRecord)) (core.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.calls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrCallNotFound, id)
	}
	f := store.NewFeed(fn)
	n := s.register(func(n int) {
		if s.callFeeds[id] == nil {
			s.callFeeds[id] = map[int]*store.Feed[domain.CallRecord]{}
		}
		s.callFeeds[id][n] = f
	})
	f.Push(e.rec)
	return store.StopOnDone(ctx, f, func() {
		s.mu.Lock()
		delete(s.callFeeds[id], n)
		s.mu.Unlock()
	}), nil
}

func (s *Store) WatchCandidates(ctx context.Context, id domain.CallID, role domain.Role, fn func([]domain.Candidate)) (core.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.calls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrCallNotFound, id)
	}
	key := candKey{id, role}
	f := store.NewFeed(fn)
	n := s.register(func(n int) {
		if s.candFeeds[key] == nil {
			s.candFeeds[key] = map[int]*store.Feed[[]domain.Candidate]{}
		}
		s.candFeeds[key][n] = f
	})
	f.Push(slices.Clone(e.cands[role]))
	return store.StopOnDone(ctx, f, func() {
		s.mu.Lock()
		delete(s.candFeeds[key], n)
		s.mu.Unlock()
	}), nil
}

func (s *Store) WatchIncoming(ctx context.Context, callee domain.ParticipantID, fn func([]domain.CallRecord)) (core.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	f := store.NewFeed(fn)
	n := s.register(func(n int) {
		if s.incomingFeeds[callee] == nil {
			s.incomingFeeds[callee] = map[int]*store.Feed[[]domain.CallRecord]{}
		}
		s.incomingFeeds[callee][n] = f
	})
	f.Push(s.ringingLocked(callee))
	return store.StopOnDone(ctx, f, func() {
		s.mu.Lock()
		delete(s.incomingFeeds[callee], n)
		s.mu.Unlock()
	}), nil
}

// Close stops every feed and waits for their goroutines.
func (s *Store) Close() error {
	s.mu.Lock()
	var feeds []interface {
		Stop()
		Done() <-chan struct{}
	}
	for _, m := range s.callFeeds {
		for _, f := range m {
			feeds = append(feeds, f)
		}
	}
	for _, m := range s.candFeeds {
		for _, f := range m {
			feeds = append(feeds, f)
		}
	}
	for _, m := range s.incomingFeeds {
		for _, f := range m {
			feeds = append(feeds, f)
		}
	}
	s.closed = true
	s.mu.Unlock()

	for _, f := range feeds {
		f.Stop()
		<-f.Done()
	}
	return nil
}

func (s *Store) register(add func(n int)) int {
	s.nextID++
	add(s.nextID)
	return s.nextID
}

func (s *Store) pushIncomingLocked(callee domain.ParticipantID) {
	feeds := s.incomingFeeds[callee]
	if len(feeds) == 0 {
		return
	}
	ringing := s.ringingLocked(callee)
	for _, f := range feeds {
		f.Push(slices.Clone(ringing))
	}
}

func (s *Store) ringingLocked(callee domain.ParticipantID) []domain.CallRecord {
	var out []domain.CallRecord
	for _, e := range s.calls {
		if e.rec.CalleeID == callee && e.rec.Status == domain.CallRinging {
			out = append(out, e.rec)
		}
	}
	store.SortIncoming(out)
	return out
}
