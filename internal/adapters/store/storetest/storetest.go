// Package storetest is the behavior every SignalStore adapter must show.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/dkeye/Callkit/internal/testutils"
	"go.viam.com/test"
)

// Run exercises s. It creates its own records, so s may be shared with other tests.
func Run(t *testing.T, s core.SignalStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		rec := newRecord("alice", "bob", time.Now())
		test.That(t, s.CreateCall(ctx, rec), test.ShouldBeNil)

		got, err := s.GetCall(ctx, rec.ID)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got.Status, test.ShouldEqual, domain.CallRinging)
		test.That(t, got.CallerName, test.ShouldEqual, "alice name")

		err = s.CreateCall(ctx, rec)
		test.That(t, errors.Is(err, core.ErrCallExists), test.ShouldBeTrue)

		_, err = s.GetCall(ctx, domain.NewCallID())
		test.That(t, errors.Is(err, core.ErrCallNotFound), test.ShouldBeTrue)
	})

	t.Run("guarded merge updates", func(t *testing.T) {
		rec := newRecord("alice", "bob", time.Now())
		test.That(t, s.CreateCall(ctx, rec), test.ShouldBeNil)

		answer := &domain.SessionDescription{Type: domain.SDPAnswer, SDP: "answer"}
		active := domain.CallActive
		err := s.UpdateCall(ctx, rec.ID, domain.CallUpdate{Answer: answer, Status: &active})
		test.That(t, errors.Is(err, domain.ErrAnswerWithoutOffer), test.ShouldBeTrue)

		offer := &domain.SessionDescription{Type: domain.SDPOffer, SDP: "offer"}
		test.That(t, s.UpdateCall(ctx, rec.ID, domain.CallUpdate{Offer: offer}), test.ShouldBeNil)
		err = s.UpdateCall(ctx, rec.ID, domain.CallUpdate{Offer: offer})
		test.That(t, errors.Is(err, domain.ErrFieldAlreadySet), test.ShouldBeTrue)

		test.That(t, s.UpdateCall(ctx, rec.ID, domain.CallUpdate{Answer: answer, Status: &active}), test.ShouldBeNil)
		got, err := s.GetCall(ctx, rec.ID)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got.Status, test.ShouldEqual, domain.CallActive)
		test.That(t, got.Offer, test.ShouldResemble, offer)
		test.That(t, got.Answer, test.ShouldResemble, answer)
		test.That(t, got.CalleeName, test.ShouldEqual, "bob name")

		test.That(t, s.UpdateCall(ctx, rec.ID, domain.StatusUpdate(domain.CallEnded, domain.RoleCaller, "hangup")), test.ShouldBeNil)
		err = s.UpdateCall(ctx, rec.ID, domain.StatusUpdate(domain.CallEnded, domain.RoleCallee, "hangup"))
		test.That(t, errors.Is(err, domain.ErrCallTerminal), test.ShouldBeTrue)

		got, err = s.GetCall(ctx, rec.ID)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got.EndedBy, test.ShouldEqual, domain.RoleCaller)
		test.That(t, got.EndReason, test.ShouldEqual, "hangup")

		err = s.UpdateCall(ctx, domain.NewCallID(), domain.CallUpdate{Offer: offer})
		test.That(t, errors.Is(err, core.ErrCallNotFound), test.ShouldBeTrue)
	})

	t.Run("watch call delivers initial state and changes", func(t *testing.T) {
		rec := newRecord("alice", "bob", time.Now())
		test.That(t, s.CreateCall(ctx, rec), test.ShouldBeNil)

		var w latest[domain.CallRecord]
		unsub, err := s.WatchCall(ctx, rec.ID, w.set)
		test.That(t, err, test.ShouldBeNil)
		defer unsub()

		testutils.WaitFor(t, "initial record", func() bool {
			got, ok := w.get()
			return ok && got.Status == domain.CallRinging
		})

		now := time.Now()
		test.That(t, s.UpdateCall(ctx, rec.ID, domain.CallUpdate{AcceptedAt: &now}), test.ShouldBeNil)
		test.That(t, s.UpdateCall(ctx, rec.ID, domain.StatusUpdate(domain.CallDeclined, domain.RoleCallee, "declined")), test.ShouldBeNil)
		testutils.WaitFor(t, "declined record", func() bool {
			got, ok := w.get()
			return ok && got.Status == domain.CallDeclined && got.AcceptedAt != nil
		})

		unsub()
		unsub()
	})

	t.Run("candidate sequences stay ordered and disjoint", func(t *testing.T) {
		rec := newRecord("alice", "bob", time.Now())
		test.That(t, s.CreateCall(ctx, rec), test.ShouldBeNil)

		var callee latest[[]domain.Candidate]
		unsub, err := s.WatchCandidates(ctx, rec.ID, domain.RoleCallee, callee.set)
		test.That(t, err, test.ShouldBeNil)
		defer unsub()

		for i := range 5 {
			test.That(t, s.AppendCandidate(ctx, rec.ID, domain.RoleCallee, candidate("callee", i)), test.ShouldBeNil)
			test.That(t, s.AppendCandidate(ctx, rec.ID, domain.RoleCaller, candidate("caller", i)), test.ShouldBeNil)
		}
		testutils.WaitFor(t, "five callee candidates", func() bool {
			got, _ := callee.get()
			return len(got) == 5
		})
		got, _ := callee.get()
		for i, c := range got {
			test.That(t, c, test.ShouldResemble, candidate("callee", i))
		}

		var caller latest[[]domain.Candidate]
		unsub2, err := s.WatchCandidates(ctx, rec.ID, domain.RoleCaller, caller.set)
		test.That(t, err, test.ShouldBeNil)
		defer unsub2()
		testutils.WaitFor(t, "caller candidates as initial state", func() bool {
			got, ok := caller.get()
			return ok && len(got) == 5 && got[4].Candidate == candidate("caller", 4).Candidate
		})
	})

	t.Run("watch incoming follows ringing calls oldest first", func(t *testing.T) {
		callee := domain.ParticipantID(fmt.Sprintf("carol-%s", domain.NewCallID()))
		base := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
		older := newRecord("alice", callee, base)
		newer := newRecord("dave", callee, base.Add(time.Second))
		other := newRecord("alice", "bob", base)

		test.That(t, s.CreateCall(ctx, newer), test.ShouldBeNil)

		var w latest[[]domain.CallRecord]
		unsub, err := s.WatchIncoming(ctx, callee, w.set)
		test.That(t, err, test.ShouldBeNil)
		defer unsub()

		test.That(t, s.CreateCall(ctx, older), test.ShouldBeNil)
		test.That(t, s.CreateCall(ctx, other), test.ShouldBeNil)
		testutils.WaitFor(t, "two ringing calls", func() bool {
			got, _ := w.get()
			return len(got) == 2
		})
		got, _ := w.get()
		test.That(t, got[0].ID, test.ShouldEqual, older.ID)
		test.That(t, got[1].ID, test.ShouldEqual, newer.ID)

		test.That(t, s.UpdateCall(ctx, older.ID, domain.StatusUpdate(domain.CallUnanswered, domain.RoleCaller, "cancelled")), test.ShouldBeNil)
		testutils.WaitFor(t, "cancelled call leaves the ringing set", func() bool {
			got, _ := w.get()
			return len(got) == 1 && got[0].ID == newer.ID
		})
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		rec := newRecord("alice", "bob", time.Now())
		test.That(t, s.CreateCall(ctx, rec), test.ShouldBeNil)

		var w latest[[]domain.Candidate]
		unsub, err := s.WatchCandidates(ctx, rec.ID, domain.RoleCaller, w.set)
		test.That(t, err, test.ShouldBeNil)
		testutils.WaitFor(t, "initial candidates", func() bool {
			_, ok := w.get()
			return ok
		})
		unsub()
		before := w.count()
		test.That(t, s.AppendCandidate(ctx, rec.ID, domain.RoleCaller, candidate("caller", 0)), test.ShouldBeNil)
		testutils.Never(t, "delivery after unsubscribe", 100*time.Millisecond, func() bool {
			return w.count() != before
		})
	})

	t.Run("cancelled context unsubscribes", func(t *testing.T) {
		rec := newRecord("alice", "bob", time.Now())
		test.That(t, s.CreateCall(ctx, rec), test.ShouldBeNil)

		watchCtx, cancel := context.WithCancel(ctx)
		var w latest[domain.CallRecord]
		_, err := s.WatchCall(watchCtx, rec.ID, w.set)
		test.That(t, err, test.ShouldBeNil)
		testutils.WaitFor(t, "initial record", func() bool {
			_, ok := w.get()
			return ok
		})
		cancel()
		time.Sleep(20 * time.Millisecond)
		before := w.count()
		test.That(t, s.UpdateCall(ctx, rec.ID, domain.StatusUpdate(domain.CallUnanswered, domain.RoleCaller, "cancelled")), test.ShouldBeNil)
		testutils.Never(t, "delivery after cancel", 100*time.Millisecond, func() bool {
			return w.count() != before
		})
	})
}

func newRecord(caller, callee domain.ParticipantID, created time.Time) domain.CallRecord {
	rec := domain.NewCallRecord(
		&domain.Profile{ID: caller, DisplayName: string(caller) + " name"},
		&domain.Profile{ID: callee, DisplayName: string(callee) + " name"},
		created,
	)
	rec.CreatedAt = created.UTC().Truncate(time.Millisecond)
	return rec
}

func candidate(prefix string, i int) domain.Candidate {
	mid := "0"
	idx := uint16(0)
	return domain.Candidate{
		Candidate:     fmt.Sprintf("candidate:%s-%d 1 udp 2122260223 10.0.0.1 %d typ host", prefix, i, 50000+i),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

// latest keeps the newest value a watch callback delivered.
type latest[T any] struct {
	mu  sync.Mutex
	v   T
	ok  bool
	hit int
}

func (l *latest[T]) set(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.v, l.ok = v, true
	l.hit++
}

func (l *latest[T]) get() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v, l.ok
}

func (l *latest[T]) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hit
}
