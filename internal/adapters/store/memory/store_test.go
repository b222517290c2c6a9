package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Callkit/internal/adapters/store/storetest"
	"github.com/dkeye/Callkit/internal/domain"
	"go.uber.org/goleak"
	"go.viam.com/test"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemoryStore(t *testing.T) {
	s := New()
	storetest.Run(t, s)
	test.That(t, s.Close(), test.ShouldBeNil)
}

func TestWatchAfterClose(t *testing.T) {
	s := New()
	test.That(t, s.Close(), test.ShouldBeNil)
	_, err := s.WatchIncoming(context.Background(), "bob", func([]domain.CallRecord) {})
	test.That(t, errors.Is(err, ErrClosed), test.ShouldBeTrue)
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()
	rec := domain.NewCallRecord(&domain.Profile{ID: "a"}, &domain.Profile{ID: "b"}, time.Now())
	test.That(t, s.CreateCall(ctx, rec), test.ShouldBeNil)

	got := make(chan []domain.Candidate, 4)
	unsub, err := s.WatchCandidates(ctx, rec.ID, domain.RoleCaller, func(l []domain.Candidate) { got <- l })
	test.That(t, err, test.ShouldBeNil)
	defer unsub()
	<-got

	test.That(t, s.AppendCandidate(ctx, rec.ID, domain.RoleCaller, domain.Candidate{Candidate: "c0"}), test.ShouldBeNil)
	first := <-got
	first[0].Candidate = "mutated"

	test.That(t, s.AppendCandidate(ctx, rec.ID, domain.RoleCaller, domain.Candidate{Candidate: "c1"}), test.ShouldBeNil)
	second := <-got
	test.That(t, second, test.ShouldHaveLength, 2)
	test.That(t, second[0].Candidate, test.ShouldEqual, "c0")
}
