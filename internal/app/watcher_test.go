package app

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Callkit/internal/adapters/store/memory"
	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/dkeye/Callkit/internal/testutils"
	"go.uber.org/goleak"
	"go.viam.com/test"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	alice = &domain.Profile{ID: "alice", DisplayName: "Alice", AcceptsCalls: true}
	bob   = &domain.Profile{ID: "bob", DisplayName: "Bob", AcceptsCalls: true}
	carol = &domain.Profile{ID: "carol", DisplayName: "Carol", AcceptsCalls: true}
)

type watchHarness struct {
	store  *memory.Store
	events *testutils.Events
	w      *Watcher
}

func newWatchHarness(t *testing.T, self *domain.Profile, policy BusyPolicy) *watchHarness {
	t.Helper()
	h := &watchHarness{store: memory.New(), events: testutils.NewEvents()}
	h.w = NewWatcher(self, h.store, h.events, policy)
	t.Cleanup(func() {
		h.w.Stop()
		h.store.Close()
	})
	return h
}

func (h *watchHarness) ring(t *testing.T, caller *domain.Profile, at time.Time) domain.CallRecord {
	t.Helper()
	rec := domain.NewCallRecord(caller, bob, at)
	test.That(t, h.store.CreateCall(context.Background(), rec), test.ShouldBeNil)
	return rec
}

func (h *watchHarness) status(t *testing.T, id domain.CallID) domain.CallRecord {
	t.Helper()
	rec, err := h.store.GetCall(context.Background(), id)
	test.That(t, err, test.ShouldBeNil)
	return rec
}

func TestWatcherSurfacesOnlyOneCall(t *testing.T) {
	h := newWatchHarness(t, bob, BusyHold)
	base := time.Now()
	second := h.ring(t, carol, base.Add(time.Second))
	first := h.ring(t, alice, base)

	test.That(t, h.w.Start(context.Background()), test.ShouldBeNil)
	test.That(t, h.w.Running(), test.ShouldBeTrue)

	testutils.WaitFor(t, "first prompt", func() bool { return len(h.events.Incoming()) == 1 })
	test.That(t, h.events.Incoming()[0].ID, test.ShouldEqual, first.ID)
	surfaced, ok := h.w.Surfaced()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, surfaced.ID, test.ShouldEqual, first.ID)

	h.ring(t, alice, base.Add(2*time.Second))
	testutils.Never(t, "a second prompt", 100*time.Millisecond, func() bool { return len(h.events.Incoming()) > 1 })
	test.That(t, h.status(t, second.ID).Status, test.ShouldEqual, domain.CallRinging)
}

func TestWatcherHoldSurfacesNextAfterResolve(t *testing.T) {
	h := newWatchHarness(t, bob, BusyHold)
	base := time.Now()
	first := h.ring(t, alice, base)
	second := h.ring(t, carol, base.Add(time.Second))
	test.That(t, h.w.Start(context.Background()), test.ShouldBeNil)
	testutils.WaitFor(t, "first prompt", func() bool { return len(h.events.Incoming()) == 1 })

	h.w.Resolve(first.ID)
	test.That(t, h.store.UpdateCall(context.Background(), first.ID,
		domain.StatusUpdate(domain.CallDeclined, domain.RoleCallee, "declined")), test.ShouldBeNil)

	testutils.WaitFor(t, "second prompt", func() bool { return len(h.events.Incoming()) == 2 })
	test.That(t, h.events.Incoming()[1].ID, test.ShouldEqual, second.ID)
	test.That(t, h.events.Withdrawn(), test.ShouldBeEmpty)
}

func TestWatcherWithdrawsCancelledCall(t *testing.T) {
	h := newWatchHarness(t, bob, BusyHold)
	rec := h.ring(t, alice, time.Now())
	test.That(t, h.w.Start(context.Background()), test.ShouldBeNil)
	testutils.WaitFor(t, "prompt", func() bool { return len(h.events.Incoming()) == 1 })

	test.That(t, h.store.UpdateCall(context.Background(), rec.ID,
		domain.StatusUpdate(domain.CallUnanswered, domain.RoleCaller, string(core.ReasonCancelled))), test.ShouldBeNil)
	testutils.WaitFor(t, "withdrawn", func() bool { return len(h.events.Withdrawn()) == 1 })
	test.That(t, h.events.Withdrawn()[0], test.ShouldEqual, rec.ID)
	_, ok := h.w.Surfaced()
	test.That(t, ok, test.ShouldBeFalse)
}

func TestWatcherHoldsWhileBusy(t *testing.T) {
	h := newWatchHarness(t, bob, BusyHold)
	h.w.SetBusy(true)
	test.That(t, h.w.Start(context.Background()), test.ShouldBeNil)
	rec := h.ring(t, alice, time.Now())

	testutils.Never(t, "prompt while busy", 100*time.Millisecond, func() bool { return len(h.events.Incoming()) > 0 })
	test.That(t, h.status(t, rec.ID).Status, test.ShouldEqual, domain.CallRinging)

	h.w.SetBusy(false)
	testutils.WaitFor(t, "held prompt", func() bool { return len(h.events.Incoming()) == 1 })
	test.That(t, h.events.Incoming()[0].ID, test.ShouldEqual, rec.ID)
}

func TestWatcherRejectsBusyCalls(t *testing.T) {
	h := newWatchHarness(t, bob, BusyReject)
	base := time.Now()
	first := h.ring(t, alice, base)
	test.That(t, h.w.Start(context.Background()), test.ShouldBeNil)
	testutils.WaitFor(t, "first prompt", func() bool { return len(h.events.Incoming()) == 1 })

	second := h.ring(t, carol, base.Add(time.Second))
	testutils.WaitFor(t, "busy rejection", func() bool {
		return h.status(t, second.ID).Status == domain.CallUnanswered
	})
	rec := h.status(t, second.ID)
	test.That(t, rec.EndedBy, test.ShouldEqual, domain.RoleCallee)
	test.That(t, core.ReasonForRecord(rec, domain.RoleCaller), test.ShouldEqual, core.ReasonBusy)

	test.That(t, h.status(t, first.ID).Status, test.ShouldEqual, domain.CallRinging)
	test.That(t, h.events.Incoming(), test.ShouldHaveLength, 1)
	test.That(t, h.events.Withdrawn(), test.ShouldBeEmpty)
}

func TestWatcherIgnoresProfilesNotAcceptingCalls(t *testing.T) {
	quiet := *bob
	quiet.AcceptsCalls = false
	h := newWatchHarness(t, &quiet, BusyHold)
	test.That(t, h.w.Start(context.Background()), test.ShouldBeNil)
	test.That(t, h.w.Running(), test.ShouldBeFalse)

	h.ring(t, alice, time.Now())
	testutils.Never(t, "prompt", 50*time.Millisecond, func() bool { return len(h.events.Incoming()) > 0 })
}

func TestParseBusyPolicy(t *testing.T) {
	p, err := ParseBusyPolicy("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p, test.ShouldEqual, BusyHold)

	p, err = ParseBusyPolicy("reject")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p, test.ShouldEqual, BusyReject)

	_, err = ParseBusyPolicy("queue")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestWatcherClaimFailsWhilePromptShown(t *testing.T) {
	h := newWatchHarness(t, bob, BusyHold)
	test.That(t, h.w.Claim(), test.ShouldBeTrue)
	h.w.SetBusy(false)

	test.That(t, h.w.Start(context.Background()), test.ShouldBeNil)
	h.ring(t, alice, time.Now())
	testutils.WaitFor(t, "prompt", func() bool { return len(h.events.Incoming()) == 1 })
	test.That(t, h.w.Claim(), test.ShouldBeFalse)
}

func TestWatcherReopenResurfacesUnderReject(t *testing.T) {
	h := newWatchHarness(t, bob, BusyReject)
	rec := h.ring(t, alice, time.Now())
	test.That(t, h.w.Start(context.Background()), test.ShouldBeNil)
	testutils.WaitFor(t, "prompt", func() bool { return len(h.events.Incoming()) == 1 })

	h.w.SetBusy(true)
	h.w.Resolve(rec.ID)
	h.w.Reopen(rec.ID)

	testutils.WaitFor(t, "prompt again", func() bool { return len(h.events.Incoming()) == 2 })
	test.That(t, h.status(t, rec.ID).Status, test.ShouldEqual, domain.CallRinging)
	surfaced, ok := h.w.Surfaced()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, surfaced.ID, test.ShouldEqual, rec.ID)
}
