package negotiation

import (
	"context"
	"errors"
	"math/rand"
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

type harness struct {
	t       *testing.T
	mem     *memory.Store
	store   *testutils.RecordingStore
	events  *testutils.Events
	devices *testutils.Devices
	peers   *testutils.PeerFactory
	rec     domain.CallRecord
	started []*Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := memory.New()
	rec := domain.NewCallRecord(
		&domain.Profile{ID: "alice", DisplayName: "Alice"},
		&domain.Profile{ID: "bob", DisplayName: "Bob"},
		time.Now(),
	)
	test.That(t, mem.CreateCall(context.Background(), rec), test.ShouldBeNil)
	h := &harness{
		t:       t,
		mem:     mem,
		store:   testutils.NewRecordingStore(mem),
		events:  testutils.NewEvents(),
		devices: &testutils.Devices{},
		peers:   &testutils.PeerFactory{Candidates: 3, AutoConnect: true, RemoteTracks: 2},
		rec:     rec,
	}
	t.Cleanup(h.close)
	return h
}

func (h *harness) session(side domain.Role, cfg Config) *Session {
	s := NewSession(h.rec, side, Deps{
		Store:   h.store,
		Devices: h.devices,
		Peers:   h.peers,
		Events:  h.events,
	}, cfg)
	h.started = append(h.started, s)
	return s
}

func (h *harness) close() {
	for _, s := range h.started {
		_ = s.End(context.Background(), core.ReasonShutdown)
		s.Wait()
	}
	test.That(h.t, h.mem.Close(), test.ShouldBeNil)
}

func (h *harness) record() domain.CallRecord {
	rec, err := h.mem.GetCall(context.Background(), h.rec.ID)
	test.That(h.t, err, test.ShouldBeNil)
	return rec
}

// driven wires a session to a bare peer without starting its loop, so a test can
// feed events in any order it likes.
func (h *harness) driven(side domain.Role) (*Session, *testutils.Peer) {
	s := h.session(side, Config{})
	pc := testutils.NewPeer(h.rec.ID)
	s.pc = pc
	s.phase = PhaseAwaitingRemote
	return s, pc
}

func TestFullCallReachesConnected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	callee := h.session(domain.RoleCallee, Config{})
	test.That(t, callee.Start(ctx), test.ShouldBeNil)
	caller := h.session(domain.RoleCaller, Config{})
	test.That(t, caller.Start(ctx), test.ShouldBeNil)

	testutils.WaitFor(t, "both sides connected", func() bool {
		return caller.Phase() == PhaseConnected && callee.Phase() == PhaseConnected
	})
	test.That(t, h.events.Connected(h.rec.ID), test.ShouldBeTrue)

	rec := h.record()
	test.That(t, rec.Status, test.ShouldEqual, domain.CallActive)
	test.That(t, rec.Offer.Type, test.ShouldEqual, domain.SDPOffer)
	test.That(t, rec.Answer.Type, test.ShouldEqual, domain.SDPAnswer)

	testutils.WaitFor(t, "candidates exchanged", func() bool {
		peers := h.peers.Peers()
		return len(peers) == 2 && len(peers[0].Applied()) == 3 && len(peers[1].Applied()) == 3
	})
	for _, p := range h.peers.Peers() {
		test.That(t, p.EarlyCandidates(), test.ShouldEqual, 0)
		test.That(t, p.RemoteSets(), test.ShouldEqual, 1)
		test.That(t, p.LocalTracks(), test.ShouldEqual, 2)
	}
	testutils.WaitFor(t, "remote tracks aggregated", func() bool {
		return len(caller.Media().Remote().Tracks()) == 2
	})

	test.That(t, caller.Hangup(ctx), test.ShouldBeNil)
	<-caller.Done()
	<-callee.Done()
	test.That(t, caller.Reason(), test.ShouldEqual, core.ReasonHangup)
	test.That(t, callee.Reason(), test.ShouldEqual, core.ReasonRemoteHangup)

	rec = h.record()
	test.That(t, rec.Status, test.ShouldEqual, domain.CallEnded)
	test.That(t, rec.EndedBy, test.ShouldEqual, domain.RoleCaller)
	test.That(t, h.events.Ended(h.rec.ID), test.ShouldHaveLength, 2)
	for _, p := range h.peers.Peers() {
		test.That(t, p.Closed(), test.ShouldBeTrue)
	}
	for _, tr := range h.devices.Tracks() {
		test.That(t, tr.Stopped(), test.ShouldBeTrue)
	}
}

func TestRepeatedCallsNeverApplyEarlyCandidates(t *testing.T) {
	for i := range 10 {
		h := newHarness(t)
		ctx := context.Background()
		h.peers.Candidates = 1 + i%4

		first, second := domain.RoleCallee, domain.RoleCaller
		if i%2 == 1 {
			first, second = second, first
		}
		a := h.session(first, Config{})
		test.That(t, a.Start(ctx), test.ShouldBeNil)
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		b := h.session(second, Config{})
		test.That(t, b.Start(ctx), test.ShouldBeNil)

		testutils.WaitFor(t, "connected", func() bool {
			return a.Phase() == PhaseConnected && b.Phase() == PhaseConnected
		})
		testutils.WaitFor(t, "all candidates applied", func() bool {
			for _, p := range h.peers.Peers() {
				if len(p.Applied()) != h.peers.Candidates {
					return false
				}
			}
			return true
		})
		for _, p := range h.peers.Peers() {
			test.That(t, p.EarlyCandidates(), test.ShouldEqual, 0)
		}
		test.That(t, b.Hangup(ctx), test.ShouldBeNil)
		<-a.Done()
	}
}

func TestRandomInterleavingsNeverApplyBeforeRemote(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := range 200 {
		h := newHarness(t)
		ctx := context.Background()

		side := domain.RoleCallee
		if trial%2 == 1 {
			side = domain.RoleCaller
		}
		offer := domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0 offer"}
		test.That(t, h.mem.UpdateCall(ctx, h.rec.ID, domain.CallUpdate{Offer: &offer}), test.ShouldBeNil)
		remoteRec := h.record()
		if side == domain.RoleCaller {
			answer := domain.SessionDescription{Type: domain.SDPAnswer, SDP: "v=0 answer"}
			remoteRec.Answer = &answer
			remoteRec.Status = domain.CallActive
		}

		s, pc := h.driven(side)
		if side == domain.RoleCaller {
			_, err := pc.CreateOffer(ctx)
			test.That(t, err, test.ShouldBeNil)
		}

		n := 1 + rng.Intn(6)
		var all []domain.Candidate
		var events []event
		for i := range n {
			all = append(all, cand(i))
			// deliveries may be coalesced, but the last one always carries the full list
			if i == n-1 || rng.Intn(2) == 0 {
				events = append(events, candidatesEvent{list: append([]domain.Candidate(nil), all...)})
			}
		}
		at := rng.Intn(len(events) + 1)
		events = append(events[:at], append([]event{recordEvent{rec: remoteRec}}, events[at:]...)...)
		// duplicate deliveries of the record
		events = append(events, recordEvent{rec: remoteRec})

		for _, ev := range events {
			test.That(t, s.handle(ev), test.ShouldBeNil)
		}

		test.That(t, pc.EarlyCandidates(), test.ShouldEqual, 0)
		test.That(t, pc.RemoteSets(), test.ShouldEqual, 1)
		test.That(t, pc.Applied(), test.ShouldResemble, all)
		test.That(t, s.PendingCandidates(), test.ShouldEqual, 0)
		test.That(t, s.Phase(), test.ShouldEqual, PhaseRemoteApplied)
	}
}

func TestDuplicateOfferIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, pc := h.driven(domain.RoleCallee)

	offer := domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0 offer"}
	test.That(t, h.mem.UpdateCall(ctx, h.rec.ID, domain.CallUpdate{Offer: &offer}), test.ShouldBeNil)
	rec := h.record()

	test.That(t, s.handle(recordEvent{rec: rec}), test.ShouldBeNil)
	test.That(t, s.handle(recordEvent{rec: rec}), test.ShouldBeNil)
	test.That(t, s.handle(recordEvent{rec: h.record()}), test.ShouldBeNil)

	test.That(t, pc.RemoteSets(), test.ShouldEqual, 1)
	updates := h.store.Updates()
	test.That(t, updates, test.ShouldHaveLength, 1)
	test.That(t, updates[0].Answer, test.ShouldNotBeNil)
	test.That(t, *updates[0].Status, test.ShouldEqual, domain.CallActive)
	test.That(t, h.record().Status, test.ShouldEqual, domain.CallActive)
}

func TestAnswerWithoutOfferIsProtocolViolation(t *testing.T) {
	h := newHarness(t)
	s, _ := h.driven(domain.RoleCaller)
	bad := h.rec
	bad.Answer = &domain.SessionDescription{Type: domain.SDPAnswer, SDP: "x"}
	err := s.handle(recordEvent{rec: bad})
	test.That(t, errors.Is(err, errProtocol), test.ShouldBeTrue)

	s.fail(err)
	<-s.Done()
	test.That(t, s.Reason(), test.ShouldEqual, core.ReasonProtocolViolation)
	test.That(t, h.record().Status, test.ShouldEqual, domain.CallUnanswered)
	test.That(t, h.record().EndReason, test.ShouldEqual, string(core.ReasonProtocolViolation))
}

func TestBufferedCandidatesFlushInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.peers.AutoConnect = false

	callee := h.session(domain.RoleCallee, Config{})
	test.That(t, callee.Start(ctx), test.ShouldBeNil)

	for i := range 3 {
		test.That(t, h.mem.AppendCandidate(ctx, h.rec.ID, domain.RoleCaller, cand(i)), test.ShouldBeNil)
	}
	testutils.WaitFor(t, "three buffered candidates", func() bool {
		return callee.PendingCandidates() == 3
	})
	pc := h.peers.Peers()[0]
	test.That(t, pc.Applied(), test.ShouldBeEmpty)

	offer := domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0 offer"}
	test.That(t, h.mem.UpdateCall(ctx, h.rec.ID, domain.CallUpdate{Offer: &offer}), test.ShouldBeNil)

	testutils.WaitFor(t, "buffer flushed", func() bool {
		return len(pc.Applied()) == 3
	})
	test.That(t, pc.Applied(), test.ShouldResemble, []domain.Candidate{cand(0), cand(1), cand(2)})
	test.That(t, callee.PendingCandidates(), test.ShouldEqual, 0)
	test.That(t, pc.EarlyCandidates(), test.ShouldEqual, 0)

	test.That(t, h.mem.AppendCandidate(ctx, h.rec.ID, domain.RoleCaller, cand(3)), test.ShouldBeNil)
	testutils.WaitFor(t, "late candidate applied directly", func() bool {
		return len(pc.Applied()) == 4
	})
	testutils.WaitFor(t, "answer written", func() bool {
		return h.record().Status == domain.CallActive
	})
}

func TestCandidateOverflowEndsCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	callee := h.session(domain.RoleCallee, Config{CandidateBuffer: 2})
	test.That(t, callee.Start(ctx), test.ShouldBeNil)
	for i := range 3 {
		test.That(t, h.mem.AppendCandidate(ctx, h.rec.ID, domain.RoleCaller, cand(i)), test.ShouldBeNil)
	}
	<-callee.Done()
	test.That(t, callee.Reason(), test.ShouldEqual, core.ReasonProtocolViolation)
	test.That(t, h.record().Status, test.ShouldEqual, domain.CallUnanswered)
	test.That(t, h.record().EndedBy, test.ShouldEqual, domain.RoleCallee)
	test.That(t, h.events.Ended(h.rec.ID), test.ShouldResemble, []core.EndReason{core.ReasonProtocolViolation})
}

func TestMediaFailureWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.devices.Err = core.ErrMediaDenied

	caller := h.session(domain.RoleCaller, Config{})
	err := caller.Start(context.Background())
	test.That(t, errors.Is(err, core.ErrMediaDenied), test.ShouldBeTrue)

	<-caller.Done()
	test.That(t, caller.Phase(), test.ShouldEqual, PhaseClosed)
	test.That(t, h.store.NegotiationWrites(), test.ShouldEqual, 0)
	test.That(t, h.peers.Peers(), test.ShouldBeEmpty)
	test.That(t, h.events.Ended(h.rec.ID), test.ShouldResemble, []core.EndReason{core.ReasonMediaDenied})

	rec := h.record()
	test.That(t, rec.Offer, test.ShouldBeNil)
	test.That(t, rec.Status, test.ShouldEqual, domain.CallUnanswered)
	test.That(t, rec.EndReason, test.ShouldEqual, string(core.ReasonMediaDenied))
}

func TestAcceptedCalleeEndIsNotADecline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()
	test.That(t, h.mem.UpdateCall(ctx, h.rec.ID, domain.CallUpdate{AcceptedAt: &now}), test.ShouldBeNil)

	caller := h.session(domain.RoleCaller, Config{})
	test.That(t, caller.Start(ctx), test.ShouldBeNil)
	testutils.WaitFor(t, "offer written", func() bool {
		return h.record().Offer != nil
	})

	h.devices.Err = core.ErrMediaDenied
	callee := h.session(domain.RoleCallee, Config{})
	err := callee.Start(ctx)
	test.That(t, errors.Is(err, core.ErrMediaDenied), test.ShouldBeTrue)

	<-caller.Done()
	rec := h.record()
	test.That(t, rec.Status, test.ShouldEqual, domain.CallUnanswered)
	test.That(t, rec.EndedBy, test.ShouldEqual, domain.RoleCallee)
	test.That(t, rec.EndReason, test.ShouldEqual, string(core.ReasonMediaDenied))
	test.That(t, callee.Reason(), test.ShouldEqual, core.ReasonMediaDenied)
	test.That(t, caller.Reason(), test.ShouldEqual, core.ReasonRemoteHangup)
}

func TestCalleeHangupBeforeOfferWritesUnanswered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()
	test.That(t, h.mem.UpdateCall(ctx, h.rec.ID, domain.CallUpdate{AcceptedAt: &now}), test.ShouldBeNil)

	callee := h.session(domain.RoleCallee, Config{})
	test.That(t, callee.Start(ctx), test.ShouldBeNil)
	test.That(t, callee.Hangup(ctx), test.ShouldBeNil)
	<-callee.Done()

	rec := h.record()
	test.That(t, rec.Status, test.ShouldEqual, domain.CallUnanswered)
	test.That(t, rec.EndedBy, test.ShouldEqual, domain.RoleCallee)
	test.That(t, callee.Reason(), test.ShouldEqual, core.ReasonHangup)
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	caller := h.session(domain.RoleCaller, Config{})
	test.That(t, caller.Start(ctx), test.ShouldBeNil)
	testutils.WaitFor(t, "offer written", func() bool {
		return h.record().Offer != nil
	})

	test.That(t, caller.Hangup(ctx), test.ShouldBeNil)
	test.That(t, caller.Hangup(ctx), test.ShouldBeNil)
	caller.teardown(core.ReasonShutdown)
	caller.fail(errors.New("late failure"))
	caller.Wait()

	test.That(t, h.events.Ended(h.rec.ID), test.ShouldResemble, []core.EndReason{core.ReasonHangup})
	test.That(t, h.record().Status, test.ShouldEqual, domain.CallUnanswered)
	test.That(t, caller.subs.len(), test.ShouldEqual, 0)
	test.That(t, h.peers.Peers()[0].Closed(), test.ShouldBeTrue)
	test.That(t, caller.SetMuted(true), test.ShouldEqual, ErrClosed)
	test.That(t, errors.Is(caller.Start(ctx), ErrAlreadyStarted), test.ShouldBeTrue)
}

func TestRemoteDeclineTearsDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	caller := h.session(domain.RoleCaller, Config{})
	test.That(t, caller.Start(ctx), test.ShouldBeNil)
	test.That(t, h.mem.UpdateCall(ctx, h.rec.ID, domain.StatusUpdate(domain.CallDeclined, domain.RoleCallee, "declined")), test.ShouldBeNil)

	<-caller.Done()
	test.That(t, caller.Reason(), test.ShouldEqual, core.ReasonDeclined)
	test.That(t, h.events.Ended(h.rec.ID), test.ShouldHaveLength, 1)
}

func TestConnectionFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	callee := h.session(domain.RoleCallee, Config{})
	test.That(t, callee.Start(ctx), test.ShouldBeNil)
	caller := h.session(domain.RoleCaller, Config{})
	test.That(t, caller.Start(ctx), test.ShouldBeNil)
	testutils.WaitFor(t, "connected", func() bool {
		return caller.Phase() == PhaseConnected
	})

	// the callee started first, so its peer was built first
	callerPeer := h.peers.Peers()[1]
	callerPeer.EmitState(core.StateDisconnected)
	callerPeer.EmitState(core.StateFailed)

	<-caller.Done()
	<-callee.Done()
	test.That(t, caller.Reason(), test.ShouldEqual, core.ReasonConnectionFailed)
	test.That(t, callee.Reason(), test.ShouldEqual, core.ReasonRemoteHangup)
	rec := h.record()
	test.That(t, rec.Status, test.ShouldEqual, domain.CallEnded)
	test.That(t, rec.EndReason, test.ShouldEqual, string(core.ReasonConnectionFailed))
	test.That(t, h.events.States(h.rec.ID), test.ShouldContain, core.StateFailed)
}

func TestCandidatePublishFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	h.store.FailAppends(errors.New("store unavailable"))

	caller := h.session(domain.RoleCaller, Config{})
	test.That(t, caller.Start(context.Background()), test.ShouldBeNil)
	<-caller.Done()
	test.That(t, caller.Reason(), test.ShouldEqual, core.ReasonStoreError)
	test.That(t, h.record().Status, test.ShouldEqual, domain.CallUnanswered)
}

func TestHangupRacingAnswerWritesEnded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, _ := h.driven(domain.RoleCaller)

	offer := domain.SessionDescription{Type: domain.SDPOffer, SDP: "o"}
	answer := domain.SessionDescription{Type: domain.SDPAnswer, SDP: "a"}
	active := domain.CallActive
	test.That(t, h.mem.UpdateCall(ctx, h.rec.ID, domain.CallUpdate{Offer: &offer}), test.ShouldBeNil)
	test.That(t, h.mem.UpdateCall(ctx, h.rec.ID, domain.CallUpdate{Answer: &answer, Status: &active}), test.ShouldBeNil)

	// the session still believes the call is ringing
	test.That(t, s.Record().Status, test.ShouldEqual, domain.CallRinging)
	test.That(t, s.Hangup(ctx), test.ShouldBeNil)
	test.That(t, h.record().Status, test.ShouldEqual, domain.CallEnded)
}
