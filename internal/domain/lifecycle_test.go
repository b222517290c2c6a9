package domain

import (
	"errors"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestCheckTransition(t *testing.T) {
	for _, tc := range []struct {
		from, to CallStatus
		by       Role
		err      error
	}{
		{CallRinging, CallActive, RoleCallee, nil},
		{CallRinging, CallActive, RoleCaller, ErrTransitionRole},
		{CallRinging, CallDeclined, RoleCallee, nil},
		{CallRinging, CallDeclined, RoleCaller, ErrTransitionRole},
		{CallRinging, CallUnanswered, RoleCaller, nil},
		{CallRinging, CallUnanswered, RoleCallee, nil},
		{CallRinging, CallEnded, RoleCaller, ErrInvalidTransition},
		{CallActive, CallEnded, RoleCaller, nil},
		{CallActive, CallEnded, RoleCallee, nil},
		{CallActive, CallDeclined, RoleCallee, ErrInvalidTransition},
		{CallEnded, CallActive, RoleCallee, ErrCallTerminal},
		{CallDeclined, CallUnanswered, RoleCaller, ErrCallTerminal},
	} {
		t.Run(string(tc.from)+"->"+string(tc.to)+"/"+string(tc.by), func(t *testing.T) {
			err := CheckTransition(tc.from, tc.to, tc.by)
			if tc.err == nil {
				test.That(t, err, test.ShouldBeNil)
				return
			}
			test.That(t, errors.Is(err, tc.err), test.ShouldBeTrue)
		})
	}
}

func TestHangupStatus(t *testing.T) {
	s, ok := HangupStatus(CallRinging)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, s, test.ShouldEqual, CallUnanswered)

	s, ok = HangupStatus(CallActive)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, s, test.ShouldEqual, CallEnded)

	_, ok = HangupStatus(CallEnded)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestCheckUpdate(t *testing.T) {
	offer := &SessionDescription{Type: SDPOffer, SDP: "o"}
	answer := &SessionDescription{Type: SDPAnswer, SDP: "a"}
	active := CallActive

	t.Run("answer needs offer", func(t *testing.T) {
		rec := &CallRecord{Status: CallRinging}
		err := CheckUpdate(rec, CallUpdate{Answer: answer, Status: &active})
		test.That(t, errors.Is(err, ErrAnswerWithoutOffer), test.ShouldBeTrue)
	})

	t.Run("active needs answer", func(t *testing.T) {
		rec := &CallRecord{Status: CallRinging, Offer: offer}
		err := CheckUpdate(rec, CallUpdate{Status: &active})
		test.That(t, errors.Is(err, ErrActiveNoAnswer), test.ShouldBeTrue)
		test.That(t, CheckUpdate(rec, CallUpdate{Answer: answer, Status: &active}), test.ShouldBeNil)
	})

	t.Run("write once", func(t *testing.T) {
		now := time.Now()
		rec := &CallRecord{Status: CallRinging, Offer: offer, AcceptedAt: &now}
		test.That(t, errors.Is(CheckUpdate(rec, CallUpdate{Offer: offer}), ErrFieldAlreadySet), test.ShouldBeTrue)
		test.That(t, errors.Is(CheckUpdate(rec, CallUpdate{AcceptedAt: &now}), ErrFieldAlreadySet), test.ShouldBeTrue)
		rec.Answer = answer
		test.That(t, errors.Is(CheckUpdate(rec, CallUpdate{Answer: answer}), ErrFieldAlreadySet), test.ShouldBeTrue)
	})

	t.Run("terminal is frozen", func(t *testing.T) {
		rec := &CallRecord{Status: CallDeclined}
		err := CheckUpdate(rec, CallUpdate{Offer: offer})
		test.That(t, errors.Is(err, ErrCallTerminal), test.ShouldBeTrue)
	})

	t.Run("apply merges and records who ended", func(t *testing.T) {
		rec := &CallRecord{Status: CallActive, Offer: offer, Answer: answer}
		u := StatusUpdate(CallEnded, RoleCaller, "hangup")
		test.That(t, CheckUpdate(rec, u), test.ShouldBeNil)
		u.Apply(rec)
		test.That(t, rec.Status, test.ShouldEqual, CallEnded)
		test.That(t, rec.EndedBy, test.ShouldEqual, RoleCaller)
		test.That(t, rec.EndReason, test.ShouldEqual, "hangup")
		test.That(t, rec.Offer, test.ShouldResemble, offer)
	})
}

func TestNewProfile(t *testing.T) {
	_, err := NewProfile("", "x", "", true)
	test.That(t, err, test.ShouldEqual, ErrParticipantIDEmpty)

	p, err := NewProfile("alice", "", "", true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.DisplayName, test.ShouldEqual, DefaultDisplayName)

	rec := NewCallRecord(p, &Profile{ID: "bob", DisplayName: "Bob"}, time.Now())
	test.That(t, rec.Status, test.ShouldEqual, CallRinging)
	test.That(t, rec.Offer, test.ShouldBeNil)
	role, ok := rec.RoleOf("bob")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, role, test.ShouldEqual, RoleCallee)
	test.That(t, role.Opposite(), test.ShouldEqual, RoleCaller)
}

func TestFromStatuses(t *testing.T) {
	test.That(t, FromStatuses(CallActive), test.ShouldResemble, []CallStatus{CallRinging})
	test.That(t, FromStatuses(CallEnded), test.ShouldResemble, []CallStatus{CallActive})
	test.That(t, FromStatuses(CallRinging), test.ShouldBeEmpty)
	for _, s := range TerminalStatuses() {
		test.That(t, s.Terminal(), test.ShouldBeTrue)
	}
}
