package domain

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrInvalidTransition  = errors.New("invalid call transition")
	ErrTransitionRole     = errors.New("role may not trigger this transition")
	ErrCallTerminal       = errors.New("call already terminal")
	ErrFieldAlreadySet    = errors.New("field already set")
	ErrAnswerWithoutOffer = errors.New("answer without offer")
	ErrActiveNoAnswer     = errors.New("active status requires an answer")
)

// transitions is the whole lifecycle: from -> to -> roles allowed to trigger it.
var transitions = map[CallStatus]map[CallStatus][]Role{
	CallRinging: {
		CallActive:     {RoleCallee},
		CallDeclined:   {RoleCallee},
		CallUnanswered: {RoleCaller, RoleCallee},
	},
	CallActive: {
		CallEnded: {RoleCaller, RoleCallee},
	},
}

// CanTransition reports whether from -> to exists at all, regardless of who asks.
func CanTransition(from, to CallStatus) bool {
	_, ok := transitions[from][to]
	return ok
}

// FromStatuses lists every status that may move to "to", sorted for stable queries.
func FromStatuses(to CallStatus) []CallStatus {
	var out []CallStatus
	for from, next := range transitions {
		if _, ok := next[to]; ok {
			out = append(out, from)
		}
	}
	slices.Sort(out)
	return out
}

// TerminalStatuses are the statuses after which a record is frozen.
func TerminalStatuses() []CallStatus {
	return []CallStatus{CallDeclined, CallEnded, CallUnanswered}
}

// CheckTransition validates from -> to when triggered by the given role.
func CheckTransition(from, to CallStatus, by Role) error {
	if from.Terminal() {
		return ErrCallTerminal
	}
	roles, ok := transitions[from][to]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	for _, r := range roles {
		if r == by {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s by %s", ErrTransitionRole, from, to, by)
}

// HangupStatus maps the end of a live session onto the terminal status legal
// from current. Declined is never produced here: it belongs to a callee that
// refused the call before any session existed.
func HangupStatus(current CallStatus) (CallStatus, bool) {
	switch current {
	case CallRinging:
		return CallUnanswered, true
	case CallActive:
		return CallEnded, true
	}
	return "", false
}

// CheckUpdate enforces the record invariants every store adapter must hold:
// nothing changes after a terminal status, offer/answer/acceptedAt are write-once,
// an answer needs an offer, and active needs an answer.
func CheckUpdate(rec *CallRecord, u CallUpdate) error {
	if rec.Status.Terminal() {
		return ErrCallTerminal
	}
	if u.Offer != nil && rec.Offer != nil {
		return fmt.Errorf("%w: offer", ErrFieldAlreadySet)
	}
	if u.Answer != nil {
		if rec.Answer != nil {
			return fmt.Errorf("%w: answer", ErrFieldAlreadySet)
		}
		if rec.Offer == nil && u.Offer == nil {
			return ErrAnswerWithoutOffer
		}
	}
	if u.AcceptedAt != nil && rec.AcceptedAt != nil {
		return fmt.Errorf("%w: acceptedAt", ErrFieldAlreadySet)
	}
	if u.Status != nil {
		if !CanTransition(rec.Status, *u.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, *u.Status)
		}
		if *u.Status == CallActive && rec.Answer == nil && u.Answer == nil {
			return ErrActiveNoAnswer
		}
	}
	return nil
}
