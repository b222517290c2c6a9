package domain

import (
	"time"

	"github.com/google/uuid"
)

type CallID string

// NewCallID returns a fresh random call identifier.
func NewCallID() CallID {
	return CallID(uuid.NewString())
}

// CallStatus values are part of the stored record, keep them stable.
type CallStatus string

const (
	CallRinging    CallStatus = "ringing"
	CallActive     CallStatus = "active"
	CallEnded      CallStatus = "ended"
	CallDeclined   CallStatus = "declined"
	CallUnanswered CallStatus = "unanswered"
)

// Terminal reports whether no further mutation of the record is allowed.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallEnded, CallDeclined, CallUnanswered:
		return true
	}
	return false
}

func (s CallStatus) Valid() bool {
	switch s {
	case CallRinging, CallActive, CallEnded, CallDeclined, CallUnanswered:
		return true
	}
	return false
}

// Role is the side a participant plays in one call.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Opposite returns the remote side's role.
func (r Role) Opposite() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// SessionDescription is the negotiation blob stored in offer/answer.
type SessionDescription struct {
	Type SDPType `json:"type" bson:"type"`
	SDP  string  `json:"sdp" bson:"sdp"`
}

// Candidate is one network path descriptor, opaque to the signaling layer.
type Candidate struct {
	Candidate        string  `json:"candidate" bson:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty" bson:"sdp_mid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" bson:"sdp_mline_index,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" bson:"username_fragment,omitempty"`
}

// CallRecord is the shared document both participants mutate through merge updates.
type CallRecord struct {
	ID           CallID              `json:"id" bson:"_id"`
	CallerID     ParticipantID       `json:"callerId" bson:"caller_id"`
	CalleeID     ParticipantID       `json:"calleeId" bson:"callee_id"`
	CallerName   string              `json:"callerName" bson:"caller_name"`
	CallerAvatar string              `json:"callerAvatar,omitempty" bson:"caller_avatar,omitempty"`
	CalleeName   string              `json:"calleeName" bson:"callee_name"`
	CalleeAvatar string              `json:"calleeAvatar,omitempty" bson:"callee_avatar,omitempty"`
	Status       CallStatus          `json:"status" bson:"status"`
	Offer        *SessionDescription `json:"offer,omitempty" bson:"offer,omitempty"`
	Answer       *SessionDescription `json:"answer,omitempty" bson:"answer,omitempty"`
	AcceptedAt   *time.Time          `json:"acceptedAt,omitempty" bson:"accepted_at,omitempty"`
	EndedBy      Role                `json:"endedBy,omitempty" bson:"ended_by,omitempty"`
	EndReason    string              `json:"endReason,omitempty" bson:"end_reason,omitempty"`
	CreatedAt    time.Time           `json:"createdAt" bson:"created_at"`
}

// NewCallRecord builds a ringing record from the two profiles.
func NewCallRecord(caller, callee *Profile, now time.Time) CallRecord {
	return CallRecord{
		ID:           NewCallID(),
		CallerID:     caller.ID,
		CalleeID:     callee.ID,
		CallerName:   caller.DisplayName,
		CallerAvatar: caller.AvatarRef,
		CalleeName:   callee.DisplayName,
		CalleeAvatar: callee.AvatarRef,
		Status:       CallRinging,
		CreatedAt:    now,
	}
}

// RoleOf returns the role the participant plays in this call.
func (c *CallRecord) RoleOf(id ParticipantID) (Role, bool) {
	switch id {
	case c.CallerID:
		return RoleCaller, true
	case c.CalleeID:
		return RoleCallee, true
	}
	return "", false
}

// CallUpdate is a partial, merge-style update. Nil fields are left untouched.
type CallUpdate struct {
	Status     *CallStatus
	Offer      *SessionDescription
	Answer     *SessionDescription
	AcceptedAt *time.Time
	EndedBy    Role
	EndReason  string
}

func (u CallUpdate) Empty() bool {
	return u.Status == nil && u.Offer == nil && u.Answer == nil && u.AcceptedAt == nil
}

// Apply merges u into rec. Guards live in CheckUpdate, Apply does not validate.
func (u CallUpdate) Apply(rec *CallRecord) {
	if u.Status != nil {
		rec.Status = *u.Status
		if u.Status.Terminal() {
			rec.EndedBy = u.EndedBy
			rec.EndReason = u.EndReason
		}
	}
	if u.Offer != nil {
		o := *u.Offer
		rec.Offer = &o
	}
	if u.Answer != nil {
		a := *u.Answer
		rec.Answer = &a
	}
	if u.AcceptedAt != nil {
		t := *u.AcceptedAt
		rec.AcceptedAt = &t
	}
}

// StatusUpdate is a shorthand for a terminal or status-only write.
func StatusUpdate(status CallStatus, by Role, reason string) CallUpdate {
	return CallUpdate{Status: &status, EndedBy: by, EndReason: reason}
}
