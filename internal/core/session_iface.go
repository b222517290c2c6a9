package core

import (
	"context"
	"errors"

	"github.com/dkeye/Callkit/internal/domain"
)

var ErrProfileNotFound = errors.New("profile not found")

// EndReason says why a session ended; it is surfaced once per session.
type EndReason string

const (
	ReasonHangup            EndReason = "hangup"
	ReasonRemoteHangup      EndReason = "remote_hangup"
	ReasonDeclined          EndReason = "declined"
	ReasonUnanswered        EndReason = "unanswered"
	ReasonCancelled         EndReason = "cancelled"
	ReasonBusy              EndReason = "busy"
	ReasonMediaDenied       EndReason = "media_denied"
	ReasonConnectionFailed  EndReason = "connection_failed"
	ReasonProtocolViolation EndReason = "protocol_violation"
	ReasonStoreError        EndReason = "store_error"
	ReasonShutdown          EndReason = "shutdown"
)

// ReasonForStatus maps a terminal status written by the remote side to a reason.
func ReasonForStatus(s domain.CallStatus) EndReason {
	switch s {
	case domain.CallDeclined:
		return ReasonDeclined
	case domain.CallUnanswered:
		return ReasonUnanswered
	}
	return ReasonRemoteHangup
}

// ReasonForRecord maps a terminal record onto the end reason seen by side.
func ReasonForRecord(rec domain.CallRecord, side domain.Role) EndReason {
	switch {
	case rec.EndedBy == side:
		return ReasonHangup
	case rec.EndReason == string(ReasonBusy):
		return ReasonBusy
	case rec.AcceptedAt != nil:
		// the callee had accepted, so either side ending is a hangup
		return ReasonRemoteHangup
	}
	return ReasonForStatus(rec.Status)
}

// CallEvents is what the UI shell listens to. Implementations must not block.
type CallEvents interface {
	OnIncomingCall(rec domain.CallRecord)
	OnIncomingCallWithdrawn(id domain.CallID)
	OnRemoteConnected(id domain.CallID)
	OnConnectionStateChanged(id domain.CallID, state ConnectionState)
	OnCallEnded(id domain.CallID, reason EndReason)
}

// ProfileDirectory is the read-only profile collaborator.
type ProfileDirectory interface {
	Profile(ctx context.Context, id domain.ParticipantID) (*domain.Profile, error)
	List(ctx context.Context) ([]domain.Profile, error)
}
