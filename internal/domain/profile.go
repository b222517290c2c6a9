// Package domain contains entities and the call lifecycle rules, no transport here.
package domain

import (
	"errors"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 64
	DefaultDisplayName  = "guest"
	maxAvatarRefLen     = 512
)

var (
	ErrParticipantIDEmpty   = errors.New("participant id empty")
	ErrParticipantIDTooLong = errors.New("participant id too long")
	ErrDisplayNameTooLong   = errors.New("display name too long")
	ErrAvatarRefTooLong     = errors.New("avatar ref too long")
)

type ParticipantID string

// Profile is the read-only view of a participant owned by the profile collaborator.
type Profile struct {
	ID           ParticipantID `json:"id"`
	DisplayName  string        `json:"display_name"`
	AvatarRef    string        `json:"avatar,omitempty"`
	AcceptsCalls bool          `json:"accepts_calls"`
}

// NewProfile is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewProfile(id ParticipantID, displayName, avatar string, acceptsCalls bool) (*Profile, error) {
	if len(id) == 0 {
		return nil, ErrParticipantIDEmpty
	}
	if len(id) > MaxParticipantIDLen {
		return nil, ErrParticipantIDTooLong
	}
	if displayName == "" {
		displayName = DefaultDisplayName
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	if len(avatar) > maxAvatarRefLen {
		return nil, ErrAvatarRefTooLong
	}
	return &Profile{
		ID:           id,
		DisplayName:  displayName,
		AvatarRef:    avatar,
		AcceptsCalls: acceptsCalls,
	}, nil
}
