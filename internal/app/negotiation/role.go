package negotiation

import (
	"context"
	"fmt"

	"github.com/dkeye/Callkit/internal/domain"
)

// Role is the side-specific half of the negotiation protocol. The Session
// drives the shared control flow and calls into its Role at three points.
type Role interface {
	Side() domain.Role
	// ProduceInitialMessage runs once media is attached and subscriptions are live.
	ProduceInitialMessage(ctx context.Context, s *Session) error
	// OnRemoteOfferOrAnswer consumes the remote description carried by rec, if any.
	// Re-delivery of an already applied description is a no-op.
	OnRemoteOfferOrAnswer(ctx context.Context, s *Session, rec domain.CallRecord) error
	// OnLocalCandidate publishes a locally discovered candidate.
	OnLocalCandidate(ctx context.Context, s *Session, c domain.Candidate) error
}

// RoleFor returns the implementation for side.
func RoleFor(side domain.Role) Role {
	if side == domain.RoleCaller {
		return callerRole{}
	}
	return calleeRole{}
}

type callerRole struct{}

func (callerRole) Side() domain.Role { return domain.RoleCaller }

func (callerRole) ProduceInitialMessage(ctx context.Context, s *Session) error {
	offer, err := s.createLocalDescription(ctx, domain.SDPOffer)
	if err != nil {
		return err
	}
	return s.write(ctx, domain.CallUpdate{Offer: &offer})
}

func (callerRole) OnRemoteOfferOrAnswer(_ context.Context, s *Session, rec domain.CallRecord) error {
	if rec.Answer == nil {
		return nil
	}
	if rec.Answer.Type != domain.SDPAnswer {
		return fmt.Errorf("%w: answer field carries %q", errProtocol, rec.Answer.Type)
	}
	_, err := s.applyRemote(*rec.Answer)
	return err
}

func (callerRole) OnLocalCandidate(ctx context.Context, s *Session, c domain.Candidate) error {
	return s.store.AppendCandidate(ctx, s.id, domain.RoleCaller, c)
}

type calleeRole struct{}

func (calleeRole) Side() domain.Role { return domain.RoleCallee }

// ProduceInitialMessage is empty for the callee: its answer reacts to the offer.
func (calleeRole) ProduceInitialMessage(context.Context, *Session) error { return nil }

func (calleeRole) OnRemoteOfferOrAnswer(ctx context.Context, s *Session, rec domain.CallRecord) error {
	if rec.Offer == nil {
		return nil
	}
	if rec.Offer.Type != domain.SDPOffer {
		return fmt.Errorf("%w: offer field carries %q", errProtocol, rec.Offer.Type)
	}
	if rec.Answer != nil && !s.Phase().remoteSet() {
		return fmt.Errorf("%w: answer written by someone else", errProtocol)
	}
	applied, err := s.applyRemote(*rec.Offer)
	if err != nil || !applied {
		return err
	}
	answer, err := s.createLocalDescription(ctx, domain.SDPAnswer)
	if err != nil {
		return err
	}
	active := domain.CallActive
	return s.write(ctx, domain.CallUpdate{Answer: &answer, Status: &active})
}

func (calleeRole) OnLocalCandidate(ctx context.Context, s *Session, c domain.Candidate) error {
	return s.store.AppendCandidate(ctx, s.id, domain.RoleCallee, c)
}
