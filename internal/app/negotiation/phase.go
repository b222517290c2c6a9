package negotiation

// Phase is the explicit negotiation state of one Session. It only moves forward.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseAcquiring
	PhaseAwaitingRemote
	PhaseRemoteApplied
	PhaseConnected
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAcquiring:
		return "acquiring"
	case PhaseAwaitingRemote:
		return "awaiting_remote"
	case PhaseRemoteApplied:
		return "remote_applied"
	case PhaseConnected:
		return "connected"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// remoteSet reports whether a remote description has been applied in this phase.
func (p Phase) remoteSet() bool {
	return p == PhaseRemoteApplied || p == PhaseConnected
}
