package testutils

import (
	"sync"

	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
)

// Events records every CallEvents notification.
type Events struct {
	mu        sync.Mutex
	incoming  []domain.CallRecord
	withdrawn []domain.CallID
	connected []domain.CallID
	states    map[domain.CallID][]core.ConnectionState
	ended     map[domain.CallID][]core.EndReason
}

var _ core.CallEvents = (*Events)(nil)

func NewEvents() *Events {
	return &Events{
		states: map[domain.CallID][]core.ConnectionState{},
		ended:  map[domain.CallID][]core.EndReason{},
	}
}

func (e *Events) OnIncomingCall(rec domain.CallRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.incoming = append(e.incoming, rec)
}

func (e *Events) OnIncomingCallWithdrawn(id domain.CallID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.withdrawn = append(e.withdrawn, id)
}

func (e *Events) OnRemoteConnected(id domain.CallID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = append(e.connected, id)
}

func (e *Events) OnConnectionStateChanged(id domain.CallID, st core.ConnectionState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[id] = append(e.states[id], st)
}

func (e *Events) OnCallEnded(id domain.CallID, reason core.EndReason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ended[id] = append(e.ended[id], reason)
}

func (e *Events) Incoming() []domain.CallRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.CallRecord(nil), e.incoming...)
}

func (e *Events) Withdrawn() []domain.CallID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.CallID(nil), e.withdrawn...)
}

func (e *Events) Connected(id domain.CallID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.connected {
		if c == id {
			return true
		}
	}
	return false
}

func (e *Events) States(id domain.CallID) []core.ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.ConnectionState(nil), e.states[id]...)
}

// Ended returns every end reason reported for id, in order.
func (e *Events) Ended(id domain.CallID) []core.EndReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.EndReason(nil), e.ended[id]...)
}
