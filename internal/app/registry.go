package app

import (
	"context"
	"slices"
	"sync"

	"github.com/dkeye/Callkit/internal/domain"
	"github.com/rs/zerolog/log"
)

type clientEntry[T any] struct {
	Client T
	Cancel context.CancelFunc
	gen    uint64
}

// Registry binds each connected participant to at most one client. Binding a
// participant again cancels the previous client.
type Registry[T any] struct {
	mu      sync.RWMutex
	gen     uint64
	clients map[domain.ParticipantID]*clientEntry[T]
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{clients: make(map[domain.ParticipantID]*clientEntry[T])}
}

// Bind registers client for id and returns the binding generation Unbind expects.
func (r *Registry[T]) Bind(id domain.ParticipantID, client T, cancel context.CancelFunc) uint64 {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	prev := r.clients[id]
	r.clients[id] = &clientEntry[T]{Client: client, Cancel: cancel, gen: gen}
	r.mu.Unlock()

	if prev != nil && prev.Cancel != nil {
		prev.Cancel()
		log.Info().Str("module", "app.registry").Str("participant", string(id)).Msg("replaced previous client")
	}
	log.Info().Str("module", "app.registry").Str("participant", string(id)).Msg("bound client")
	return gen
}

func (r *Registry[T]) Get(id domain.ParticipantID) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.clients[id]; ok {
		return e.Client, true
	}
	var zero T
	return zero, false
}

// Unbind removes id only if gen is still its current binding.
func (r *Registry[T]) Unbind(id domain.ParticipantID, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok || e.gen != gen {
		return false
	}
	delete(r.clients, id)
	log.Info().Str("module", "app.registry").Str("participant", string(id)).Msg("unbind client")
	return true
}

func (r *Registry[T]) Cancel(id domain.ParticipantID) bool {
	r.mu.RLock()
	e, ok := r.clients[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("participant", string(id)).Msg("canceled client")
	return true
}

// Online lists bound participants in id order.
func (r *Registry[T]) Online() []domain.ParticipantID {
	r.mu.RLock()
	out := make([]domain.ParticipantID, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// CancelAll cancels every client, used on shutdown.
func (r *Registry[T]) CancelAll() {
	r.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(r.clients))
	for _, e := range r.clients {
		if e.Cancel != nil {
			cancels = append(cancels, e.Cancel)
		}
	}
	r.mu.RUnlock()
	for _, c := range cancels {
		c()
	}
}
