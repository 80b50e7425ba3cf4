package app

import (
	"context"
	"sync"

	"github.com/dkeye/camslot/internal/core"
	"github.com/dkeye/camslot/internal/domain"
	"github.com/rs/zerolog/log"
)

// SenderSession is what a connection proved at sender_init time.
type SenderSession struct {
	Slot       domain.SlotIdx
	Token      string
	Generation uint64
}

type sessionEntry struct {
	Conn   core.SignalConnection
	Sender *SenderSession
	Cancel context.CancelFunc
}

// Registry is the session table of every live transport connection.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.ConnID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.ConnID]*sessionEntry),
	}
}

func (r *Registry) Bind(id domain.ConnID, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &sessionEntry{Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("bound connection")
}

// Unbind forgets the connection and returns the sender session it held.
func (r *Registry) Unbind(id domain.ConnID) (SenderSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return SenderSession{}, false
	}
	delete(r.sessions, id)
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("unbind connection")
	if e.Sender == nil {
		return SenderSession{}, false
	}
	return *e.Sender, true
}

func (r *Registry) Conn(id domain.ConnID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[id]; ok {
		return e.Conn, true
	}
	return nil, false
}

// Authenticate tags the connection as a sender for a slot. Reports false
// for an unknown connection.
func (r *Registry) Authenticate(id domain.ConnID, s SenderSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return false
	}
	e.Sender = &s
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Int("slot", int(s.Slot)).Msg("authenticated sender")
	return true
}

func (r *Registry) SenderOf(id domain.ConnID) (SenderSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok || e.Sender == nil {
		return SenderSession{}, false
	}
	return *e.Sender, true
}

// ForgetSlot drops the sender tag of every connection authenticated for
// the slot and returns their ids.
func (r *Registry) ForgetSlot(slot domain.SlotIdx) []domain.ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ConnID
	for id, e := range r.sessions {
		if e.Sender != nil && e.Sender.Slot == slot {
			e.Sender = nil
			out = append(out, id)
		}
	}
	if len(out) > 0 {
		log.Info().Str("module", "app.registry").Int("slot", int(slot)).Int("count", len(out)).Msg("forgot senders of slot")
	}
	return out
}

type regSnap struct {
	ID       domain.ConnID
	Conn     core.SignalConnection
	IsSender bool
}

func (r *Registry) Connections() []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.sessions))
	for id, e := range r.sessions {
		out = append(out, regSnap{ID: id, Conn: e.Conn, IsSender: e.Sender != nil})
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Cancel(id domain.ConnID) bool {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("canceled connection")
	return true
}
