// Package server implements the sync server: per-connection sessions over
// the duplex channel, authenticated against the database controller, with a
// broker fanning live changes out to peer sessions.
package server

import (
	"sync"

	"github.com/gofrs/uuid/v5"
)

// Broker tracks live sessions and routes cross-session messages: change
// notifications to peers and access proofs to export partners. Delivery is
// marshalled onto the target session's loop via post.
type Broker struct {
	mu       sync.RWMutex
	nextID   int64
	sessions map[int64]*Session
	identity map[int64]sessionIdentity
	pending  map[uuid.UUID]*Session
}

type sessionIdentity struct {
	user   uuid.UUID
	device uuid.UUID
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		sessions: make(map[int64]*Session),
		identity: make(map[int64]sessionIdentity),
		pending:  make(map[uuid.UUID]*Session),
	}
}

// add registers a fresh session and assigns its id.
func (b *Broker) add(s *Session) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.sessions[b.nextID] = s
	return b.nextID
}

// remove drops a session and any pending access entry pointing at it.
func (b *Broker) remove(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.sessions[id]
	delete(b.sessions, id)
	delete(b.identity, id)
	for deviceID, waiting := range b.pending {
		if waiting == s {
			delete(b.pending, deviceID)
		}
	}
}

// setIdentity records an authenticated session's user and device.
func (b *Broker) setIdentity(id int64, user, device uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.identity[id] = sessionIdentity{user: user, device: device}
}

// sessionForDevice returns the live session of a registered device, if any.
func (b *Broker) sessionForDevice(user, device uuid.UUID) *Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ident := range b.identity {
		if ident.user == user && ident.device == device {
			return b.sessions[id]
		}
	}
	return nil
}

// notifyUser schedules a change stream on every live session of a user
// except the writer. Targets are collected first so no session is posted to
// while the broker lock is held.
func (b *Broker) notifyUser(user uuid.UUID, excludeID int64) {
	b.mu.RLock()
	var targets []*Session
	for id, ident := range b.identity {
		if id == excludeID || ident.user != user {
			continue
		}
		if s := b.sessions[id]; s != nil {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()
	for _, s := range targets {
		s.post(s.streamChanges)
	}
}

// notifyDevice schedules a change stream on one device's session, if live.
func (b *Broker) notifyDevice(user, device uuid.UUID) {
	if s := b.sessionForDevice(user, device); s != nil {
		s.post(s.streamChanges)
	}
}

// addPending parks an access-requesting session until its partner replies.
func (b *Broker) addPending(deviceID uuid.UUID, s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[deviceID] = s
}

// takePending claims a parked session by its assigned device id.
func (b *Broker) takePending(deviceID uuid.UUID) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.pending[deviceID]
	delete(b.pending, deviceID)
	return s
}
