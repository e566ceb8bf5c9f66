package main

import (
	"sync"
	"time"
)

// PlayerID is the opaque per-connection identity token. It doubles as the
// reconnection key: a browser presenting the same cookie inside the
// reconnect grace period reclaims its previous score and charge.
type PlayerID string

type playerEntry struct {
	name      string
	connected bool
	lastSeen  time.Time
}

// Registry tracks which identities are part of a game and whether a live
// connection currently backs each of them. Disconnected players stay
// registered (parked) until the reconnect grace expires, so their names
// remain clickable and their records survive a page reload.
type Registry struct {
	mu      sync.RWMutex
	max     int
	players map[PlayerID]*playerEntry
}

func newRegistry(max int) *Registry {
	return &Registry{
		max:     max,
		players: make(map[PlayerID]*playerEntry),
	}
}

// register admits an identity, reattaching it to its parked entry if one
// exists. Returns true when the identity was already known (reconnect).
func (reg *Registry) register(id PlayerID, name string) (bool, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if entry, ok := reg.players[id]; ok {
		entry.connected = true
		entry.lastSeen = time.Now()
		if entry.name == "" {
			entry.name = name
		}
		return true, nil
	}

	if len(reg.players) >= reg.max {
		return false, errCapacityExceeded
	}

	reg.players[id] = &playerEntry{
		name:      name,
		connected: true,
		lastSeen:  time.Now(),
	}

	return false, nil
}

// park records an identity without a live connection behind it, as if it
// had just disconnected. Used when restoring a snapshot, so pre-restart
// cookies can reclaim their records.
func (reg *Registry) park(id PlayerID, name string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.players[id]; ok {
		return
	}

	reg.players[id] = &playerEntry{
		name:     name,
		lastSeen: time.Now(),
	}
}

// disconnect marks an identity as no longer backed by a connection. The
// entry itself survives until release.
func (reg *Registry) disconnect(id PlayerID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if entry, ok := reg.players[id]; ok {
		entry.connected = false
		entry.lastSeen = time.Now()
	}
}

// release removes the identity entirely. Idempotent.
func (reg *Registry) release(id PlayerID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	delete(reg.players, id)
}

// isActive reports whether the identity is part of the game, connected
// or parked.
func (reg *Registry) isActive(id PlayerID) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	_, ok := reg.players[id]
	return ok
}

// isConnected reports whether a live connection currently backs the identity.
func (reg *Registry) isConnected(id PlayerID) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	entry, ok := reg.players[id]
	return ok && entry.connected
}

func (reg *Registry) nameOf(id PlayerID) string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	if entry, ok := reg.players[id]; ok {
		return entry.name
	}
	return ""
}

func (reg *Registry) count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return len(reg.players)
}

// roster returns every registered identity with its display name.
func (reg *Registry) roster() []RosterEntry {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	entries := make([]RosterEntry, 0, len(reg.players))
	for id, entry := range reg.players {
		entries = append(entries, RosterEntry{Player: id, Name: entry.name})
	}
	return entries
}

// expired returns parked identities whose last connection closed before
// the cutoff.
func (reg *Registry) expired(cutoff time.Time) []PlayerID {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var ids []PlayerID
	for id, entry := range reg.players {
		if !entry.connected && entry.lastSeen.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
