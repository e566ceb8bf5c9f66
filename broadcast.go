package main

import (
	"sync"
)

// RosterEntry pairs an identity with its display name.
type RosterEntry struct {
	Player PlayerID `json:"player"`
	Name   string   `json:"name"`
}

// BroadcastDelta describes one state change. Sequence numbers are assigned
// by the broadcaster and strictly increase across the whole game.
type BroadcastDelta struct {
	Type     string              `json:"type"`
	Seq      uint64              `json:"seq"`
	Scores   []ScoreRecord       `json:"scores,omitempty"`
	Charges  []ChargeUpdate      `json:"charges,omitempty"`
	Powerups []PowerupTransition `json:"powerups,omitempty"`
	Joined   []RosterEntry       `json:"joined,omitempty"`
	Left     []PlayerID          `json:"left,omitempty"`
}

// PlayerSnapshot is one player's full state inside a snapshot message.
type PlayerSnapshot struct {
	Player  PlayerID       `json:"player"`
	Name    string         `json:"name"`
	Score   int64          `json:"score"`
	Charge  int            `json:"charge"`
	Powerup *ActivePowerup `json:"powerup,omitempty"`
}

// SnapshotMessage carries the full game state to a (re)joining viewer,
// tagged with the sequence number it reflects. Clients rebuild from it
// rather than patching, then apply only deltas with higher numbers.
type SnapshotMessage struct {
	Type    string           `json:"type"`
	Seq     uint64           `json:"seq"`
	Players []PlayerSnapshot `json:"players"`
}

// viewer is one connected websocket's outbound queue. The queue is
// bounded; a viewer that cannot drain it in time is dropped rather than
// allowed to stall the mutation pipeline.
type viewer struct {
	send chan any
	id   PlayerID
}

// Broadcaster fans every delta out to all subscribed viewers in sequence
// order. Publishing never blocks: a full viewer queue drops that viewer,
// which forces a reconnect and a fresh snapshot-then-delta resync.
type Broadcaster struct {
	mu      sync.Mutex
	seq     uint64
	queue   int
	viewers map[*viewer]bool
}

func newBroadcaster(queue int, seq uint64) *Broadcaster {
	return &Broadcaster{
		seq:     seq,
		queue:   queue,
		viewers: make(map[*viewer]bool),
	}
}

func (b *Broadcaster) newViewer(id PlayerID) *viewer {
	return &viewer{
		send: make(chan any, b.queue),
		id:   id,
	}
}

// subscribe registers the viewer and queues its initial snapshot, built
// at the current sequence number. The caller serializes subscribe with
// publish, so the viewer observes no gap between the two.
func (b *Broadcaster) subscribe(v *viewer, snapshot func(seq uint64) SnapshotMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v.send <- snapshot(b.seq)
	b.viewers[v] = true
}

// unsubscribe removes the viewer and closes its queue. Idempotent.
func (b *Broadcaster) unsubscribe(v *viewer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.viewers[v] {
		delete(b.viewers, v)
		close(v.send)
	}
}

// publish stamps the delta with the next sequence number and fans it out.
// Lagging viewers are dropped on the spot.
func (b *Broadcaster) publish(delta *BroadcastDelta) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	delta.Type = "delta"
	delta.Seq = b.seq

	for v := range b.viewers {
		select {
		case v.send <- delta:
		default:
			delete(b.viewers, v)
			close(v.send)
		}
	}

	return b.seq
}

// sendTo queues a message for one viewer only, best-effort. Used for
// per-action rejections, which are never broadcast.
func (b *Broadcaster) sendTo(v *viewer, msg any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.viewers[v] {
		return
	}

	select {
	case v.send <- msg:
	default:
	}
}

// hasViewer reports whether any subscribed viewer carries the identity.
func (b *Broadcaster) hasViewer(id PlayerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for v := range b.viewers {
		if v.id == id {
			return true
		}
	}
	return false
}

// sequence returns the latest published sequence number.
func (b *Broadcaster) sequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.seq
}

func (b *Broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.viewers)
}

// closeAll disconnects every viewer (used by the session reaper).
func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for v := range b.viewers {
		delete(b.viewers, v)
		close(v.send)
	}
}
