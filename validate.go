package main

import (
	"sync"
	"time"
)

// rawAction is a click as received from the transport, before
// classification and rate limiting.
type rawAction struct {
	actor  PlayerID
	target PlayerID
	assist bool
	at     time.Time
}

// rateWindow is a per-actor ring of the last N accepted action times,
// giving an exact rolling window without any background bookkeeping.
type rateWindow struct {
	mu    sync.Mutex
	times []time.Time
	head  int
}

func (rw *rateWindow) allow(limit int, window time.Duration, now time.Time) bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if len(rw.times) < limit {
		rw.times = append(rw.times, now)
		return true
	}

	oldest := rw.times[rw.head]
	if now.Sub(oldest) < window {
		return false
	}

	rw.times[rw.head] = now
	rw.head = (rw.head + 1) % limit
	return true
}

// Validator classifies and rate-limits raw actions before they reach the
// engine. It touches only per-actor state, so connections can validate in
// parallel without serializing on the hub loop.
type Validator struct {
	reg    *Registry
	limit  int
	window time.Duration

	mu     sync.Mutex
	actors map[PlayerID]*rateWindow
}

func newValidator(reg *Registry, limit int, window time.Duration) *Validator {
	return &Validator{
		reg:    reg,
		limit:  limit,
		window: window,
		actors: make(map[PlayerID]*rateWindow),
	}
}

// validate classifies a raw click and enforces the rolling rate limit.
// Rejected actions never reach the ledger or engine and never produce
// a broadcast delta.
func (v *Validator) validate(raw rawAction) (ActionEvent, error) {
	if !v.reg.isActive(raw.actor) {
		return ActionEvent{}, errUnknownTarget
	}

	ev := ActionEvent{
		Actor:  raw.actor,
		Target: raw.target,
		At:     raw.at,
	}

	switch {
	case raw.target == "" || raw.target == raw.actor:
		ev.Kind = ActionSelf
		ev.Target = raw.actor
	case !v.reg.isActive(raw.target):
		return ActionEvent{}, errUnknownTarget
	case raw.assist:
		ev.Kind = ActionAssist
	default:
		ev.Kind = ActionHostile
	}

	if !v.windowFor(raw.actor).allow(v.limit, v.window, raw.at) {
		return ActionEvent{}, errRateLimited
	}

	return ev, nil
}

func (v *Validator) windowFor(id PlayerID) *rateWindow {
	v.mu.Lock()
	defer v.mu.Unlock()

	rw, ok := v.actors[id]
	if !ok {
		rw = &rateWindow{}
		v.actors[id] = rw
	}
	return rw
}

// forget drops an actor's rate limit state once its identity is released.
func (v *Validator) forget(id PlayerID) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.actors, id)
}
