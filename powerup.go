package main

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ActionKind classifies a validated click.
type ActionKind int

const (
	// ActionSelf is a click on the actor's own name, always beneficial.
	ActionSelf ActionKind = iota
	// ActionHostile is a click on another name, harmful to the target.
	ActionHostile
	// ActionAssist is a hostile-shaped click redirected into a benefit
	// for the target via the assist modifier.
	ActionAssist
)

func (k ActionKind) String() string {
	switch k {
	case ActionSelf:
		return "self"
	case ActionHostile:
		return "hostile"
	case ActionAssist:
		return "assist"
	default:
		return "unknown"
	}
}

// ActionEvent is a validated click, alive only between the validator and
// the engine.
type ActionEvent struct {
	Actor  PlayerID
	Target PlayerID
	Kind   ActionKind
	At     time.Time
}

// PowerupSpec describes one configured powerup kind. Outgoing scales the
// holder's score effects; Incoming scales hostile effects the holder
// receives (0 = full shield).
type PowerupSpec struct {
	Kind     string        `json:"kind"`
	Outgoing float64       `json:"outgoing"`
	Incoming float64       `json:"incoming"`
	Duration time.Duration `json:"duration"`
}

// ActivePowerup is a powerup currently in effect for one player.
type ActivePowerup struct {
	Spec      PowerupSpec `json:"spec"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// ChargeState is the per-player meter plus any active powerup.
type ChargeState struct {
	Player PlayerID       `json:"player"`
	Charge int            `json:"charge"`
	Active *ActivePowerup `json:"active,omitempty"`
}

// ChargeUpdate reports a player's new charge level in a delta.
type ChargeUpdate struct {
	Player PlayerID `json:"player"`
	Charge int      `json:"charge"`
}

// PowerupTransition reports a powerup turning on or off in a delta.
type PowerupTransition struct {
	Player    PlayerID  `json:"player"`
	Kind      string    `json:"kind"`
	Activated bool      `json:"activated"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// EffectSet is everything a single accepted action changes, handed to the
// ledger and broadcaster by the hub.
type EffectSet struct {
	ActorDelta  int64
	TargetDelta int64
	Charge      ChargeUpdate
	Expired     []PowerupTransition
}

const (
	policyRotate = "rotate"
	policyRandom = "random"
)

var defaultPowerups = []string{
	"double:2:1:8s",
	"shield:1:0:8s",
	"frenzy:3:1:5s",
}

// parseCatalog parses kind:outgoing:incoming:duration entries.
func parseCatalog(entries []string) ([]PowerupSpec, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("powerup catalog must not be empty")
	}

	catalog := make([]PowerupSpec, 0, len(entries))
	seen := make(map[string]bool, len(entries))

	for _, entry := range entries {
		parts := strings.Split(entry, ":")
		if len(parts) != 4 || parts[0] == "" {
			return nil, fmt.Errorf("invalid powerup entry (want kind:outgoing:incoming:duration): %q", entry)
		}
		if seen[parts[0]] {
			return nil, fmt.Errorf("duplicate powerup kind: %q", parts[0])
		}
		seen[parts[0]] = true

		outgoing, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || outgoing < 0 {
			return nil, fmt.Errorf("invalid outgoing multiplier in %q", entry)
		}
		incoming, err := strconv.ParseFloat(parts[2], 64)
		if err != nil || incoming < 0 {
			return nil, fmt.Errorf("invalid incoming multiplier in %q", entry)
		}
		duration, err := time.ParseDuration(parts[3])
		if err != nil || duration <= 0 {
			return nil, fmt.Errorf("invalid duration in %q", entry)
		}

		catalog = append(catalog, PowerupSpec{
			Kind:     parts[0],
			Outgoing: outgoing,
			Incoming: incoming,
			Duration: duration,
		})
	}

	return catalog, nil
}

// Engine owns every ChargeState and decides the signed score deltas for
// each action, applying powerup modifiers on both sides.
type Engine struct {
	mu sync.Mutex

	maxCharge  int
	increments map[ActionKind]int
	points     map[ActionKind]int64

	catalog []PowerupSpec
	policy  string
	order   []int
	orderAt int

	states map[PlayerID]*ChargeState
}

func newEngine(cfg *Config, catalog []PowerupSpec) *Engine {
	e := &Engine{
		maxCharge: cfg.maxCharge,
		increments: map[ActionKind]int{
			ActionSelf:    cfg.selfCharge,
			ActionHostile: cfg.hostileCharge,
			ActionAssist:  cfg.assistCharge,
		},
		points: map[ActionKind]int64{
			ActionSelf:    cfg.selfPoints,
			ActionHostile: -cfg.hostilePoints,
			ActionAssist:  cfg.assistPoints,
		},
		catalog: catalog,
		policy:  cfg.powerupPolicy,
		states:  make(map[PlayerID]*ChargeState),
	}
	e.reshuffle()
	return e
}

func (e *Engine) reshuffle() {
	e.order = make([]int, len(e.catalog))
	for i := range e.order {
		e.order[i] = i
	}
	rand.Shuffle(len(e.order), func(i, j int) {
		e.order[i], e.order[j] = e.order[j], e.order[i]
	})
	e.orderAt = 0
}

// nextSpec picks the next powerup per the configured policy. Rotation
// walks a shuffled cycle and reshuffles on wraparound.
func (e *Engine) nextSpec() PowerupSpec {
	if e.policy == policyRandom {
		return e.catalog[rand.Intn(len(e.catalog))]
	}
	if e.orderAt >= len(e.order) {
		e.reshuffle()
	}
	spec := e.catalog[e.order[e.orderAt]]
	e.orderAt++
	return spec
}

// seed creates a zero charge state for the identity if none exists.
func (e *Engine) seed(id PlayerID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.states[id]; !ok {
		e.states[id] = &ChargeState{Player: id}
	}
}

// drop removes an identity's charge state. Idempotent.
func (e *Engine) drop(id PlayerID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.states, id)
}

// expireLocked clears the player's powerup if it has lapsed, returning
// the transition to broadcast.
func (e *Engine) expireLocked(state *ChargeState, now time.Time) (PowerupTransition, bool) {
	if state.Active == nil || now.Before(state.Active.ExpiresAt) {
		return PowerupTransition{}, false
	}
	kind := state.Active.Spec.Kind
	state.Active = nil
	return PowerupTransition{Player: state.Player, Kind: kind}, true
}

// apply charges the actor and computes the signed deltas for one action.
// Expired powerups encountered on either side are cleared and reported.
func (e *Engine) apply(ev ActionEvent) (EffectSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	actor, ok := e.states[ev.Actor]
	if !ok {
		return EffectSet{}, errUnknownTarget
	}

	var effects EffectSet

	if tr, ok := e.expireLocked(actor, ev.At); ok {
		effects.Expired = append(effects.Expired, tr)
	}

	target := actor
	if ev.Kind != ActionSelf {
		target, ok = e.states[ev.Target]
		if !ok {
			return EffectSet{}, errUnknownTarget
		}
		if tr, ok := e.expireLocked(target, ev.At); ok {
			effects.Expired = append(effects.Expired, tr)
		}
	}

	actor.Charge += e.increments[ev.Kind]
	if actor.Charge > e.maxCharge {
		actor.Charge = e.maxCharge
	}
	effects.Charge = ChargeUpdate{Player: actor.Player, Charge: actor.Charge}

	magnitude := float64(e.points[ev.Kind])
	if actor.Active != nil {
		magnitude *= actor.Active.Spec.Outgoing
	}
	if ev.Kind == ActionHostile && target.Active != nil {
		magnitude *= target.Active.Spec.Incoming
	}
	delta := int64(math.Round(magnitude))

	if ev.Kind == ActionSelf {
		effects.ActorDelta = delta
	} else {
		effects.TargetDelta = delta
	}

	return effects, nil
}

// activate turns a full charge meter into an active powerup, resetting
// the meter to zero. Only valid at exactly max charge. A powerup still
// running when its holder activates again is replaced; its deactivation
// is reported ahead of the new activation so transition streams stay
// balanced (every activation eventually pairs with one deactivation).
func (e *Engine) activate(id PlayerID, now time.Time) ([]PowerupTransition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.states[id]
	if !ok {
		return nil, errUnknownTarget
	}

	if state.Charge < e.maxCharge {
		return nil, errInsufficientCharge
	}

	var transitions []PowerupTransition
	if tr, ok := e.expireLocked(state, now); ok {
		transitions = append(transitions, tr)
	} else if state.Active != nil {
		transitions = append(transitions, PowerupTransition{Player: id, Kind: state.Active.Spec.Kind})
	}

	spec := e.nextSpec()
	state.Active = &ActivePowerup{
		Spec:      spec,
		ExpiresAt: now.Add(spec.Duration),
	}
	state.Charge = 0

	return append(transitions, PowerupTransition{
		Player:    id,
		Kind:      spec.Kind,
		Activated: true,
		ExpiresAt: state.Active.ExpiresAt,
	}), nil
}

// sweep clears every lapsed powerup, bounding staleness for players that
// stopped acting before their powerup ran out.
func (e *Engine) sweep(now time.Time) []PowerupTransition {
	e.mu.Lock()
	defer e.mu.Unlock()

	var expired []PowerupTransition
	for _, state := range e.states {
		if tr, ok := e.expireLocked(state, now); ok {
			expired = append(expired, tr)
		}
	}
	return expired
}

// chargeOf returns a copy of the identity's charge state.
func (e *Engine) chargeOf(id PlayerID) (ChargeState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.states[id]
	if !ok {
		return ChargeState{}, false
	}
	copied := *state
	if state.Active != nil {
		active := *state.Active
		copied.Active = &active
	}
	return copied, true
}

// export returns a copy of every charge state for snapshotting.
func (e *Engine) export() []ChargeState {
	e.mu.Lock()
	defer e.mu.Unlock()

	states := make([]ChargeState, 0, len(e.states))
	for _, state := range e.states {
		copied := *state
		if state.Active != nil {
			active := *state.Active
			copied.Active = &active
		}
		states = append(states, copied)
	}
	return states
}

// load replaces the engine contents with the given charge states.
func (e *Engine) load(states []ChargeState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.states = make(map[PlayerID]*ChargeState, len(states))
	for _, state := range states {
		copied := state
		e.states[state.Player] = &copied
	}
}
