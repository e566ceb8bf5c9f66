// Clickname game server
//
// Every player's name is a button. Clicking your own name raises your
// score, clicking someone else's lowers theirs, and clicking with the
// assist modifier raises theirs instead. Each accepted click also charges
// the actor's powerup meter; a full meter can be spent on a time-limited
// powerup that scales the magnitude of future clicks.
//
// Features:
// - WebSockets per game ID: /path/:gameid and /path/:gameid/ws
// - Players identified by cookie; the cookie doubles as the reconnect key
// - Spectator connections receive the same broadcast stream without a score
// - Per-player rolling-window rate limiting before any state is touched
// - Sequence-numbered deltas; joiners get a full snapshot, then deltas
// - Lagging viewers are dropped and resync via reconnect
// - Powerup expiry swept on a timer so effects end without player input
// - Periodic durable snapshots, restored when a game ID is revisited
// - Games auto-reaped after configurable idle timeout
// - Random 8-char game IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the current session, backed by go-qrcode

package main

import (
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

type viewerJoin struct {
	v         *viewer
	name      string
	spectator bool
	reply     chan error
}

type actionRequest struct {
	v  *viewer
	ev ActionEvent
}

type activationRequest struct {
	v  *viewer
	id PlayerID
}

// Hub is one game session. Its run loop is the single serialization point
// for every score and charge mutation: joins, validated actions,
// activations, sweeps and snapshots all arrive as messages.
type Hub struct {
	id  string
	cfg *Config

	reg       *Registry
	ledger    *Ledger
	engine    *Engine
	validator *Validator
	caster    *Broadcaster
	store     BlobStore

	register    chan viewerJoin
	unreg       chan *viewer
	actions     chan actionRequest
	activations chan activationRequest
	snapshots   chan chan error
	saveDone    chan error
	saving      bool
	quit        chan struct{}
	stopOnce    sync.Once

	mu         sync.RWMutex
	createdAt  time.Time
	lastActive time.Time
}

func newHub(cfg *Config, gameID string, store BlobStore) *Hub {
	now := time.Now()
	h := &Hub{
		id:          gameID,
		cfg:         cfg,
		reg:         newRegistry(cfg.maxPlayers),
		ledger:      newLedger(),
		engine:      newEngine(cfg, cfg.catalog()),
		store:       store,
		register:    make(chan viewerJoin),
		unreg:       make(chan *viewer),
		actions:     make(chan actionRequest, 256),
		activations: make(chan activationRequest, 16),
		snapshots:   make(chan chan error),
		saveDone:    make(chan error, 1),
		quit:        make(chan struct{}),
		createdAt:   now,
		lastActive:  now,
	}
	h.validator = newValidator(h.reg, cfg.rateLimit, cfg.rateWindow)
	h.caster = newBroadcaster(cfg.viewerQueue, h.restore())
	return h
}

// restore loads the game's snapshot blob, if any, and returns the
// sequence number broadcasting should resume from. A missing blob starts
// the game empty; a corrupt one is reported and also starts empty.
func (h *Hub) restore() uint64 {
	if h.store == nil {
		return 0
	}

	blob, err := h.store.Load(h.id)
	if errors.Is(err, errNoSnapshot) {
		return 0
	}
	if err != nil {
		logf(h.cfg, "GAMES: Failed to load snapshot for %s: %v", h.id, err)
		return 0
	}

	snap, err := decodeSnapshot(blob)
	if err != nil {
		logf(h.cfg, "GAMES: %v for %s, starting empty", err, h.id)
		return 0
	}

	h.ledger.load(snap.Scores)
	h.engine.load(snap.Charges)
	for _, entry := range snap.Roster {
		h.reg.park(entry.Player, entry.Name)
	}

	logf(h.cfg, "GAMES: Restored %s at seq %d with %d players", h.id, snap.Seq, len(snap.Roster))

	return snap.Seq
}

func (h *Hub) run() {
	sweep := time.NewTicker(h.cfg.sweepInterval)
	defer sweep.Stop()

	var snapshotC <-chan time.Time
	if h.store != nil {
		ticker := time.NewTicker(h.cfg.snapshotEvery)
		defer ticker.Stop()
		snapshotC = ticker.C
	}

	for {
		select {
		case <-h.quit:
			return

		case join := <-h.register:
			h.handleJoin(join)

		case v := <-h.unreg:
			h.handleLeave(v)

		case req := <-h.actions:
			h.handleAction(req)

		case req := <-h.activations:
			h.handleActivation(req)

		case <-sweep.C:
			h.handleSweep()

		case <-snapshotC:
			h.takeSnapshot()

		case err := <-h.saveDone:
			// Failures are retried on the next interval; live state keeps
			// serving from memory regardless.
			h.saving = false
			if err != nil {
				logf(h.cfg, "GAMES: Snapshot of %s failed: %v", h.id, err)
			}

		case reply := <-h.snapshots:
			reply <- h.flushSnapshot()
		}
	}
}

func (h *Hub) touch() {
	h.mu.Lock()
	h.lastActive = time.Now()
	h.mu.Unlock()
}

func (h *Hub) handleJoin(join viewerJoin) {
	h.touch()

	if !join.spectator {
		id := join.v.id
		reclaimed, err := h.reg.register(id, join.name)
		if err != nil {
			join.reply <- err
			return
		}

		if !reclaimed {
			h.ledger.seed(id)
			h.engine.seed(id)
			score, _ := h.ledger.read(id)
			h.caster.publish(&BroadcastDelta{
				Joined:  []RosterEntry{{Player: id, Name: h.reg.nameOf(id)}},
				Scores:  []ScoreRecord{{Player: id, Score: score, LastUpdated: time.Now()}},
				Charges: []ChargeUpdate{{Player: id}},
			})
			logf(h.cfg, "GAMES: Player %q joined %s", join.name, h.id)
		}
	}

	h.caster.subscribe(join.v, h.buildSnapshot)
	join.reply <- nil
}

func (h *Hub) handleLeave(v *viewer) {
	h.touch()
	h.caster.unsubscribe(v)

	// Another tab with the same cookie may still back this identity.
	if v.id != "" && !h.caster.hasViewer(v.id) {
		h.reg.disconnect(v.id)
	}
}

func (h *Hub) handleAction(req actionRequest) {
	h.touch()

	effects, err := h.engine.apply(req.ev)
	if err != nil {
		h.caster.sendTo(req.v, errorMessage(err))
		return
	}

	ev := req.ev
	delta := &BroadcastDelta{
		Charges:  []ChargeUpdate{effects.Charge},
		Powerups: effects.Expired,
	}

	switch {
	case effects.ActorDelta != 0 && effects.TargetDelta != 0:
		actorScore, targetScore, ok := h.ledger.adjustPair(ev.Actor, ev.Target, effects.ActorDelta, effects.TargetDelta, ev.At)
		if ok {
			delta.Scores = append(delta.Scores,
				ScoreRecord{Player: ev.Actor, Score: actorScore, LastUpdated: ev.At},
				ScoreRecord{Player: ev.Target, Score: targetScore, LastUpdated: ev.At})
		}
	case effects.ActorDelta != 0:
		if score, ok := h.ledger.adjust(ev.Actor, effects.ActorDelta, ev.At); ok {
			delta.Scores = append(delta.Scores, ScoreRecord{Player: ev.Actor, Score: score, LastUpdated: ev.At})
		}
	case effects.TargetDelta != 0:
		if score, ok := h.ledger.adjust(ev.Target, effects.TargetDelta, ev.At); ok {
			delta.Scores = append(delta.Scores, ScoreRecord{Player: ev.Target, Score: score, LastUpdated: ev.At})
		}
	}

	h.caster.publish(delta)
}

func (h *Hub) handleActivation(req activationRequest) {
	h.touch()

	transitions, err := h.engine.activate(req.id, time.Now())
	if err != nil {
		h.caster.sendTo(req.v, errorMessage(err))
		return
	}

	logf(h.cfg, "GAMES: %q activated %q in %s", h.reg.nameOf(req.id), transitions[len(transitions)-1].Kind, h.id)

	h.caster.publish(&BroadcastDelta{
		Powerups: transitions,
		Charges:  []ChargeUpdate{{Player: req.id, Charge: 0}},
	})
}

// handleSweep expires lapsed powerups and reaps players whose reconnect
// grace has run out, emitting one delta for whatever changed.
func (h *Hub) handleSweep() {
	now := time.Now()
	delta := &BroadcastDelta{
		Powerups: h.engine.sweep(now),
	}

	cutoff := now.Add(-h.cfg.reconnectGrace)
	for _, id := range h.reg.expired(cutoff) {
		name := h.reg.nameOf(id)
		h.reg.release(id)
		h.ledger.drop(id)
		h.engine.drop(id)
		h.validator.forget(id)
		delta.Left = append(delta.Left, id)
		logf(h.cfg, "GAMES: Player %q timed out of %s", name, h.id)
	}

	if len(delta.Powerups) > 0 || len(delta.Left) > 0 {
		h.caster.publish(delta)
	}
}

// buildSnapshot composes the full-state message for a joining viewer.
// Called while the broadcaster holds its own lock, from the run loop, so
// the result is consistent with the tagged sequence number.
func (h *Hub) buildSnapshot(seq uint64) SnapshotMessage {
	roster := h.reg.roster()
	players := make([]PlayerSnapshot, 0, len(roster))

	for _, entry := range roster {
		ps := PlayerSnapshot{Player: entry.Player, Name: entry.Name}
		if score, ok := h.ledger.read(entry.Player); ok {
			ps.Score = score
		}
		if state, ok := h.engine.chargeOf(entry.Player); ok {
			ps.Charge = state.Charge
			ps.Powerup = state.Active
		}
		players = append(players, ps)
	}

	return SnapshotMessage{
		Type:    "snapshot",
		Seq:     seq,
		Players: players,
	}
}

// buildDurableSnapshot copies ledger, charge and roster state at the
// serialization point, so the blob is consistent at its sequence number.
func (h *Hub) buildDurableSnapshot() *gameSnapshot {
	return &gameSnapshot{
		Seq:     h.caster.sequence(),
		TakenAt: time.Now(),
		Roster:  h.reg.roster(),
		Scores:  h.ledger.leaderboard(),
		Charges: h.engine.export(),
	}
}

// takeSnapshot captures state on the run loop but hands the encode and
// store write to a background goroutine, so a slow backend never stalls
// joins, actions or sweeps. At most one write is in flight; a tick that
// lands mid-write is skipped and retried on the next interval.
func (h *Hub) takeSnapshot() {
	if h.store == nil || h.saving {
		return
	}

	snap := h.buildDurableSnapshot()
	h.saving = true

	go func() {
		blob, err := encodeSnapshot(snap)
		if err == nil {
			err = h.store.Save(h.id, blob)
		}
		h.saveDone <- err
	}()
}

// flushSnapshot drains any in-flight write, then writes the current
// state synchronously. Only used for the final snapshot at shutdown,
// where blocking the run loop no longer matters.
func (h *Hub) flushSnapshot() error {
	if h.store == nil {
		return nil
	}

	if h.saving {
		if err := <-h.saveDone; err != nil {
			logf(h.cfg, "GAMES: Snapshot of %s failed: %v", h.id, err)
		}
		h.saving = false
	}

	blob, err := encodeSnapshot(h.buildDurableSnapshot())
	if err != nil {
		return err
	}

	return h.store.Save(h.id, blob)
}

// stop ends the session: one final snapshot, then the run loop exits and
// every viewer is disconnected.
func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		if h.store != nil {
			reply := make(chan error, 1)
			select {
			case h.snapshots <- reply:
				select {
				case err := <-reply:
					if err != nil {
						logf(h.cfg, "GAMES: Final snapshot of %s failed: %v", h.id, err)
					}
				case <-time.After(5 * time.Second):
				}
			case <-time.After(5 * time.Second):
			}
		}
		close(h.quit)
		h.caster.closeAll()
	})
}

// GameManager holds a set of hubs keyed by game ID, so each $path/$gameid
// is its own isolated session.
type GameManager struct {
	mu          sync.Mutex
	cfg         *Config
	store       BlobStore
	hubs        map[string]*Hub
	idleTimeout time.Duration
}

func newGameManager(cfg *Config, store BlobStore) *GameManager {
	gm := &GameManager{
		cfg:         cfg,
		store:       store,
		hubs:        make(map[string]*Hub),
		idleTimeout: cfg.sessionTimeout,
	}
	if gm.idleTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

func (gm *GameManager) getHub(gameID string) *Hub {
	gm.mu.Lock()
	if hub, ok := gm.hubs[gameID]; ok {
		gm.mu.Unlock()
		return hub
	}
	gm.mu.Unlock()

	// Construction restores the game's snapshot, which may hit a slow
	// backend; keep it outside the lock so other sessions stay reachable,
	// then re-check in case another connection got there first.
	hub := newHub(gm.cfg, gameID, gm.store)

	gm.mu.Lock()
	defer gm.mu.Unlock()

	if existing, ok := gm.hubs[gameID]; ok {
		return existing
	}

	gm.hubs[gameID] = hub
	go hub.run()
	return hub
}

// peekHub looks a session up without creating one.
func (gm *GameManager) peekHub(gameID string) (*Hub, bool) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	hub, ok := gm.hubs[gameID]
	return hub, ok
}

// newGameID generates a crypto-random game ID and ensures it doesn't
// collide with existing games.
func (gm *GameManager) newGameID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		gm.mu.Lock()
		_, exists := gm.hubs[id]
		gm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically ends hubs that have been idle longer than
// idleTimeout, snapshotting them one last time.
func (gm *GameManager) reaperLoop() {
	ticker := time.NewTicker(gm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-gm.idleTimeout)

		gm.mu.Lock()
		for id, hub := range gm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(gm.hubs, id)
				go hub.stop()
			}
		}
		gm.mu.Unlock()
	}
}

// shutdown stops every session, snapshotting each on the way out.
func (gm *GameManager) shutdown() {
	gm.mu.Lock()
	hubs := make([]*Hub, 0, len(gm.hubs))
	for id, hub := range gm.hubs {
		hubs = append(hubs, hub)
		delete(gm.hubs, id)
	}
	gm.mu.Unlock()

	var wg sync.WaitGroup
	for _, hub := range hubs {
		wg.Add(1)
		go func(h *Hub) {
			defer wg.Done()
			h.stop()
		}(hub)
	}
	wg.Wait()
}

// serveLeaderboard exposes the current standings of one game as JSON.
func serveLeaderboard(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		hub, ok := gm.peekHub(ps.ByName("gameid"))
		if !ok {
			http.Error(w, "no such game", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)

		writeJSON(w, hub.ledger.leaderboard())
	}
}

// QR handler: generates a PNG QR code for the current game URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	gameID := ps.ByName("gameid")
	if gameID == "" {
		http.Error(w, "missing game id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:gameid/qr; strip trailing "/qr" to get the game URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func serveGamePage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		body := `<h1>clickname</h1>
<ul>
<li>Click your name to gain points</li>
<li>Click other people's names to make them lose points</li>
<li>Click with the assist modifier to help your friends instead</li>
<li>Activate a powerup when your meter is full</li>
</ul>
<p>Connect a client to <code>ws(s)://host` + r.URL.Path + `/ws</code>.</p>`

		_, _ = w.Write([]byte(newPage("clickname", body)))
	}
}

// redirectNewGame handles GET /path by generating a new random game ID
// (with server-side collision detection) and redirecting to /path/:gameid.
func redirectNewGame(cfg *Config, path string, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		gameID := gm.newGameID()
		logf(cfg, "GAMES: Created game %s/%s", path, gameID)
		http.Redirect(w, r, cfg.prefix+path+"/"+gameID, http.StatusTemporaryRedirect)
	}
}

// registerClickGame sets up routes so that:
//   - $path                       → redirects to new random game (8-char ID)
//   - $path/:gameid               → HTML client
//   - $path/:gameid/ws            → WebSocket for that game
//   - $path/:gameid/qr            → PNG QR code for that game URL
//   - $path/:gameid/leaderboard   → JSON standings for that game
func registerClickGame(cfg *Config, path string, mux *httprouter.Router, store BlobStore) *GameManager {
	gm := newGameManager(cfg, store)

	mux.GET(cfg.prefix+path, redirectNewGame(cfg, path, gm))

	mux.GET(cfg.prefix+path+"/:gameid", serveGamePage(cfg))

	mux.GET(cfg.prefix+path+"/:gameid/ws", serveWSForManager(cfg, gm))

	mux.GET(cfg.prefix+path+"/:gameid/qr", qrHandler)

	mux.GET(cfg.prefix+path+"/:gameid/leaderboard", serveLeaderboard(cfg, gm))

	return gm
}
