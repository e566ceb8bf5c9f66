package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, cfg *Config, store BlobStore) *Hub {
	t.Helper()

	h := newHub(cfg, "testgame", store)
	go h.run()
	t.Cleanup(h.stop)
	return h
}

func joinPlayer(t *testing.T, h *Hub, id PlayerID, name string) (*viewer, SnapshotMessage) {
	t.Helper()

	v := h.caster.newViewer(id)
	reply := make(chan error, 1)

	select {
	case h.register <- viewerJoin{v: v, name: name, reply: reply}:
	case <-time.After(time.Second):
		t.Fatal("hub did not accept the join")
	}
	require.NoError(t, <-reply)

	return v, recvSnapshot(t, v)
}

func joinSpectator(t *testing.T, h *Hub) (*viewer, SnapshotMessage) {
	t.Helper()

	v := h.caster.newViewer("")
	reply := make(chan error, 1)

	select {
	case h.register <- viewerJoin{v: v, spectator: true, reply: reply}:
	case <-time.After(time.Second):
		t.Fatal("hub did not accept the spectator")
	}
	require.NoError(t, <-reply)

	return v, recvSnapshot(t, v)
}

func sendClick(t *testing.T, h *Hub, v *viewer, target PlayerID, assist bool) {
	t.Helper()

	ev, err := h.validator.validate(rawAction{
		actor:  v.id,
		target: target,
		assist: assist,
		at:     time.Now(),
	})
	require.NoError(t, err)

	select {
	case h.actions <- actionRequest{v: v, ev: ev}:
	case <-time.After(time.Second):
		t.Fatal("hub did not accept the action")
	}
}

func TestHubSelfClicks(t *testing.T) {
	h := startHub(t, testConfig(), nil)

	alice, _ := joinPlayer(t, h, "alice", "Alice")

	var lastSeq uint64
	var lastScore int64
	var lastCharge int

	for i := 0; i < 5; i++ {
		sendClick(t, h, alice, "", false)

		delta := recvDelta(t, alice)
		assert.Greater(t, delta.Seq, lastSeq)
		lastSeq = delta.Seq

		require.Len(t, delta.Scores, 1)
		assert.Equal(t, PlayerID("alice"), delta.Scores[0].Player)
		lastScore = delta.Scores[0].Score

		require.Len(t, delta.Charges, 1)
		lastCharge = delta.Charges[0].Charge
	}

	assert.Equal(t, int64(5), lastScore, "one point per self click")
	assert.Equal(t, 10, lastCharge, "charge caps at max")
}

func TestHubJoinAnnouncement(t *testing.T) {
	h := startHub(t, testConfig(), nil)

	alice, _ := joinPlayer(t, h, "alice", "Alice")

	_, bobSnap := joinPlayer(t, h, "bob", "Bob")

	// Existing viewers learn about the joiner via a delta.
	delta := recvDelta(t, alice)
	require.Len(t, delta.Joined, 1)
	assert.Equal(t, RosterEntry{Player: "bob", Name: "Bob"}, delta.Joined[0])
	require.Len(t, delta.Scores, 1)
	assert.Equal(t, int64(0), delta.Scores[0].Score)

	// The joiner sees everyone, itself included, in the snapshot.
	require.Len(t, bobSnap.Players, 2)
	byID := make(map[PlayerID]PlayerSnapshot, 2)
	for _, ps := range bobSnap.Players {
		byID[ps.Player] = ps
	}
	assert.Equal(t, "Alice", byID["alice"].Name)
	assert.Equal(t, "Bob", byID["bob"].Name)
}

func TestHubHostileClick(t *testing.T) {
	h := startHub(t, testConfig(), nil)

	alice, _ := joinPlayer(t, h, "alice", "Alice")
	bob, _ := joinPlayer(t, h, "bob", "Bob")
	recvDelta(t, alice) // bob's join

	sendClick(t, h, alice, "bob", false)

	delta := recvDelta(t, bob)
	require.Len(t, delta.Scores, 1)
	assert.Equal(t, PlayerID("bob"), delta.Scores[0].Player)
	assert.Equal(t, int64(-3), delta.Scores[0].Score)

	// The actor's charge rides the same delta.
	require.Len(t, delta.Charges, 1)
	assert.Equal(t, PlayerID("alice"), delta.Charges[0].Player)
	assert.Equal(t, 3, delta.Charges[0].Charge)
}

func TestHubAssistClick(t *testing.T) {
	h := startHub(t, testConfig(), nil)

	alice, _ := joinPlayer(t, h, "alice", "Alice")
	bob, _ := joinPlayer(t, h, "bob", "Bob")
	recvDelta(t, alice)

	sendClick(t, h, alice, "bob", true)

	delta := recvDelta(t, bob)
	require.Len(t, delta.Scores, 1)
	assert.Equal(t, PlayerID("bob"), delta.Scores[0].Player)
	assert.Equal(t, int64(2), delta.Scores[0].Score)
	assert.Equal(t, 4, delta.Charges[0].Charge)
}

func TestHubActivationFlow(t *testing.T) {
	h := startHub(t, testConfig(), nil)

	alice, _ := joinPlayer(t, h, "alice", "Alice")
	bob, _ := joinPlayer(t, h, "bob", "Bob")
	recvDelta(t, alice)

	// Five self clicks fill the meter (5 × 2 = max 10).
	for i := 0; i < 5; i++ {
		sendClick(t, h, alice, "", false)
		recvDelta(t, alice)
		recvDelta(t, bob)
	}

	select {
	case h.activations <- activationRequest{v: alice, id: "alice"}:
	case <-time.After(time.Second):
		t.Fatal("hub did not accept the activation")
	}

	delta := recvDelta(t, alice)
	require.Len(t, delta.Powerups, 1)
	assert.True(t, delta.Powerups[0].Activated)
	assert.Equal(t, "double", delta.Powerups[0].Kind)
	require.Len(t, delta.Charges, 1)
	assert.Equal(t, 0, delta.Charges[0].Charge, "activation spends the whole meter")
	recvDelta(t, bob)

	// Hostile clicks now hit twice as hard.
	sendClick(t, h, alice, "bob", false)
	delta = recvDelta(t, bob)
	require.Len(t, delta.Scores, 1)
	assert.Equal(t, int64(-6), delta.Scores[0].Score)
}

func TestHubActivationWithoutCharge(t *testing.T) {
	h := startHub(t, testConfig(), nil)

	alice, _ := joinPlayer(t, h, "alice", "Alice")
	bob, _ := joinPlayer(t, h, "bob", "Bob")
	recvDelta(t, alice)

	select {
	case h.activations <- activationRequest{v: alice, id: "alice"}:
	case <-time.After(time.Second):
		t.Fatal("hub did not accept the activation")
	}

	// The rejection goes only to the offending player.
	msg := recvMessage(t, alice)
	errMsg, ok := msg.(ErrorMessage)
	require.True(t, ok, "expected an error message, got %T", msg)
	assert.Equal(t, "insufficient_charge", errMsg.Reason)

	select {
	case msg := <-bob.send:
		t.Fatalf("bystander received %T for someone else's rejection", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubSweepExpiresPowerup(t *testing.T) {
	cfg := testConfig()
	cfg.powerups = []string{"double:2:1:50ms"}
	h := startHub(t, cfg, nil)

	alice, _ := joinPlayer(t, h, "alice", "Alice")

	for i := 0; i < 5; i++ {
		sendClick(t, h, alice, "", false)
		recvDelta(t, alice)
	}

	select {
	case h.activations <- activationRequest{v: alice, id: "alice"}:
	case <-time.After(time.Second):
		t.Fatal("hub did not accept the activation")
	}
	recvDelta(t, alice)

	// Without any further player input the sweep ends the powerup.
	delta := recvDelta(t, alice)
	require.Len(t, delta.Powerups, 1)
	assert.Equal(t, PlayerID("alice"), delta.Powerups[0].Player)
	assert.False(t, delta.Powerups[0].Activated)
}

func TestHubReconnectResync(t *testing.T) {
	h := startHub(t, testConfig(), nil)

	alice, _ := joinPlayer(t, h, "alice", "Alice")

	for i := 0; i < 3; i++ {
		sendClick(t, h, alice, "", false)
		recvDelta(t, alice)
	}

	select {
	case h.unreg <- alice:
	case <-time.After(time.Second):
		t.Fatal("hub did not accept the leave")
	}

	// The same identity rejoins: one fresh snapshot carrying its kept
	// score, then only deltas past the snapshot's sequence number.
	again, snap := joinPlayer(t, h, "alice", "")
	require.Len(t, snap.Players, 1)
	assert.Equal(t, int64(3), snap.Players[0].Score)
	assert.Equal(t, "Alice", snap.Players[0].Name, "name survives the reconnect")

	sendClick(t, h, again, "", false)
	delta := recvDelta(t, again)
	assert.Equal(t, snap.Seq+1, delta.Seq)
	assert.Equal(t, int64(4), delta.Scores[0].Score)
}

func TestHubReapsExpiredPlayers(t *testing.T) {
	cfg := testConfig()
	cfg.reconnectGrace = 50 * time.Millisecond
	h := startHub(t, cfg, nil)

	alice, _ := joinPlayer(t, h, "alice", "Alice")
	bob, _ := joinPlayer(t, h, "bob", "Bob")
	recvDelta(t, alice)

	select {
	case h.unreg <- alice:
	case <-time.After(time.Second):
		t.Fatal("hub did not accept the leave")
	}

	delta := recvDelta(t, bob)
	require.Len(t, delta.Left, 1)
	assert.Equal(t, PlayerID("alice"), delta.Left[0])

	// The reaped identity is no longer a valid target.
	_, err := h.validator.validate(rawAction{actor: "bob", target: "alice", at: time.Now()})
	assert.ErrorIs(t, err, errUnknownTarget)
}

func TestHubCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.maxPlayers = 1
	h := startHub(t, cfg, nil)

	joinPlayer(t, h, "alice", "Alice")

	v := h.caster.newViewer("bob")
	reply := make(chan error, 1)
	h.register <- viewerJoin{v: v, name: "Bob", reply: reply}
	assert.ErrorIs(t, <-reply, errCapacityExceeded)
}

func TestHubSpectator(t *testing.T) {
	h := startHub(t, testConfig(), nil)

	alice, _ := joinPlayer(t, h, "alice", "Alice")

	spec, snap := joinSpectator(t, h)
	require.Len(t, snap.Players, 1)

	// Spectators see the same broadcast stream.
	sendClick(t, h, alice, "", false)
	delta := recvDelta(t, spec)
	assert.Equal(t, int64(1), delta.Scores[0].Score)

	// A spectator leaving parks nobody.
	select {
	case h.unreg <- spec:
	case <-time.After(time.Second):
		t.Fatal("hub did not accept the spectator leave")
	}
	assert.True(t, h.reg.isConnected("alice"))
}

// slowLoadStore blocks Load for one key until released, signalling each
// entry. Other keys load (empty) immediately.
type slowLoadStore struct {
	slowKey string
	entered chan struct{}
	release chan struct{}
}

func (s *slowLoadStore) Load(key string) ([]byte, error) {
	if key == s.slowKey {
		s.entered <- struct{}{}
		<-s.release
	}
	return nil, errNoSnapshot
}

func (s *slowLoadStore) Save(key string, blob []byte) error {
	return nil
}

func TestGameManagerRestoreDoesNotBlockOtherSessions(t *testing.T) {
	st := &slowLoadStore{
		slowKey: "slow",
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}

	gm := newGameManager(testConfig(), st)
	t.Cleanup(gm.shutdown)

	slowDone := make(chan *Hub, 1)
	go func() { slowDone <- gm.getHub("slow") }()

	select {
	case <-st.entered:
	case <-time.After(time.Second):
		t.Fatal("restore never started")
	}

	// One game stuck restoring must not make the rest unreachable.
	fastDone := make(chan *Hub, 1)
	go func() { fastDone <- gm.getHub("fast") }()

	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("unrelated session blocked behind a slow restore")
	}

	_, ok := gm.peekHub("fast")
	assert.True(t, ok)

	close(st.release)

	select {
	case <-slowDone:
	case <-time.After(time.Second):
		t.Fatal("slow restore never finished")
	}
	_, ok = gm.peekHub("slow")
	assert.True(t, ok)
}

func TestGameManagerConcurrentCreateYieldsOneHub(t *testing.T) {
	st := &slowLoadStore{
		slowKey: "dup",
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}

	gm := newGameManager(testConfig(), st)
	t.Cleanup(gm.shutdown)

	results := make(chan *Hub, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- gm.getHub("dup") }()
	}

	// Hold both racing creators inside restore, then let them finish.
	<-st.entered
	<-st.entered
	close(st.release)

	first := <-results
	second := <-results
	assert.Same(t, first, second, "racing creators must converge on one hub")
}

func TestGameManagerIsolatesSessions(t *testing.T) {
	gm := newGameManager(testConfig(), nil)
	t.Cleanup(gm.shutdown)

	first := gm.getHub("one")
	second := gm.getHub("two")
	assert.NotSame(t, first, second)
	assert.Same(t, first, gm.getHub("one"))

	_, ok := gm.peekHub("one")
	assert.True(t, ok)
	_, ok = gm.peekHub("absent")
	assert.False(t, ok, "peeking must not create sessions")
}

func TestGameManagerNewGameID(t *testing.T) {
	gm := newGameManager(testConfig(), nil)
	t.Cleanup(gm.shutdown)

	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		id := gm.newGameID()
		assert.Len(t, id, 8)
		assert.False(t, seen[id], "duplicate game ID %q", id)
		seen[id] = true
	}
}
