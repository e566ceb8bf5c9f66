package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emptySnapshot(seq uint64) SnapshotMessage {
	return SnapshotMessage{Type: "snapshot", Seq: seq}
}

func recvMessage(t *testing.T, v *viewer) any {
	t.Helper()

	select {
	case msg, ok := <-v.send:
		require.True(t, ok, "viewer queue closed unexpectedly")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func recvSnapshot(t *testing.T, v *viewer) SnapshotMessage {
	t.Helper()

	msg := recvMessage(t, v)
	snap, ok := msg.(SnapshotMessage)
	require.True(t, ok, "expected a snapshot, got %T", msg)
	return snap
}

func recvDelta(t *testing.T, v *viewer) *BroadcastDelta {
	t.Helper()

	msg := recvMessage(t, v)
	delta, ok := msg.(*BroadcastDelta)
	require.True(t, ok, "expected a delta, got %T", msg)
	return delta
}

func TestBroadcasterSequenceIsGapFree(t *testing.T) {
	b := newBroadcaster(64, 0)

	v := b.newViewer("a")
	b.subscribe(v, emptySnapshot)

	const published = 10
	for i := 0; i < published; i++ {
		b.publish(&BroadcastDelta{})
	}

	snap := recvSnapshot(t, v)
	assert.Equal(t, uint64(0), snap.Seq)

	for want := uint64(1); want <= published; want++ {
		delta := recvDelta(t, v)
		assert.Equal(t, want, delta.Seq, "sequence numbers must be contiguous")
		assert.Equal(t, "delta", delta.Type)
	}
}

func TestBroadcasterSnapshotReflectsCurrentSequence(t *testing.T) {
	b := newBroadcaster(64, 0)

	for i := 0; i < 3; i++ {
		b.publish(&BroadcastDelta{})
	}

	v := b.newViewer("late")
	b.subscribe(v, emptySnapshot)

	// The late joiner's snapshot is tagged with everything already
	// published, and the next delta follows directly after it.
	snap := recvSnapshot(t, v)
	assert.Equal(t, uint64(3), snap.Seq)

	b.publish(&BroadcastDelta{})
	delta := recvDelta(t, v)
	assert.Equal(t, snap.Seq+1, delta.Seq)
}

func TestBroadcasterResumesFromSeq(t *testing.T) {
	b := newBroadcaster(8, 41)

	assert.Equal(t, uint64(41), b.sequence())
	assert.Equal(t, uint64(42), b.publish(&BroadcastDelta{}))
}

func TestBroadcasterDropsLaggards(t *testing.T) {
	b := newBroadcaster(2, 0)

	laggard := b.newViewer("slow")
	b.subscribe(laggard, emptySnapshot)

	healthy := b.newViewer("fast")
	b.subscribe(healthy, emptySnapshot)
	recvSnapshot(t, healthy)

	// The laggard's queue holds its snapshot plus one delta; the second
	// delta overflows it and evicts the viewer instead of blocking.
	b.publish(&BroadcastDelta{})
	b.publish(&BroadcastDelta{})

	assert.Equal(t, 1, b.count())
	assert.False(t, b.hasViewer("slow"))

	recvSnapshot(t, laggard)
	recvDelta(t, laggard)
	_, open := <-laggard.send
	assert.False(t, open, "dropped viewer's queue must be closed")

	// The healthy viewer is unaffected.
	assert.Equal(t, uint64(1), recvDelta(t, healthy).Seq)
	assert.Equal(t, uint64(2), recvDelta(t, healthy).Seq)
}

func TestBroadcasterUnsubscribeIsIdempotent(t *testing.T) {
	b := newBroadcaster(8, 0)

	v := b.newViewer("a")
	b.subscribe(v, emptySnapshot)

	b.unsubscribe(v)
	b.unsubscribe(v)

	assert.Equal(t, 0, b.count())
}

func TestBroadcasterSendToSkipsUnsubscribed(t *testing.T) {
	b := newBroadcaster(8, 0)

	v := b.newViewer("a")
	b.subscribe(v, emptySnapshot)
	b.unsubscribe(v)

	// Must neither panic on the closed queue nor deliver anything.
	b.sendTo(v, ErrorMessage{Type: "error"})
}

func TestBroadcasterHasViewer(t *testing.T) {
	b := newBroadcaster(8, 0)

	first := b.newViewer("shared")
	second := b.newViewer("shared")
	b.subscribe(first, emptySnapshot)
	b.subscribe(second, emptySnapshot)

	b.unsubscribe(first)
	assert.True(t, b.hasViewer("shared"), "a second tab still backs the identity")

	b.unsubscribe(second)
	assert.False(t, b.hasViewer("shared"))
}

func TestBroadcasterCloseAll(t *testing.T) {
	b := newBroadcaster(8, 0)

	v := b.newViewer("a")
	b.subscribe(v, emptySnapshot)

	b.closeAll()

	assert.Equal(t, 0, b.count())
	recvSnapshot(t, v)
	_, open := <-v.send
	assert.False(t, open)
}
