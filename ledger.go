package main

import (
	"sort"
	"sync"
	"time"
)

// ScoreRecord is the authoritative score entry for one identity.
type ScoreRecord struct {
	Player      PlayerID  `json:"player"`
	Score       int64     `json:"score"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Ledger owns every ScoreRecord. All mutation goes through adjust or
// adjustPair under a single mutex, so concurrent adjustments never lose
// updates and leaderboard reads never observe a half-applied pair.
type Ledger struct {
	mu      sync.Mutex
	records map[PlayerID]*ScoreRecord
}

func newLedger() *Ledger {
	return &Ledger{
		records: make(map[PlayerID]*ScoreRecord),
	}
}

// seed creates a zero record for the identity if none exists.
func (l *Ledger) seed(id PlayerID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[id]; !ok {
		l.records[id] = &ScoreRecord{Player: id, LastUpdated: time.Now()}
	}
}

// adjust applies a signed delta to one identity and returns the new score.
// Unknown identities are ignored and return ok=false.
func (l *Ledger) adjust(id PlayerID, delta int64, now time.Time) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return 0, false
	}
	rec.Score += delta
	rec.LastUpdated = now
	return rec.Score, true
}

// adjustPair applies deltas to two identities as one transition. No reader
// can observe the first applied without the second.
func (l *Ledger) adjustPair(a, b PlayerID, da, db int64, now time.Time) (int64, int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ra, okA := l.records[a]
	rb, okB := l.records[b]
	if !okA || !okB {
		return 0, 0, false
	}
	ra.Score += da
	ra.LastUpdated = now
	rb.Score += db
	rb.LastUpdated = now
	return ra.Score, rb.Score, true
}

func (l *Ledger) read(id PlayerID) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return 0, false
	}
	return rec.Score, true
}

// drop removes an identity's record. Idempotent.
func (l *Ledger) drop(id PlayerID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.records, id)
}

// leaderboard returns a point-in-time copy of every record, ordered by
// score descending, ties broken by identity for stable output.
func (l *Ledger) leaderboard() []ScoreRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	records := make([]ScoreRecord, 0, len(l.records))
	for _, rec := range l.records {
		records = append(records, *rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Score != records[j].Score {
			return records[i].Score > records[j].Score
		}
		return records[i].Player < records[j].Player
	})

	return records
}

// load replaces the ledger contents with the given records.
func (l *Ledger) load(records []ScoreRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = make(map[PlayerID]*ScoreRecord, len(records))
	for _, rec := range records {
		copied := rec
		l.records[rec.Player] = &copied
	}
}
