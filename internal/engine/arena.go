package engine

import "github.com/roach88/agencysync/internal/snapshot"

// arenaKey identifies a row by its identity in the source snapshot: the
// collection, the owning agency on the source node and the natural key.
// Store-wide keys (agencies, families, products) use agency 0.
type arenaKey struct {
	collection snapshot.Collection
	agency     int64
	key        string
}

// runArena maps source identities to local ids for the duration of one
// import run. Entries written while a collection is in flight are staged and
// only become visible to later collections once that collection commits.
type runArena struct {
	committed map[arenaKey]int64
	staged    map[arenaKey]int64

	// agencyNames holds the names carried by the snapshot, used to abbreviate
	// a scope when a key must be cloned.
	agencyNames map[int64]string
}

func newRunArena() *runArena {
	return &runArena{
		committed:   make(map[arenaKey]int64),
		staged:      make(map[arenaKey]int64),
		agencyNames: make(map[int64]string),
	}
}

func (a *runArena) lookup(k arenaKey) (int64, bool) {
	if id, ok := a.staged[k]; ok {
		return id, true
	}
	id, ok := a.committed[k]
	return id, ok
}

func (a *runArena) stage(k arenaKey, id int64) {
	a.staged[k] = id
}

// commit publishes staged entries after their transaction committed.
func (a *runArena) commit() {
	for k, id := range a.staged {
		a.committed[k] = id
	}
	clear(a.staged)
}

// discard drops staged entries after a rollback.
func (a *runArena) discard() {
	clear(a.staged)
}
