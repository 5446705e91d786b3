// Package covmap holds the fixed-size edge hit-counter table served by the coverage stub.
package covmap

import (
	"fmt"

	"github.com/anacrolix/sync"
	"github.com/cespare/xxhash"
)

// Size is the number of edge counters in a coverage map.
const Size = 64 << 10

// Snapshot is a copy of a coverage map's counters, in index order. It's also the wire form of a
// dump response.
type Snapshot [Size]byte

// FromBytes copies a dump payload. The payload must be exactly Size bytes.
func FromBytes(b []byte) (*Snapshot, error) {
	if len(b) != Size {
		return nil, fmt.Errorf("bad cover table size %v, expected %v", len(b), Size)
	}
	var ret Snapshot
	copy(ret[:], b)
	return &ret, nil
}

// Edges returns the number of counters that were hit at least once.
func (me *Snapshot) Edges() (n int) {
	for _, v := range me {
		if v != 0 {
			n++
		}
	}
	return
}

// Hash is a cheap fingerprint for telling apart successive dumps.
func (me *Snapshot) Hash() uint64 {
	return xxhash.Sum64(me[:])
}

// Diff returns the indexes whose counters differ between me and other.
func (me *Snapshot) Diff(other *Snapshot) (ret []int) {
	for i, v := range me {
		if other[i] != v {
			ret = append(ret, i)
		}
	}
	return
}

// Map is the shared coverage table. Its length never changes. Counters wrap at 256. The zero
// value is an empty map ready for use.
type Map struct {
	mu       sync.RWMutex
	counters Snapshot
}

func New() *Map {
	return &Map{}
}

// Incr bumps the counter at index and returns its new value.
func (me *Map) Incr(index int) byte {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.counters[index]++
	return me.counters[index]
}

func (me *Map) Get(index int) byte {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return me.counters[index]
}

// Snapshot copies the counters at a single instant.
func (me *Map) Snapshot() *Snapshot {
	ret := new(Snapshot)
	me.mu.RLock()
	*ret = me.counters
	me.mu.RUnlock()
	return ret
}

// Update runs f with exclusive access to the counters, and returns a copy of them as f left
// them. No other reader or writer observes the map between f and the copy.
func (me *Map) Update(f func(counters *Snapshot)) *Snapshot {
	ret := new(Snapshot)
	me.mu.Lock()
	f(&me.counters)
	*ret = me.counters
	me.mu.Unlock()
	return ret
}
