package client

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/anacrolix/covstub/covmap"
)

// ProbeResult describes how stable an endpoint's coverage was over repeated runs with no real
// execution in between.
type ProbeResult struct {
	Dumps int
	// Dumps that differed from the dump before them.
	Unstable int
	// Number of different maps observed.
	DistinctMaps int
	// Counters that changed at least once.
	Drifted *roaring.Bitmap
	// Distinct edges in the last dump.
	Edges int
	// Distinct edges across all dumps.
	OverallEdges uint64
}

func (me ProbeResult) InstabilityRate() float64 {
	if me.Dumps < 2 {
		return 0
	}
	return float64(me.Unstable) / float64(me.Dumps-1)
}

// Probe resets and dumps dumps times, comparing each map with the one before it.
func Probe(ctx context.Context, o *Observer, dumps int) (ret ProbeResult, err error) {
	ret.Drifted = roaring.New()
	seen := make(map[uint64]struct{})
	var prev *covmap.Snapshot
	for i := range dumps {
		err = o.PreExec(ctx)
		if err != nil {
			return
		}
		var snap *covmap.Snapshot
		snap, err = o.PostExec(ctx)
		if err != nil {
			err = fmt.Errorf("dump %v: %w", i, err)
			return
		}
		ret.Dumps++
		if prev != nil {
			diff := snap.Diff(prev)
			if len(diff) != 0 {
				ret.Unstable++
			}
			for _, idx := range diff {
				ret.Drifted.Add(uint32(idx))
			}
		}
		seen[snap.Hash()] = struct{}{}
		ret.Edges = snap.Edges()
		prev = snap
	}
	ret.DistinctMaps = len(seen)
	ret.OverallEdges = o.OverallEdges()
	return
}
