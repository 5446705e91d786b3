package stub

import (
	"math/rand/v2"

	"github.com/anacrolix/sync"
)

// Chooser decides whether a dump bumps the unstable counter before the map is sent.
type Chooser interface {
	MutateOnDump() bool
}

type ChooserFunc func() bool

func (f ChooserFunc) MutateOnDump() bool {
	return f()
}

// FixedChooser always makes the same decision. Useful for forcing either branch in tests.
type FixedChooser bool

func (me FixedChooser) MutateOnDump() bool {
	return bool(me)
}

type randChooser struct {
	mu   sync.Mutex
	r    *rand.Rand
	odds int
}

// NewRandChooser mutates on one dump in odds, drawing from r. A nil r gets a randomly seeded
// source.
func NewRandChooser(r *rand.Rand, odds int) Chooser {
	if r == nil {
		r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &randChooser{r: r, odds: odds}
}

// NewSeededChooser is NewRandChooser with a deterministic source.
func NewSeededChooser(seed uint64, odds int) Chooser {
	return NewRandChooser(rand.New(rand.NewPCG(seed, seed)), odds)
}

func (me *randChooser) MutateOnDump() bool {
	if me.odds <= 1 {
		return me.odds == 1
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.r.IntN(me.odds) == 0
}
