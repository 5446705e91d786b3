package stub

import (
	"testing"

	qt "github.com/go-quicktest/qt"
)

func draw(c Chooser, n int) (ret []bool) {
	for range n {
		ret = append(ret, c.MutateOnDump())
	}
	return
}

func TestSeededChooserIsDeterministic(t *testing.T) {
	qt.Assert(t, qt.DeepEquals(
		draw(NewSeededChooser(1, DefaultMutateOdds), 100),
		draw(NewSeededChooser(1, DefaultMutateOdds), 100)))
}

func TestChooserOddsEdges(t *testing.T) {
	for _, b := range draw(NewSeededChooser(1, 1), 10) {
		qt.Assert(t, qt.IsTrue(b))
	}
	for _, b := range draw(NewSeededChooser(1, 0), 10) {
		qt.Assert(t, qt.IsFalse(b))
	}
	qt.Check(t, qt.IsTrue(FixedChooser(true).MutateOnDump()))
	qt.Check(t, qt.IsFalse(ChooserFunc(func() bool { return false }).MutateOnDump()))
}
