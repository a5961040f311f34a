package workset

import (
	"testing"

	gc "gopkg.in/check.v1"
)

func Test(t *testing.T) { gc.TestingT(t) }

var _ = gc.Suite(new(SolutionSetTestSuite))

type SolutionSetTestSuite struct{}

func (s *SolutionSetTestSuite) TestValueAtReturnsPrevBeforeCurStep(c *gc.C) {
	e := Entry{PrevStep: 2, PrevValue: "old", CurStep: 5, CurValue: "new"}
	c.Assert(e.ValueAt(3), gc.Equals, "old")
	c.Assert(e.ValueAt(5), gc.Equals, "new")
	c.Assert(e.ValueAt(9), gc.Equals, "new")
}

func (s *SolutionSetTestSuite) TestAdvanceShiftsCurIntoPrev(c *gc.C) {
	e := Entry{PrevStep: 0, PrevValue: 1, CurStep: 1, CurValue: 5}
	next := e.Advance(1, 9)
	c.Assert(next.PrevStep, gc.Equals, int32(1))
	c.Assert(next.PrevValue, gc.Equals, 5)
	c.Assert(next.CurStep, gc.Equals, int32(2))
	c.Assert(next.CurValue, gc.Equals, 9)
}

func (s *SolutionSetTestSuite) TestStorePutGetAndResultValues(c *gc.C) {
	store := NewSolutionStore()
	_, ok := store.Get("missing")
	c.Assert(ok, gc.Equals, false)

	store.Put("a", Entry{CurStep: 0, CurValue: 10})
	store.Put("b", Entry{CurStep: 0, CurValue: 20})

	got, ok := store.Get("a")
	c.Assert(ok, gc.Equals, true)
	c.Assert(got.CurValue, gc.Equals, 10)

	results := store.ResultValues()
	c.Assert(results, gc.DeepEquals, map[string]interface{}{"a": 10, "b": 20})
}

func (s *SolutionSetTestSuite) TestSnapshotIsACopy(c *gc.C) {
	store := NewSolutionStore()
	store.Put("a", Entry{CurValue: 1})
	snap := store.Snapshot()
	snap["a"] = Entry{CurValue: 999}

	got, _ := store.Get("a")
	c.Assert(got.CurValue, gc.Equals, 1)
}
