package workset

import (
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(ActiveSetTestSuite))

type ActiveSetTestSuite struct{}

func (s *ActiveSetTestSuite) TestAddThenRemoveEmptiesPartition(c *gc.C) {
	a := NewActiveSet()
	a.Add(1, 0, "v1")
	c.Assert(a.Empty(1, 0), gc.Equals, false)

	emptied := a.Remove(1, 0, "v1")
	c.Assert(emptied, gc.Equals, true)
	c.Assert(a.Empty(1, 0), gc.Equals, true)
}

func (s *ActiveSetTestSuite) TestRemoveNotEmptiedWhileMembersRemain(c *gc.C) {
	a := NewActiveSet()
	a.Add(1, 0, "v1")
	a.Add(1, 0, "v2")

	emptied := a.Remove(1, 0, "v1")
	c.Assert(emptied, gc.Equals, false)
	c.Assert(a.Empty(1, 0), gc.Equals, false)
}

func (s *ActiveSetTestSuite) TestEmptyForStepAcrossPartitions(c *gc.C) {
	a := NewActiveSet()
	c.Assert(a.EmptyForStep(5), gc.Equals, true)

	a.Add(5, 0, "v1")
	c.Assert(a.EmptyForStep(5), gc.Equals, false)

	a.Remove(5, 0, "v1")
	c.Assert(a.EmptyForStep(5), gc.Equals, true)
}

func (s *ActiveSetTestSuite) TestGCDropsOlderSupersteps(c *gc.C) {
	a := NewActiveSet()
	a.Add(1, 0, "v1")
	a.Add(2, 0, "v2")
	a.GC(2)

	c.Assert(a.Empty(1, 0), gc.Equals, true)
	c.Assert(a.Empty(2, 0), gc.Equals, false)
}
