package workset

import (
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(InboxTestSuite))

type InboxTestSuite struct{}

func (s *InboxTestSuite) TestPendingForwardListsUnforwardedDestinations(c *gc.C) {
	in := NewInbox()
	in.Buffer(1, "v1", "src-a", 5)
	in.Buffer(1, "v2", "src-b", 7)

	pending := in.PendingForward(1)
	c.Assert(len(pending), gc.Equals, 2)
}

func (s *InboxTestSuite) TestMarkForwardedRemovesFromPending(c *gc.C) {
	in := NewInbox()
	in.Buffer(1, "v1", "src-a", 5)

	msgs := in.MarkForwarded(1, "v1")
	c.Assert(msgs, gc.DeepEquals, map[string]interface{}{"src-a": 5})
	c.Assert(in.PendingForward(1), gc.IsNil)
}

func (s *InboxTestSuite) TestLateMessageClearsForwardedMark(c *gc.C) {
	in := NewInbox()
	in.Buffer(1, "v1", "src-a", 5)
	in.MarkForwarded(1, "v1")
	c.Assert(in.PendingForward(1), gc.IsNil)

	// A late message for an already-forwarded vertex must re-queue it.
	in.Buffer(1, "v1", "src-b", 6)
	c.Assert(in.PendingForward(1), gc.DeepEquals, []string{"v1"})
}

func (s *InboxTestSuite) TestMarkForwardedSnapshotIsolatesFromFutureBuffers(c *gc.C) {
	in := NewInbox()
	in.Buffer(1, "v1", "src-a", 5)
	snapshot := in.MarkForwarded(1, "v1")

	in.Buffer(1, "v1", "src-c", 100)
	c.Assert(snapshot, gc.DeepEquals, map[string]interface{}{"src-a": 5})
}

func (s *InboxTestSuite) TestGCDropsOnlyOlderSupersteps(c *gc.C) {
	in := NewInbox()
	in.Buffer(1, "v1", "src-a", 1)
	in.Buffer(2, "v1", "src-a", 2)
	in.GC(2)

	c.Assert(in.PendingForward(1), gc.IsNil)
	c.Assert(in.PendingForward(2), gc.DeepEquals, []string{"v1"})
}
