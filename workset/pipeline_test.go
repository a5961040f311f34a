package workset

import (
	"context"

	"github.com/sirupsen/logrus"
	gc "gopkg.in/check.v1"

	"github.com/gopregel/engine/partition"
	"github.com/gopregel/engine/streamlog/memlog"
)

var _ = gc.Suite(new(PipelineTestSuite))

type PipelineTestSuite struct{}

type recordingDispatcher struct {
	calls []dispatchCall
}

type dispatchCall struct {
	step     int32
	srcKey   string
	outgoing map[string]interface{}
}

func (d *recordingDispatcher) Dispatch(_ context.Context, step int32, srcKey string, outgoing map[string]interface{}) error {
	d.calls = append(d.calls, dispatchCall{step, srcKey, outgoing})
	return nil
}

func newTestPipeline(c *gc.C, disp Dispatcher) (*Pipeline, *VertexTable, *EdgeTable) {
	router, err := partition.NewRouter(2)
	c.Assert(err, gc.IsNil)

	vertices := NewVertexTable()
	edges := NewEdgeTable()
	broker := memlog.NewBroker(2, true)

	p := NewPipeline(Config{
		Router:        router,
		Vertices:      vertices,
		Edges:         edges,
		Solution:      NewSolutionStore(),
		Inbox:         NewInbox(),
		Active:        NewActiveSet(),
		Compute:       nil,
		DeltaProducer: broker.Producer(),
		Dispatcher:    disp,
		MaxIterations: 5,
		Logger:        logrus.NewEntry(logrus.New()),
	})
	return p, vertices, edges
}

func (s *PipelineTestSuite) TestFilterDropsStepsBeyondMaxIterations(c *gc.C) {
	p, _, _ := newTestPipeline(c, &recordingDispatcher{})
	c.Assert(p.Filter(5), gc.Equals, false)
	c.Assert(p.Filter(6), gc.Equals, true)
}

func (s *PipelineTestSuite) TestBufferThenForwardProducesForwardedVertex(c *gc.C) {
	p, _, edges := newTestPipeline(c, &recordingDispatcher{})
	edges.Put("v1", []Edge{{DstID: "v2", Value: 3}})

	p.Buffer("v1", workRecord{Superstep: 1, SrcKey: "src", Msg: 10.0})
	forwarded := p.Forward(1)

	c.Assert(len(forwarded), gc.Equals, 1)
	c.Assert(forwarded[0].DstKey, gc.Equals, "v1")
	c.Assert(forwarded[0].Incoming, gc.DeepEquals, map[string]interface{}{"src": 10.0})
	c.Assert(forwarded[0].Edges, gc.DeepEquals, []Edge{{DstID: "v2", Value: 3}})
}

func (s *PipelineTestSuite) TestBufferDropsRecordsBeyondMaxIterations(c *gc.C) {
	p, _, _ := newTestPipeline(c, &recordingDispatcher{})
	p.Buffer("v1", workRecord{Superstep: 100, SrcKey: "src", Msg: 1})
	c.Assert(p.Forward(100), gc.IsNil)
}

func (s *PipelineTestSuite) TestComputeDispatchesOutgoingAndPublishesDelta(c *gc.C) {
	disp := &recordingDispatcher{}
	p, vertices, _ := newTestPipeline(c, disp)
	vertices.Put("v1", 1.0)
	p.compute = func(_ int32, v Vertex, _ map[string]interface{}, _ []Edge, cb *Callback) error {
		cb.SetNewVertexValue(99.0)
		cb.SendMessageTo("v2", 7.0)
		return nil
	}

	fv := ForwardedVertex{DstKey: "v1", Partition: 0, Incoming: map[string]interface{}{}}
	err := p.Compute(context.Background(), 0, fv)
	c.Assert(err, gc.IsNil)

	c.Assert(len(disp.calls), gc.Equals, 1)
	c.Assert(disp.calls[0].srcKey, gc.Equals, "v1")
	c.Assert(disp.calls[0].outgoing, gc.DeepEquals, map[string]interface{}{"v2": 7.0})

	entry, ok := p.solution.Get("v1")
	c.Assert(ok, gc.Equals, true)
	c.Assert(entry.CurValue, gc.Equals, 99.0)
}

func (s *PipelineTestSuite) TestComputeWrapsUserError(c *gc.C) {
	disp := &recordingDispatcher{}
	p, _, _ := newTestPipeline(c, disp)
	p.compute = func(_ int32, v Vertex, _ map[string]interface{}, _ []Edge, cb *Callback) error {
		return context.Canceled
	}

	err := p.Compute(context.Background(), 0, ForwardedVertex{DstKey: "v1"})
	c.Assert(err, gc.NotNil)
}

func (s *PipelineTestSuite) TestGCClearsInboxAndActiveSet(c *gc.C) {
	p, _, _ := newTestPipeline(c, &recordingDispatcher{})
	p.Buffer("v1", workRecord{Superstep: 1, SrcKey: "src", Msg: 1})
	p.active.Add(1, 0, "v1")
	p.GC(2)

	c.Assert(p.Forward(1), gc.IsNil)
	c.Assert(p.active.Empty(1, 0), gc.Equals, true)
}
