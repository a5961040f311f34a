package driver_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	gc "gopkg.in/check.v1"

	"github.com/gopregel/engine/coordination/memgateway"
	"github.com/gopregel/engine/driver"
	"github.com/gopregel/engine/partition"
	"github.com/gopregel/engine/pregelstate"
	"github.com/gopregel/engine/streamlog/memlog"
	"github.com/gopregel/engine/workset"
)

func Test(t *testing.T) { gc.TestingT(t) }

var _ = gc.Suite(new(DriverTestSuite))

type DriverTestSuite struct{}

type staticVertexSource map[string]interface{}

func (s staticVertexSource) Load() (map[string]interface{}, error) { return s, nil }

type staticEdgeSource map[string][]workset.Edge

func (s staticEdgeSource) Load() (map[string][]workset.Edge, error) { return s, nil }

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func noopCompute(_ int32, v workset.Vertex, _ map[string]interface{}, _ []workset.Edge, _ *workset.Callback) error {
	return nil
}

func newDriverHarness(c *gc.C, numPartitions int, vertices staticVertexSource, edges staticEdgeSource, compute workset.ComputeFunc, maxIterations int32) (*driver.Driver, *memgateway.Gateway) {
	router, err := partition.NewRouter(numPartitions)
	c.Assert(err, gc.IsNil)

	gw := memgateway.NewGateway(memgateway.NewStore())
	workSetBroker := memlog.NewBroker(numPartitions, false)
	solutionBroker := memlog.NewBroker(numPartitions, true)

	allPartitions := make([]int, numPartitions)
	for i := range allPartitions {
		allPartitions[i] = i
	}

	cfg := driver.Config{
		WorkerName:          "w0",
		GroupPath:           "/test-app",
		Gateway:             gw,
		Partitions:          allPartitions,
		Router:              router,
		VertexSource:        vertices,
		EdgeSource:          edges,
		WorkSetProducer:     workSetBroker.Producer(),
		WorkSetConsumer:     workSetBroker.Consumer(allPartitions),
		SolutionSetProducer: solutionBroker.Producer(),
		SolutionSetConsumer: solutionBroker.Consumer(allPartitions),
		Compute:             compute,
		MaxIterations:       maxIterations,
		Logger:              logrus.NewEntry(logrus.New()),
	}

	d, err := driver.New(context.Background(), cfg)
	c.Assert(err, gc.IsNil)
	return d, gw
}

// TestSingleVertexWithNoEdgesConvergesAtStepOne exercises a single vertex
// with no edges and a compute function that never reacts: the active set
// empties after its one forced invocation at step 0, so the shared state
// must reach COMPLETED at superstep 1 with the vertex's value unchanged.
func (s *DriverTestSuite) TestSingleVertexWithNoEdgesConvergesAtStepOne(c *gc.C) {
	d, _ := newDriverHarness(c, 2, staticVertexSource{"a": 1}, staticEdgeSource{}, noopCompute, 10)
	defer d.Close()

	ctx := context.Background()
	c.Assert(d.Prepare(ctx), gc.IsNil)

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	final, err := d.Run(runCtx, 10)
	c.Assert(err, gc.IsNil)
	c.Assert(final.Lifecycle, gc.Equals, pregelstate.Completed)
	c.Assert(final.Superstep, gc.Equals, int32(1))

	c.Assert(d.Result(), gc.DeepEquals, map[string]interface{}{"a": 1})
}

// TestValuePropagatesAlongPathUntilQuiescent exercises a three-vertex path
// A->B->C where compute forwards its value at step 0 and afterwards only
// when a vertex's own value actually improves. The one real increase (A starts ahead of B and C) must ripple
// all the way to C before the active set empties and the computation
// converges.
func (s *DriverTestSuite) TestValuePropagatesAlongPathUntilQuiescent(c *gc.C) {
	propagate := workset.ComputeFunc(func(step int32, v workset.Vertex, incoming map[string]interface{}, edges []workset.Edge, cb *workset.Callback) error {
		best, ok := asInt(v.Value)
		improved := false
		for _, msg := range incoming {
			if msg == nil {
				continue
			}
			d, mok := asInt(msg)
			if !mok {
				continue
			}
			if !ok || d > best {
				best, ok = d, true
				improved = true
			}
		}
		if !ok {
			return nil
		}
		if step == 0 || improved {
			cb.SetNewVertexValue(best)
			for _, e := range edges {
				cb.SendMessageTo(e.DstID, best)
			}
		}
		return nil
	})

	edges := staticEdgeSource{
		"a": {{DstID: "b"}},
		"b": {{DstID: "c"}},
	}
	d, _ := newDriverHarness(c, 2, staticVertexSource{"a": 1, "b": 0, "c": 0}, edges, propagate, 20)
	defer d.Close()

	ctx := context.Background()
	c.Assert(d.Prepare(ctx), gc.IsNil)

	runCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	final, err := d.Run(runCtx, 20)
	c.Assert(err, gc.IsNil)
	c.Assert(final.Lifecycle, gc.Equals, pregelstate.Completed)

	c.Assert(d.Result(), gc.DeepEquals, map[string]interface{}{"a": 1, "b": 1, "c": 1})
}

// TestMaxIterationsCutsOffAnEndlesslyActiveVertex exercises a vertex with a
// self-loop whose compute function always sends itself another message, so
// the active set never empties on its own. With maxIterations=2, the
// computation must still reach COMPLETED, forced by the cutoff at
// superstep 3.
func (s *DriverTestSuite) TestMaxIterationsCutsOffAnEndlesslyActiveVertex(c *gc.C) {
	forever := workset.ComputeFunc(func(_ int32, v workset.Vertex, _ map[string]interface{}, edges []workset.Edge, cb *workset.Callback) error {
		for _, e := range edges {
			cb.SendMessageTo(e.DstID, 1)
		}
		return nil
	})

	edges := staticEdgeSource{"a": {{DstID: "a"}}}
	d, _ := newDriverHarness(c, 1, staticVertexSource{"a": 0}, edges, forever, 2)
	defer d.Close()

	ctx := context.Background()
	c.Assert(d.Prepare(ctx), gc.IsNil)

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	final, err := d.Run(runCtx, 2)
	c.Assert(err, gc.IsNil)
	c.Assert(final.Lifecycle, gc.Equals, pregelstate.Completed)
	c.Assert(final.Superstep, gc.Equals, int32(3))
}

// TestDisjointPartitionsBothConverge exercises two disjoint components,
// {A,B} and {C,D}, routed across four partitions but served by a single
// worker holding all of them. Each component only ever exchanges messages
// with itself, and the computation must still converge with both
// components' results correct.
func (s *DriverTestSuite) TestDisjointPartitionsBothConverge(c *gc.C) {
	propagate := workset.ComputeFunc(func(step int32, v workset.Vertex, incoming map[string]interface{}, edges []workset.Edge, cb *workset.Callback) error {
		best, ok := asInt(v.Value)
		improved := false
		for _, msg := range incoming {
			if msg == nil {
				continue
			}
			d, mok := asInt(msg)
			if !mok {
				continue
			}
			if !ok || d > best {
				best, ok = d, true
				improved = true
			}
		}
		if !ok {
			return nil
		}
		if step == 0 || improved {
			cb.SetNewVertexValue(best)
			for _, e := range edges {
				cb.SendMessageTo(e.DstID, best)
			}
		}
		return nil
	})

	edges := staticEdgeSource{
		"a": {{DstID: "b"}},
		"c": {{DstID: "d"}},
	}
	vertices := staticVertexSource{"a": 5, "b": 0, "c": 9, "d": 0}
	d, _ := newDriverHarness(c, 4, vertices, edges, propagate, 20)
	defer d.Close()

	ctx := context.Background()
	c.Assert(d.Prepare(ctx), gc.IsNil)

	runCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	final, err := d.Run(runCtx, 20)
	c.Assert(err, gc.IsNil)
	c.Assert(final.Lifecycle, gc.Equals, pregelstate.Completed)

	c.Assert(d.Result(), gc.DeepEquals, map[string]interface{}{"a": 5, "b": 5, "c": 9, "d": 9})
}

// TestNewLeaderCompletesAfterPriorLeaderCrashes simulates a leader that
// registers for the group and wins the leader latch, then disappears
// (Close, without ever calling Run) before a second worker joins the same
// coordination store. The second worker must win leadership in its place
// and drive the computation to completion on its own.
func (s *DriverTestSuite) TestNewLeaderCompletesAfterPriorLeaderCrashes(c *gc.C) {
	numPartitions := 1
	router, err := partition.NewRouter(numPartitions)
	c.Assert(err, gc.IsNil)

	store := memgateway.NewStore()
	groupPath := "/test-crash"

	crashed := memgateway.NewGateway(store)
	ctx := context.Background()
	c.Assert(crashed.JoinGroup(ctx, groupPath, "crashed-worker"), gc.IsNil)
	c.Assert(crashed.ElectLeader(ctx, groupPath+"/leader"), gc.IsNil)
	c.Assert(crashed.HasLeadership(), gc.Equals, true)
	c.Assert(crashed.Close(), gc.IsNil)

	gw := memgateway.NewGateway(store)
	workSetBroker := memlog.NewBroker(numPartitions, false)
	solutionBroker := memlog.NewBroker(numPartitions, true)
	allPartitions := []int{0}

	cfg := driver.Config{
		WorkerName:          "w1",
		GroupPath:           groupPath,
		Gateway:             gw,
		Partitions:          allPartitions,
		Router:              router,
		VertexSource:        staticVertexSource{"a": 1},
		EdgeSource:          staticEdgeSource{},
		WorkSetProducer:     workSetBroker.Producer(),
		WorkSetConsumer:     workSetBroker.Consumer(allPartitions),
		SolutionSetProducer: solutionBroker.Producer(),
		SolutionSetConsumer: solutionBroker.Consumer(allPartitions),
		Compute:             noopCompute,
		MaxIterations:       10,
		Logger:              logrus.NewEntry(logrus.New()),
	}

	d, err := driver.New(ctx, cfg)
	c.Assert(err, gc.IsNil)
	defer d.Close()
	c.Assert(d.Prepare(ctx), gc.IsNil)

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	final, err := d.Run(runCtx, 10)
	c.Assert(err, gc.IsNil)
	c.Assert(final.Lifecycle, gc.Equals, pregelstate.Completed)
	c.Assert(gw.HasLeadership(), gc.Equals, true)
	c.Assert(d.Result(), gc.DeepEquals, map[string]interface{}{"a": 1})
}

func (s *DriverTestSuite) TestRunBeforePrepareIsRejected(c *gc.C) {
	d, _ := newDriverHarness(c, 1, staticVertexSource{}, staticEdgeSource{}, noopCompute, 10)
	defer d.Close()

	_, err := d.Run(context.Background(), 10)
	c.Assert(err, gc.NotNil)
}
