package barrier

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	gc "gopkg.in/check.v1"

	"github.com/gopregel/engine/coordination/memgateway"
	"github.com/gopregel/engine/pregelstate"
	"github.com/gopregel/engine/streamlog/memlog"
	"github.com/gopregel/engine/workset"
)

func Test(t *testing.T) { gc.TestingT(t) }

var _ = gc.Suite(new(SynchronizerTestSuite))

type SynchronizerTestSuite struct{}

type alwaysSynced struct{}

func (alwaysSynced) Synced() bool { return true }

type recordingPipeline struct {
	forwarded []workset.ForwardedVertex
	computed  []workset.ForwardedVertex
	gcCalls   []int32
}

func (p *recordingPipeline) Forward(step int32) []workset.ForwardedVertex {
	out := p.forwarded
	p.forwarded = nil
	return out
}

func (p *recordingPipeline) Compute(_ context.Context, _ int32, fv workset.ForwardedVertex) error {
	p.computed = append(p.computed, fv)
	return nil
}

func (p *recordingPipeline) GC(keepFrom int32) {
	p.gcCalls = append(p.gcCalls, keepFrom)
}

func newSolo(c *gc.C, groupPath string) (*Synchronizer, *memgateway.Gateway) {
	store := memgateway.NewStore()
	gw := memgateway.NewGateway(store)
	ctx := context.Background()

	c.Assert(gw.JoinGroup(ctx, groupPath, "w0"), gc.IsNil)
	c.Assert(gw.ElectLeader(ctx, groupPath+"/leader"), gc.IsNil)

	broker := memlog.NewBroker(1, false)
	consumer := broker.Consumer([]int{0})

	s, err := New(ctx, Config{
		WorkerName:          "w0",
		Gateway:             gw,
		GroupPath:           groupPath,
		BarrierRoot:         groupPath + "/barriers",
		VertexSync:          alwaysSynced{},
		EdgeSync:            alwaysSynced{},
		WorkSetConsumer:     consumer,
		SolutionSetConsumer: consumer,
		Active:              workset.NewActiveSet(),
		MaxIterations:       10,
		Logger:              logrus.NewEntry(logrus.New()),
	})
	c.Assert(err, gc.IsNil)
	return s, gw
}

func (s *SynchronizerTestSuite) TestTickOnCreatedStateIsNoOp(c *gc.C) {
	syncr, _ := newSolo(c, "/app-created")
	c.Assert(syncr.Tick(context.Background()), gc.IsNil)
	c.Assert(syncr.completed, gc.Equals, false)
}

func (s *SynchronizerTestSuite) TestLeaderAdvancesReceiveToSendOnceGroupReady(c *gc.C) {
	syncr, _ := newSolo(c, "/app-advance")
	ctx := context.Background()

	start := pregelstate.Start(time.Now())
	c.Assert(syncr.shared.Set(ctx, pregelstate.Encode(start)), gc.IsNil)

	// First tick: the leader check runs before this worker has signalled,
	// then the worker registers its RECEIVE readiness.
	c.Assert(syncr.Tick(ctx), gc.IsNil)
	// Second tick: the leader sees the whole group ready and advances.
	c.Assert(syncr.Tick(ctx), gc.IsNil)

	raw, err := syncr.shared.Get(ctx)
	c.Assert(err, gc.IsNil)
	state, err := pregelstate.Decode(raw)
	c.Assert(err, gc.IsNil)
	c.Assert(state.Phase, gc.Equals, pregelstate.Send)
	c.Assert(state.Superstep, gc.Equals, int32(0))
}

func (s *SynchronizerTestSuite) TestSendPhaseForwardsComputesAndGCs(c *gc.C) {
	syncr, _ := newSolo(c, "/app-send")
	ctx := context.Background()

	pipeline := &recordingPipeline{forwarded: []workset.ForwardedVertex{{DstKey: "v1"}}}
	syncr.pipelines = []PartitionPipeline{pipeline}

	sendState := pregelstate.State{Lifecycle: pregelstate.Running, Superstep: 1, Phase: pregelstate.Send}
	c.Assert(syncr.shared.Set(ctx, pregelstate.Encode(sendState)), gc.IsNil)

	c.Assert(syncr.Tick(ctx), gc.IsNil)

	c.Assert(len(pipeline.computed), gc.Equals, 1)
	c.Assert(pipeline.computed[0].DstKey, gc.Equals, "v1")
	c.Assert(pipeline.gcCalls, gc.DeepEquals, []int32{1})
}

func (s *SynchronizerTestSuite) TestConvergesWhenSendPhaseProducesNoActivity(c *gc.C) {
	syncr, _ := newSolo(c, "/app-converge")
	ctx := context.Background()

	syncr.pipelines = []PartitionPipeline{&recordingPipeline{}}

	sendState := pregelstate.State{Lifecycle: pregelstate.Running, Superstep: 1, Phase: pregelstate.Send}
	c.Assert(syncr.shared.Set(ctx, pregelstate.Encode(sendState)), gc.IsNil)

	// First tick: worker signals SEND-done readiness for step 2's RECEIVE.
	c.Assert(syncr.Tick(ctx), gc.IsNil)
	// Second tick: leader observes its own readiness signal and, finding
	// no outgoing messages were produced, marks the computation complete.
	c.Assert(syncr.Tick(ctx), gc.IsNil)

	raw, err := syncr.shared.Get(ctx)
	c.Assert(err, gc.IsNil)
	state, err := pregelstate.Decode(raw)
	c.Assert(err, gc.IsNil)
	c.Assert(state.Lifecycle, gc.Equals, pregelstate.Completed)
}
