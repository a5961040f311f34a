// Package barrier implements the per-worker barrier synchronizer: a
// periodic tick that reads the replicated PregelState, advances it when
// this worker holds leadership, and otherwise signals RECEIVE/SEND
// readiness into the barrier tree. One side of the protocol waits for all
// of a superstep's children to appear under the tree; the other side adds
// its own child and moves on — the same "one side waits for N children,
// the other side waits to be notified" split as an in-process barrier,
// built on coordination.BarrierTree.CountChildren/AddChild instead of Go
// channels so the two sides can be separate processes talking only
// through the coordination store.
package barrier

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/gopregel/engine/coordination"
	"github.com/gopregel/engine/metrics"
	"github.com/gopregel/engine/pregelerr"
	"github.com/gopregel/engine/pregelstate"
	"github.com/gopregel/engine/streamlog"
	"github.com/gopregel/engine/workset"
)

// DefaultTickInterval is the default wall-clock tick period.
const DefaultTickInterval = 250 * time.Millisecond

// TopicSync reports the locally-consumed-vs-end-offset sync status of a
// log topic, used to decide when it is safe to signal RECEIVE/SEND
// readiness.
type TopicSync interface {
	Synced() bool
}

// PartitionPipeline is the subset of workset.Pipeline the synchronizer
// drives directly: Forward at SEND-readiness, GC after advancing past a
// superstep.
type PartitionPipeline interface {
	Forward(step int32) []workset.ForwardedVertex
	Compute(ctx context.Context, step int32, fv workset.ForwardedVertex) error
	GC(keepFrom int32)
}

// Synchronizer drives one worker's participation in the barrier protocol.
type Synchronizer struct {
	workerName    string
	gw            coordination.Gateway
	tree          coordination.BarrierTree
	shared        coordination.SharedValue
	groupPath     string
	vertexSync    TopicSync
	edgeSync      TopicSync
	workSetSync   TopicSync
	workSetConsumer streamlog.Consumer
	solutionSetConsumer streamlog.Consumer
	pipelines     []PartitionPipeline
	active        *workset.ActiveSet
	maxIterations int32
	clk           clock.Clock
	logger        *logrus.Entry

	onComplete func(pregelstate.State)
	completed  bool

	signalled map[signalKey]bool
}

type signalKey struct {
	step  int32
	phase coordination.Phase
}

// Config bundles the Synchronizer's collaborators.
type Config struct {
	WorkerName          string
	Gateway             coordination.Gateway
	GroupPath           string
	BarrierRoot         string
	VertexSync          TopicSync
	EdgeSync            TopicSync
	WorkSetConsumer     streamlog.Consumer
	SolutionSetConsumer streamlog.Consumer
	Pipelines           []PartitionPipeline
	Active              *workset.ActiveSet
	MaxIterations       int32
	Clock               clock.Clock
	Logger              *logrus.Entry
	OnComplete          func(pregelstate.State)
}

// New builds a Synchronizer. It obtains (and caches) the shared PregelState
// handle at <GroupPath>/state, created with an initial CREATED state if not
// already present, and the barrier tree rooted at BarrierRoot.
func New(ctx context.Context, cfg Config) (*Synchronizer, error) {
	initial := pregelstate.New()
	shared, err := cfg.Gateway.SharedValue(ctx, cfg.GroupPath+"/state", pregelstate.Encode(initial))
	if err != nil {
		return nil, pregelerr.NewCoordinationError("barrier.New.SharedValue", err)
	}
	tree, err := cfg.Gateway.BarrierTree(ctx, cfg.BarrierRoot)
	if err != nil {
		return nil, pregelerr.NewCoordinationError("barrier.New.BarrierTree", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	return &Synchronizer{
		workerName:          cfg.WorkerName,
		gw:                  cfg.Gateway,
		tree:                tree,
		shared:              shared,
		groupPath:           cfg.GroupPath,
		vertexSync:          cfg.VertexSync,
		edgeSync:            cfg.EdgeSync,
		workSetSync:         syncAdapter{cfg.WorkSetConsumer},
		workSetConsumer:     cfg.WorkSetConsumer,
		solutionSetConsumer: cfg.SolutionSetConsumer,
		pipelines:           cfg.Pipelines,
		active:              cfg.Active,
		maxIterations:       cfg.MaxIterations,
		clk:                 clk,
		logger:              logger,
		onComplete:          cfg.OnComplete,
		signalled:           make(map[signalKey]bool),
	}, nil
}

type syncAdapter struct{ c streamlog.Consumer }

func (s syncAdapter) Synced() bool { return s.c.Synced() }

// Run ticks every interval until ctx is cancelled or the computation
// reaches COMPLETED. interval <= 0 uses DefaultTickInterval.
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	for {
		if err := s.Tick(ctx); err != nil {
			return err
		}
		if s.completed {
			return nil
		}
		select {
		case <-s.clk.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Tick executes a single barrier-protocol tick: read the shared state,
// advance it if this worker leads, then signal this worker's own
// RECEIVE/SEND readiness.
func (s *Synchronizer) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.ObserveSince(metrics.BarrierTickDuration, start) }()

	span := opentracing.StartSpan("barrier.Tick")
	defer span.Finish()
	ctx = opentracing.ContextWithSpan(ctx, span)

	raw, err := s.shared.Get(ctx)
	if err != nil {
		return pregelerr.NewCoordinationError("barrier.Tick.Get", err)
	}
	state, err := pregelstate.Decode(raw)
	if err != nil {
		return xerrors.Errorf("barrier: decoding shared state: %w", err)
	}
	span.SetTag("superstep", state.Superstep)
	span.SetTag("phase", state.Phase.String())
	metrics.Superstep.Set(float64(state.Superstep))

	if state.Lifecycle == pregelstate.Created {
		return nil
	}
	if state.Lifecycle == pregelstate.Completed {
		if !s.completed {
			s.completed = true
			if s.onComplete != nil {
				s.onComplete(state)
			}
		}
		return nil
	}

	if s.gw.HasLeadership() {
		if err := s.advanceAsLeader(ctx, state); err != nil {
			return err
		}
	}

	if err := s.signalReceiveReadiness(ctx, state); err != nil {
		return err
	}
	if err := s.runSendPhase(ctx, state); err != nil {
		return err
	}
	return nil
}

// advanceAsLeader moves the shared state to its next phase once every
// group member has signalled readiness for the current one.
func (s *Synchronizer) advanceAsLeader(ctx context.Context, state pregelstate.State) error {
	groupSize, err := s.gw.GroupSize(ctx, s.groupPath)
	if err != nil {
		return pregelerr.NewCoordinationError("barrier.advanceAsLeader.GroupSize", err)
	}

	switch state.Phase {
	case pregelstate.Receive:
		ready, err := s.tree.CountChildren(ctx, state.Superstep, coordination.PhaseReceive)
		if err != nil {
			return pregelerr.NewCoordinationError("barrier.advanceAsLeader.CountChildren", err)
		}
		if ready < groupSize {
			return nil
		}
		return s.writeState(ctx, state.Next())

	case pregelstate.Send:
		markers, err := s.tree.CountChildren(ctx, state.Superstep, coordination.PhaseSend)
		if err != nil {
			return pregelerr.NewCoordinationError("barrier.advanceAsLeader.CountChildren", err)
		}
		if markers > 0 {
			return nil
		}

		// Workers signal "I am done with SEND of this step" by registering
		// readiness for the next step's RECEIVE (the same child
		// signalReceiveReadiness adds once it observes PhaseSend for the
		// next superstep); reuse that count as "all workers have signalled
		// completion of SEND".
		doneWorkers, err := s.tree.CountChildren(ctx, state.Superstep+1, coordination.PhaseReceive)
		if err != nil {
			return pregelerr.NewCoordinationError("barrier.advanceAsLeader.CountChildren", err)
		}
		if doneWorkers < groupSize {
			return nil
		}

		next := state.Next()
		if s.maxIterations > 0 && next.Superstep > s.maxIterations {
			return s.writeState(ctx, next.Complete(s.clk.Now()))
		}

		nextMarkers, err := s.tree.CountChildren(ctx, next.Superstep, coordination.PhaseSend)
		if err != nil {
			return pregelerr.NewCoordinationError("barrier.advanceAsLeader.CountChildren", err)
		}
		if nextMarkers == 0 && s.active.EmptyForStep(next.Superstep) {
			// Convergence: nothing was dispatched into the upcoming
			// superstep, so there is nothing left for any worker to do.
			return s.writeState(ctx, next.Complete(s.clk.Now()))
		}
		return s.writeState(ctx, next)
	}
	return nil
}

func (s *Synchronizer) writeState(ctx context.Context, next pregelstate.State) error {
	if err := s.shared.Set(ctx, pregelstate.Encode(next)); err != nil {
		return pregelerr.NewCoordinationError("barrier.writeState", err)
	}
	s.logger.WithFields(logrus.Fields{"superstep": next.Superstep, "phase": next.Phase.String(), "lifecycle": next.Lifecycle.String()}).Debug("advanced shared pregel state")
	return nil
}

// signalReceiveReadiness registers this worker's RECEIVE-phase readiness
// once its assigned work-set partitions (and, at superstep 0, the seed
// vertex/edge sources) are locally caught up.
func (s *Synchronizer) signalReceiveReadiness(ctx context.Context, state pregelstate.State) error {
	if state.Phase != pregelstate.Receive {
		return nil
	}
	key := signalKey{state.Superstep, coordination.PhaseReceive}
	if s.signalled[key] {
		return nil
	}

	if state.Superstep == 0 {
		if s.vertexSync.Synced() && s.edgeSync.Synced() {
			s.workSetConsumer.Resume()
			s.solutionSetConsumer.Resume()
		} else {
			s.workSetConsumer.Pause()
			s.solutionSetConsumer.Pause()
			return nil
		}
	}

	if !s.workSetSync.Synced() {
		return nil
	}
	if err := s.tree.AddChild(ctx, state.Superstep, coordination.PhaseReceive, s.workerName, true); err != nil {
		return pregelerr.NewCoordinationError("barrier.signalReceiveReadiness.AddChild", err)
	}
	s.signalled[key] = true
	return nil
}

// runSendPhase forwards every not-yet-forwarded vertex once the work-set
// topic is locally synced, then garbage-collects the previous superstep's
// inbox/active-set state.
func (s *Synchronizer) runSendPhase(ctx context.Context, state pregelstate.State) error {
	if state.Phase != pregelstate.Send {
		return nil
	}
	if !s.workSetSync.Synced() {
		return nil
	}

	for _, p := range s.pipelines {
		forwarded := p.Forward(state.Superstep)
		metrics.ActiveVertices.Add(float64(len(forwarded)))
		for _, fv := range forwarded {
			if err := p.Compute(ctx, state.Superstep, fv); err != nil {
				return err
			}
		}
	}

	key := signalKey{state.Superstep, coordination.PhaseSend}
	if !s.signalled[key] {
		if err := s.tree.AddChild(ctx, state.Superstep+1, coordination.PhaseReceive, s.workerName, true); err != nil {
			return pregelerr.NewCoordinationError("barrier.runSendPhase.AddChild", err)
		}
		s.signalled[key] = true
	}

	if keepFrom := state.Superstep; keepFrom > 0 {
		for _, p := range s.pipelines {
			p.GC(keepFrom)
		}
	}
	return nil
}
