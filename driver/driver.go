// Package driver wires the coordination gateway, the durable log
// collaborators, the per-partition work-set pipeline, the message
// dispatcher and the barrier synchronizer into a single worker process,
// exposing the minimal New/Prepare/Run/Result lifecycle a worker's main
// needs to drive a computation to completion.
package driver

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/gopregel/engine/barrier"
	"github.com/gopregel/engine/coordination"
	"github.com/gopregel/engine/dispatch"
	"github.com/gopregel/engine/pregelerr"
	"github.com/gopregel/engine/pregelstate"
	"github.com/gopregel/engine/streamlog"
	"github.com/gopregel/engine/workset"
)

// Driver is a single worker's entry point into a distributed Pregel
// computation.
type Driver struct {
	cfg Config

	vertices *workset.VertexTable
	edges    *workset.EdgeTable
	solution *workset.SolutionStore
	inbox    *workset.Inbox
	active   *workset.ActiveSet
	pipeline *workset.Pipeline
	sync     *barrier.Synchronizer

	tree coordination.BarrierTree

	completeOnce sync.Once
	completeCh   chan pregelstate.State

	prepared bool
	running  bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New validates cfg and wires a Driver. It obtains the barrier tree and the
// shared PregelState handle from the coordination gateway, but reads no log
// and seeds nothing: callers must call Prepare before Run.
func New(ctx context.Context, cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("driver config validation failed: %w", err)
	}

	tree, err := cfg.Gateway.BarrierTree(ctx, cfg.GroupPath)
	if err != nil {
		return nil, pregelerr.NewCoordinationError("driver.New.BarrierTree", err)
	}

	vertices := workset.NewVertexTable()
	edges := workset.NewEdgeTable()
	solution := workset.NewSolutionStore()
	inbox := workset.NewInbox()
	active := workset.NewActiveSet()

	disp := dispatch.New(cfg.Router, cfg.WorkSetProducer, tree, active, cfg.Logger)

	pipeline := workset.NewPipeline(workset.Config{
		Router:        cfg.Router,
		Vertices:      vertices,
		Edges:         edges,
		Solution:      solution,
		Inbox:         inbox,
		Active:        active,
		Compute:       cfg.Compute,
		DeltaProducer: cfg.SolutionSetProducer,
		Dispatcher:    disp,
		MaxIterations: cfg.MaxIterations,
		Logger:        cfg.Logger,
	})

	d := &Driver{
		cfg:        cfg,
		vertices:   vertices,
		edges:      edges,
		solution:   solution,
		inbox:      inbox,
		active:     active,
		pipeline:   pipeline,
		tree:       tree,
		completeCh: make(chan pregelstate.State, 1),
	}

	sync, err := barrier.New(ctx, barrier.Config{
		WorkerName:          cfg.WorkerName,
		Gateway:             cfg.Gateway,
		GroupPath:           cfg.GroupPath,
		BarrierRoot:         cfg.GroupPath,
		VertexSync:          constSync(true),
		EdgeSync:            constSync(true),
		WorkSetConsumer:     cfg.WorkSetConsumer,
		SolutionSetConsumer: cfg.SolutionSetConsumer,
		Pipelines:           []barrier.PartitionPipeline{pipeline},
		Active:              active,
		MaxIterations:       cfg.MaxIterations,
		Logger:              cfg.Logger,
		OnComplete:          d.signalComplete,
	})
	if err != nil {
		return nil, err
	}
	d.sync = sync

	return d, nil
}

type constSync bool

func (c constSync) Synced() bool { return bool(c) }

func (d *Driver) signalComplete(s pregelstate.State) {
	d.completeOnce.Do(func() { d.completeCh <- s })
}

// Prepare loads the vertex and edge sources and seeds the computation:
// every vertex gets a solution-set entry (-1, v, 0, v) and a work-set
// entry (0, vertexKey, nil message), and each partition holding vertices
// gets a partition-<p> marker at (0, SEND) so step 0 has something to
// drain.
func (d *Driver) Prepare(ctx context.Context) error {
	vertexValues, err := d.cfg.VertexSource.Load()
	if err != nil {
		return xerrors.Errorf("driver.Prepare: loading vertices: %w", err)
	}
	edgeLists, err := d.cfg.EdgeSource.Load()
	if err != nil {
		return xerrors.Errorf("driver.Prepare: loading edges: %w", err)
	}

	for id, v := range vertexValues {
		d.vertices.Put(id, v)
	}
	for src, es := range edgeLists {
		d.edges.Put(src, es)
	}

	partitionsWithVertices := make(map[int]struct{})
	for id, v := range vertexValues {
		entry := workset.Entry{PrevStep: -1, PrevValue: v, CurStep: 0, CurValue: v}
		d.solution.Put(id, entry)
		if err := d.publishSolutionSeed(ctx, id, entry); err != nil {
			return err
		}
		if err := d.publishWorkSeed(ctx, id); err != nil {
			return err
		}
		partitionsWithVertices[d.cfg.Router.OfString(id)] = struct{}{}
	}

	for p := range partitionsWithVertices {
		name := "partition-" + strconv.Itoa(p)
		if err := d.tree.AddChild(ctx, 0, coordination.PhaseSend, name, false); err != nil {
			return pregelerr.NewCoordinationError("driver.Prepare.AddChild", err)
		}
	}
	d.prepared = true
	return nil
}

func (d *Driver) publishSolutionSeed(ctx context.Context, id string, entry workset.Entry) error {
	rec, err := workset.EncodeSolutionRecord(id, entry)
	if err != nil {
		return err
	}
	errCh := d.cfg.SolutionSetProducer.Send(ctx, rec)
	select {
	case err := <-errCh:
		if err != nil {
			return pregelerr.NewLogError(streamlog.TopicSolutionSet, err)
		}
		return nil
	case <-ctx.Done():
		return pregelerr.NewLogError(streamlog.TopicSolutionSet, ctx.Err())
	}
}

func (d *Driver) publishWorkSeed(ctx context.Context, id string) error {
	rec, err := workset.EncodeWorkSeedRecord(id)
	if err != nil {
		return err
	}
	errCh := d.cfg.WorkSetProducer.Send(ctx, rec)
	select {
	case err := <-errCh:
		if err != nil {
			return pregelerr.NewLogError(streamlog.TopicWorkSet, err)
		}
		return nil
	case <-ctx.Done():
		return pregelerr.NewLogError(streamlog.TopicWorkSet, ctx.Err())
	}
}

// Run starts the per-partition consumer tasks and the barrier
// synchronizer, publishes the initial RUNNING/0/RECEIVE state, and blocks
// until the computation reaches COMPLETED or ctx is cancelled.
func (d *Driver) Run(ctx context.Context, maxIterations int32) (pregelstate.State, error) {
	if !d.prepared {
		return pregelstate.State{}, pregelerr.NewInvariantViolation("driver.Run called before Prepare")
	}
	if d.running {
		return pregelstate.State{}, pregelerr.NewInvariantViolation("driver.Run called twice on the same Driver")
	}
	d.running = true

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	if maxIterations > 0 {
		d.cfg.MaxIterations = maxIterations
	}

	shared, err := d.cfg.Gateway.SharedValue(runCtx, d.cfg.GroupPath+"/state", pregelstate.Encode(pregelstate.New()))
	if err != nil {
		return pregelstate.State{}, pregelerr.NewCoordinationError("driver.Run.SharedValue", err)
	}
	start := pregelstate.Start(time.Now())
	if err := shared.Set(runCtx, pregelstate.Encode(start)); err != nil {
		return pregelstate.State{}, pregelerr.NewCoordinationError("driver.Run.Set", err)
	}

	if err := d.cfg.Gateway.JoinGroup(runCtx, d.cfg.GroupPath, d.cfg.WorkerName); err != nil {
		return pregelstate.State{}, pregelerr.NewCoordinationError("driver.Run.JoinGroup", err)
	}
	if err := d.cfg.Gateway.ElectLeader(runCtx, d.cfg.GroupPath+"/leader"); err != nil {
		return pregelstate.State{}, pregelerr.NewCoordinationError("driver.Run.ElectLeader", err)
	}

	d.wg.Add(2)
	go d.consumeWorkSet(runCtx)
	go d.runSynchronizer(runCtx)

	select {
	case final := <-d.completeCh:
		cancel()
		d.wg.Wait()
		return final, nil
	case <-runCtx.Done():
		d.wg.Wait()
		return pregelstate.State{}, runCtx.Err()
	}
}

func (d *Driver) consumeWorkSet(ctx context.Context) {
	defer d.wg.Done()
	records := d.cfg.WorkSetConsumer.Records()
	errs := d.cfg.WorkSetConsumer.Errors()
	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return
			}
			d.pipeline.ConsumeRecord(rec)
		case err, ok := <-errs:
			if ok && err != nil {
				d.cfg.Logger.WithError(err).Warn("work-set consumer error")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *Driver) runSynchronizer(ctx context.Context) {
	defer d.wg.Done()
	if err := d.sync.Run(ctx, barrier.DefaultTickInterval); err != nil && ctx.Err() == nil {
		d.cfg.Logger.WithError(err).Error("barrier synchronizer exited with error")
	}
}

// State returns the current decoded PregelState from the shared value.
func (d *Driver) State(ctx context.Context) (pregelstate.State, error) {
	shared, err := d.cfg.Gateway.SharedValue(ctx, d.cfg.GroupPath+"/state", pregelstate.Encode(pregelstate.New()))
	if err != nil {
		return pregelstate.State{}, pregelerr.NewCoordinationError("driver.State.SharedValue", err)
	}
	raw, err := shared.Get(ctx)
	if err != nil {
		return pregelstate.State{}, pregelerr.NewCoordinationError("driver.State.Get", err)
	}
	return pregelstate.Decode(raw)
}

// Result returns the solution set's current curValue for every vertex.
func (d *Driver) Result() map[string]interface{} {
	return d.solution.ResultValues()
}

// Close releases this driver's coordination and log resources.
func (d *Driver) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	var err error
	if cErr := d.cfg.Gateway.LeaveGroup(context.Background()); cErr != nil {
		err = cErr
	}
	if cErr := d.cfg.Gateway.Close(); cErr != nil && err == nil {
		err = cErr
	}
	return err
}
