package workset

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/gopregel/engine/partition"
	"github.com/gopregel/engine/pregelerr"
	"github.com/gopregel/engine/streamlog"
)

// Dispatcher publishes a vertex's outgoing messages for step+1 and
// maintains the partition-<p> barrier-tree markers the dispatch protocol
// requires. The workset package depends on this interface rather than on
// package dispatch directly, so that package dispatch can in turn depend
// on workset's ActiveSet without an import cycle.
type Dispatcher interface {
	Dispatch(ctx context.Context, step int32, srcKey string, outgoing map[string]interface{}) error
}

// Pipeline is the per-partition stage sequence: Filter, Buffer, Forward,
// Compute, solution-set delta publish, Dispatch. One Pipeline instance
// serves every partition assigned to this worker; callers that want one
// goroutine per partition should run Buffer's caller and Forward's caller
// on separate goroutines per partition, since Pipeline itself holds no
// partition-affine state beyond the shared Inbox (keyed by superstep and
// destination) and ActiveSet (keyed by superstep and partition).
type Pipeline struct {
	router   *partition.Router
	vertices *VertexTable
	edges    *EdgeTable
	solution *SolutionStore
	inbox    *Inbox
	active   *ActiveSet
	compute  ComputeFunc
	delta    streamlog.Producer // solutionSet topic
	dispatch Dispatcher
	logger   *logrus.Entry

	maxIterations int32
}

// Config bundles the collaborators a Pipeline needs. All fields are
// required except Logger.
type Config struct {
	Router        *partition.Router
	Vertices      *VertexTable
	Edges         *EdgeTable
	Solution      *SolutionStore
	Inbox         *Inbox
	Active        *ActiveSet
	Compute       ComputeFunc
	DeltaProducer streamlog.Producer
	Dispatcher    Dispatcher
	MaxIterations int32
	Logger        *logrus.Entry
}

// NewPipeline wires a Pipeline from cfg.
func NewPipeline(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Pipeline{
		router:        cfg.Router,
		vertices:      cfg.Vertices,
		edges:         cfg.Edges,
		solution:      cfg.Solution,
		inbox:         cfg.Inbox,
		active:        cfg.Active,
		compute:       cfg.Compute,
		delta:         cfg.DeltaProducer,
		dispatch:      cfg.Dispatcher,
		maxIterations: cfg.MaxIterations,
		logger:        logger,
	}
}

// Filter reports whether a work-set record at step should be dropped:
// entries whose superstep exceeds maxIterations arrive only from stragglers
// and are no longer useful.
func (p *Pipeline) Filter(step int32) bool {
	return p.maxIterations > 0 && step > p.maxIterations
}

// Buffer consumes a single decoded work-set record and upserts it into the
// inbox. dstKey is the log record's key.
func (p *Pipeline) Buffer(dstKey string, rec workRecord) {
	if p.Filter(rec.Superstep) {
		return
	}
	p.inbox.Buffer(rec.Superstep, dstKey, rec.SrcKey, rec.Msg)
}

// ConsumeRecord decodes a raw streamlog.Record from the workSet topic and
// buffers it. Malformed payloads are logged and dropped rather than
// killing the partition task.
func (p *Pipeline) ConsumeRecord(rec streamlog.Record) {
	wr, err := decodeWorkRecord(rec.Value)
	if err != nil {
		p.logger.WithError(err).WithField("partition", rec.Partition).Warn("dropping malformed work-set record")
		return
	}
	p.Buffer(string(rec.Key), wr)
}

// Forward marks every not-yet-forwarded vertex in inbox[step] as forwarded,
// adds it to the active set for its partition, and returns the forwarded
// tuples ready for Compute. Called from the barrier synchronizer once the
// work-set topic is locally synced for step.
func (p *Pipeline) Forward(step int32) []ForwardedVertex {
	pending := p.inbox.PendingForward(step)
	if len(pending) == 0 {
		return nil
	}
	out := make([]ForwardedVertex, 0, len(pending))
	for _, dst := range pending {
		incoming := p.inbox.MarkForwarded(step, dst)
		part := p.router.OfString(dst)
		p.active.Add(step, part, dst)
		out = append(out, ForwardedVertex{
			DstKey:    dst,
			Partition: part,
			Incoming:  incoming,
			Edges:     p.edges.Get(dst),
		})
	}
	return out
}

// ForwardedVertex is a single vertex forwarded into Compute: its incoming
// messages for the step and its static outgoing edge list.
type ForwardedVertex struct {
	DstKey    string
	Partition int
	Incoming  map[string]interface{}
	Edges     []Edge
}

// Compute runs the user compute function for fv at step, publishes the
// resulting solution-set delta (if any) and dispatches the outgoing
// messages for step+1.
//
// Compute always runs even when Incoming is empty (the forwarded mark
// alone is sufficient) and even when fv.Edges is nil (a sink vertex must
// still be able to react to messages).
func (p *Pipeline) Compute(ctx context.Context, step int32, fv ForwardedVertex) error {
	entry, ok := p.solution.Get(fv.DstKey)
	if !ok {
		init, hasInit := p.vertices.Get(fv.DstKey)
		if !hasInit {
			p.logger.WithField("vertex", fv.DstKey).Warn("compute: no solution-set or vertex-table entry, using nil value")
		}
		entry = Entry{PrevStep: step, PrevValue: init, CurStep: step, CurValue: init}
	}

	vertex := Vertex{ID: fv.DstKey, Value: entry.ValueAt(step)}
	cb := NewCallback()
	if err := p.compute(step, vertex, fv.Incoming, fv.Edges, cb); err != nil {
		return pregelerr.NewUserComputeError(fv.DstKey, int(step), err)
	}

	if newValue, has := cb.NewVertexValue(); has {
		next := entry.Advance(step, newValue)
		p.solution.Put(fv.DstKey, next)
		if err := p.publishDelta(ctx, fv.DstKey, next); err != nil {
			return err
		}
	}

	return p.dispatch.Dispatch(ctx, step, fv.DstKey, cb.Outgoing())
}

func (p *Pipeline) publishDelta(ctx context.Context, dstKey string, e Entry) error {
	payload, err := encodeSolutionEntry(e)
	if err != nil {
		return xerrors.Errorf("workset: encoding solution-set delta for %s: %w", dstKey, err)
	}
	errCh := p.delta.Send(ctx, streamlog.Record{Key: []byte(dstKey), Value: payload})
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

// GC discards every superstep strictly older than keepFrom from the inbox
// and active set. Invoked by the barrier synchronizer once SEND of step s
// completes, to drop inbox[s-1].
func (p *Pipeline) GC(keepFrom int32) {
	p.inbox.GC(keepFrom)
	p.active.GC(keepFrom)
}
