// Package workset implements the per-partition pipeline: it buffers
// incoming work-set messages by superstep, forwards not-yet-forwarded
// vertices into the user compute function together with their edges, and
// produces a solution-set delta plus a set of outgoing messages tagged
// for the next superstep.
//
// Vertex values are not kept in a single in-memory field; they live in the
// solution set as a (prevStep, prevValue, curStep, curValue) entry so a
// worker that restarts mid-computation can recover a vertex's value as of
// any completed superstep from the durable solution-set log alone.
package workset

import "github.com/gopregel/engine/pregelstate"

// Codec serializes and deserializes user vertex/edge/message values to and
// from the raw bytes the durable log stores.
type Codec interface {
	Encode(interface{}) ([]byte, error)
	Decode([]byte) (interface{}, error)
}

// Edge is a read-only (dstKey, edgeValue) pair, grouped by source vertex.
type Edge struct {
	DstID string
	Value interface{}
}

// Vertex is the view of a vertex passed to a ComputeFunc: its id and the
// solution-set value applicable at the superstep being executed
// (curValue if curStep <= s, else prevValue).
type Vertex struct {
	ID    string
	Value interface{}
}

// Callback accumulates the result of a single compute invocation: an
// optional new vertex value and a set of outgoing messages keyed by
// destination. Modeled as an output builder passed by reference rather
// than as an event stream, since the ordering of outgoing messages is
// irrelevant and plain map/set semantics suffice.
type Callback struct {
	newValue    interface{}
	hasNewValue bool
	outgoing    map[string]interface{}
}

// NewCallback returns an empty callback ready to be passed to a ComputeFunc.
func NewCallback() *Callback {
	return &Callback{outgoing: make(map[string]interface{})}
}

// SetNewVertexValue records the new value the vertex should take on at the
// end of this superstep. Passing nil leaves the vertex's value unchanged.
func (c *Callback) SetNewVertexValue(v interface{}) {
	c.newValue, c.hasNewValue = v, v != nil
}

// SendMessageTo queues an outgoing message to dst, tagged for delivery at
// the next superstep. A second call for the same dst within one compute
// invocation overwrites the first: only one message per (src, dst, step)
// is ever delivered, so last-writer-wins is the natural semantics.
func (c *Callback) SendMessageTo(dst string, msg interface{}) {
	c.outgoing[dst] = msg
}

// NewVertexValue returns the value set via SetNewVertexValue and whether it
// was set at all.
func (c *Callback) NewVertexValue() (interface{}, bool) { return c.newValue, c.hasNewValue }

// Outgoing returns the accumulated destination -> message map.
func (c *Callback) Outgoing() map[string]interface{} { return c.outgoing }

// ComputeFunc is the user-supplied vertex program, invoked once per
// superstep for every vertex that was forwarded into the pipeline.
type ComputeFunc func(superstep int32, vertex Vertex, incoming map[string]interface{}, edges []Edge, cb *Callback) error

// Phase re-exports pregelstate.Phase so callers of this package do not need
// a second import just to express a (step, phase) pair.
type Phase = pregelstate.Phase
