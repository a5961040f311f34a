// Package coordination declares the gateway onto the external coordination
// store: group membership, leader election, ephemeral child nodes, and a
// replicated shared value. The core depends only on the Gateway interface
// below; package zkgateway binds it to ZooKeeper via samuel/go-zookeeper,
// and package memgateway provides an in-memory implementation for tests.
package coordination

import (
	"context"
	"strconv"

	"github.com/gopregel/engine/pregelerr"
)

// Phase mirrors pregelstate.Phase without importing it, so that the barrier
// tree path convention (<root>/barriers/<step>/<RCV|SND>/<name>) can be
// expressed without a dependency cycle between coordination and the
// barrier synchronizer that consumes it.
type Phase byte

const (
	PhaseReceive Phase = iota
	PhaseSend
)

func (p Phase) pathSegment() string {
	if p == PhaseSend {
		return "SND"
	}
	return "RCV"
}

// Gateway is implemented by types that expose group membership, leader
// election, a replicated shared value and a hierarchical barrier tree. Every
// method fails with a *pregelerr.CoordinationError on connection loss.
type Gateway interface {
	// JoinGroup registers memberID as an ephemeral member under path. The
	// membership disappears automatically if the connection is lost.
	JoinGroup(ctx context.Context, path, memberID string) error
	// LeaveGroup removes this gateway's membership from the last group it
	// joined.
	LeaveGroup(ctx context.Context) error
	// GroupSize returns the number of members currently registered under
	// path.
	GroupSize(ctx context.Context, path string) (int, error)

	// ElectLeader starts a non-blocking leader election under path. Once
	// called, HasLeadership reflects this gateway's standing in the
	// election.
	ElectLeader(ctx context.Context, path string) error
	// HasLeadership reports whether this gateway currently holds
	// leadership of the path passed to ElectLeader.
	HasLeadership() bool

	// SharedValue returns a handle to a replicated byte value at path,
	// creating it with initial content if it does not yet exist.
	SharedValue(ctx context.Context, path string, initial []byte) (SharedValue, error)

	// BarrierTree returns a handle to the barrier-tree subtree rooted at
	// root.
	BarrierTree(ctx context.Context, root string) (BarrierTree, error)

	// Close releases the connection. Ephemeral nodes registered by this
	// gateway disappear once Close returns.
	Close() error
}

// SharedValue is a CAS-free read/write handle on an opaque byte value with
// change notifications, used to carry the replicated PregelState.
type SharedValue interface {
	// Get returns the current value.
	Get(ctx context.Context) ([]byte, error)
	// Set overwrites the current value.
	Set(ctx context.Context, value []byte) error
	// Watch returns a channel that receives the new value each time it
	// changes. zkgateway closes the channel when ctx ends or the watch
	// fails (for example once the session is closed); memgateway never
	// closes it.
	Watch(ctx context.Context) (<-chan []byte, error)
}

// BarrierTree exposes the <root>/barriers/<step>/<RCV|SND>/<name> subtree.
// Children added with ephemeral=true disappear automatically when the
// gateway that created them disconnects (used for worker readiness);
// children added with ephemeral=false persist until explicitly removed
// (used for partition-<p> in-flight markers).
type BarrierTree interface {
	AddChild(ctx context.Context, step int32, phase Phase, name string, ephemeral bool) error
	RemoveChild(ctx context.Context, step int32, phase Phase, name string) error
	HasChild(ctx context.Context, step int32, phase Phase, name string) (bool, error)
	CountChildren(ctx context.Context, step int32, phase Phase) (int, error)
	ChildNames(ctx context.Context, step int32, phase Phase) ([]string, error)
}

// Path builds the "<root>/barriers/<step>/<RCV|SND>" subtree path used by
// every BarrierTree implementation's storage key, with "/<name>" appended
// when name is non-empty.
func Path(root string, step int32, phase Phase, name string) string {
	p := root + "/barriers/" + strconv.FormatInt(int64(step), 10) + "/" + phase.pathSegment()
	if name != "" {
		p += "/" + name
	}
	return p
}

// WrapConnErr is a helper for Gateway implementations to wrap a broken
// connection as a CoordinationError.
func WrapConnErr(op string, err error) error {
	return pregelerr.NewCoordinationError(op, err)
}
