// Package pregelstate defines the immutable cursor that describes where a
// Pregel computation currently stands: its lifecycle, the superstep it is
// on and which half of the superstep (RECEIVE or SEND) is in progress.
package pregelstate

import (
	"encoding/binary"
	"time"

	"golang.org/x/xerrors"
)

// Lifecycle is the coarse-grained stage of a computation.
type Lifecycle byte

const (
	// Created means the computation has been prepared but run() has not
	// been called yet.
	Created Lifecycle = iota
	// Running means the computation is actively executing supersteps.
	Running
	// Completed means the computation has converged or hit maxIterations;
	// the solution set is final.
	Completed
)

func (l Lifecycle) String() string {
	switch l {
	case Created:
		return "CREATED"
	case Running:
		return "RUNNING"
	case Completed:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Phase is the half-superstep a RUNNING computation is in.
type Phase byte

const (
	// Receive is the phase during which a worker ingests messages from the
	// work-set log and waits for the rest of the group to catch up.
	Receive Phase = iota
	// Send is the phase during which buffered vertices are forwarded into
	// the compute pipeline and their outgoing messages are dispatched.
	Send
)

func (p Phase) String() string {
	if p == Send {
		return "SEND"
	}
	return "RECEIVE"
}

// State is an immutable snapshot of the computation's logical cursor.
// Equality (via Equal) only considers (lifecycle, superstep, phase);
// StartTime/EndTime are advisory metadata carried for observability.
type State struct {
	Lifecycle Lifecycle
	Superstep int32
	Phase     Phase
	StartTime time.Time
	EndTime   time.Time
}

// New returns the initial state of a freshly prepared computation.
func New() State {
	return State{Lifecycle: Created}
}

// Start returns the state that begins execution at (superstep 0, RECEIVE).
func Start(at time.Time) State {
	return State{Lifecycle: Running, Superstep: 0, Phase: Receive, StartTime: at}
}

// Next advances the state along the total order defined over
// (superstep, phase): RECEIVE -> SEND within the same superstep, and
// SEND -> RECEIVE while incrementing the superstep. It is only valid to
// call Next on a Running state; calling it on any other lifecycle is a
// programmer error and returns the receiver unchanged.
func (s State) Next() State {
	if s.Lifecycle != Running {
		return s
	}
	next := s
	if s.Phase == Receive {
		next.Phase = Send
	} else {
		next.Phase = Receive
		next.Superstep = s.Superstep + 1
	}
	return next
}

// Complete returns the state transitioned to COMPLETED at the given time.
func (s State) Complete(at time.Time) State {
	c := s
	c.Lifecycle = Completed
	c.EndTime = at
	return c
}

// RunningTime returns the duration between StartTime and either EndTime (if
// set) or now.
func (s State) RunningTime(now time.Time) time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	end := s.EndTime
	if end.IsZero() {
		end = now
	}
	return end.Sub(s.StartTime)
}

// Equal compares two states ignoring timestamps: only (lifecycle,
// superstep, phase) participate in equality and ordering.
func (s State) Equal(o State) bool {
	return s.Lifecycle == o.Lifecycle && s.Superstep == o.Superstep && s.Phase == o.Phase
}

// Less reports whether s precedes o in the (superstep, phase) total order.
// Both states must be Running for the comparison to be meaningful.
func (s State) Less(o State) bool {
	if s.Superstep != o.Superstep {
		return s.Superstep < o.Superstep
	}
	return s.Phase == Receive && o.Phase == Send
}

const wireSize = 1 + 4 + 1 + 8 + 8

// Encode serializes the state into a fixed 22-byte wire format: {byte
// lifecycle, int32 superstep, byte phase, int64 startTime, int64 endTime},
// big-endian, timestamps as Unix nanoseconds (0 when unset).
func Encode(s State) []byte {
	buf := make([]byte, wireSize)
	buf[0] = byte(s.Lifecycle)
	binary.BigEndian.PutUint32(buf[1:5], uint32(s.Superstep))
	buf[5] = byte(s.Phase)
	binary.BigEndian.PutUint64(buf[6:14], uint64(unixNano(s.StartTime)))
	binary.BigEndian.PutUint64(buf[14:22], uint64(unixNano(s.EndTime)))
	return buf
}

// Decode parses the wire format produced by Encode.
func Decode(buf []byte) (State, error) {
	if len(buf) != wireSize {
		return State{}, xerrors.Errorf("decode pregel state: expected %d bytes, got %d", wireSize, len(buf))
	}

	s := State{
		Lifecycle: Lifecycle(buf[0]),
		Superstep: int32(binary.BigEndian.Uint32(buf[1:5])),
		Phase:     Phase(buf[5]),
	}
	if startNano := int64(binary.BigEndian.Uint64(buf[6:14])); startNano != 0 {
		s.StartTime = time.Unix(0, startNano).UTC()
	}
	if endNano := int64(binary.BigEndian.Uint64(buf[14:22])); endNano != 0 {
		s.EndTime = time.Unix(0, endNano).UTC()
	}
	return s, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
