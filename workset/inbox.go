package workset

import "sync"

// Inbox is the per-worker mapping superstep -> (dstKey -> (srcKey ->
// message)). Only the current and previous superstep are retained;
// GC(step) deletes everything strictly older than step.
//
// It also tracks, per superstep, which destination vertices have already
// been forwarded into the compute pipeline: a late-arriving message for an
// already-forwarded vertex clears its forwarded mark so the vertex is
// re-forwarded on the next barrier tick rather than silently dropping the
// message.
type Inbox struct {
	mu         sync.Mutex
	bySuperstep map[int32]map[string]map[string]interface{}
	forwarded   map[int32]map[string]bool
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{
		bySuperstep: make(map[int32]map[string]map[string]interface{}),
		forwarded:   make(map[int32]map[string]bool),
	}
}

// Buffer upserts a single (step, dst, src, msg) work-set entry. If dst was
// already marked forwarded for step, the mark is cleared so the vertex
// gets re-forwarded with the fuller message set.
func (in *Inbox) Buffer(step int32, dst, src string, msg interface{}) {
	in.mu.Lock()
	defer in.mu.Unlock()

	byDst, ok := in.bySuperstep[step]
	if !ok {
		byDst = make(map[string]map[string]interface{})
		in.bySuperstep[step] = byDst
	}
	bySrc, ok := byDst[dst]
	if !ok {
		bySrc = make(map[string]interface{})
		byDst[dst] = bySrc
	}
	bySrc[src] = msg

	if fwd, ok := in.forwarded[step]; ok {
		delete(fwd, dst)
	}
}

// PendingForward returns the destination vertices buffered at step that
// have not yet been marked forwarded.
func (in *Inbox) PendingForward(step int32) []string {
	in.mu.Lock()
	defer in.mu.Unlock()

	byDst := in.bySuperstep[step]
	if len(byDst) == 0 {
		return nil
	}
	fwd := in.forwarded[step]

	var pending []string
	for dst := range byDst {
		if fwd == nil || !fwd[dst] {
			pending = append(pending, dst)
		}
	}
	return pending
}

// MarkForwarded records that dst has been forwarded for step, and returns a
// copy of the message set it was forwarded with (used by Compute so a
// concurrently arriving late message never mutates a map already handed to
// the user compute function).
func (in *Inbox) MarkForwarded(step int32, dst string) map[string]interface{} {
	in.mu.Lock()
	defer in.mu.Unlock()

	fwd, ok := in.forwarded[step]
	if !ok {
		fwd = make(map[string]bool)
		in.forwarded[step] = fwd
	}
	fwd[dst] = true

	snapshot := make(map[string]interface{})
	for src, msg := range in.bySuperstep[step][dst] {
		snapshot[src] = msg
	}
	return snapshot
}

// GC deletes every superstep strictly older than keepFrom.
func (in *Inbox) GC(keepFrom int32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for step := range in.bySuperstep {
		if step < keepFrom {
			delete(in.bySuperstep, step)
			delete(in.forwarded, step)
		}
	}
}
