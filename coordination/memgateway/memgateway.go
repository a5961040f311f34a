// Package memgateway provides an in-process coordination.Gateway backed by
// a shared in-memory store, reproducing the ephemeral-node-disappears-on-
// disconnect semantics of a real coordination store closely enough to
// exercise leader-crash and restart scenarios in tests without an
// external dependency.
package memgateway

import (
	"context"
	"sort"
	"sync"

	"github.com/gopregel/engine/coordination"
)

// Store is the shared backing state for a set of Gateway instances that
// coordinate with each other, analogous to a single ZooKeeper ensemble.
type Store struct {
	mu sync.Mutex

	groups map[string]map[string]*Gateway // path -> memberID -> owning gateway

	leaders map[string]*leaderLatch

	values map[string]*sharedValue

	trees map[string]*barrierTree
}

// NewStore creates an empty coordination store.
func NewStore() *Store {
	return &Store{
		groups:  make(map[string]map[string]*Gateway),
		leaders: make(map[string]*leaderLatch),
		values:  make(map[string]*sharedValue),
		trees:   make(map[string]*barrierTree),
	}
}

type leaderLatch struct {
	mu      sync.Mutex
	waiters []*Gateway // order of arrival; waiters[0] holds leadership
}

// Gateway is a single client's handle onto a Store.
type Gateway struct {
	store *Store

	mu        sync.Mutex
	groupPath string
	memberID  string
	leaderKey string
	closed    bool
}

// NewGateway creates a new client handle onto store.
func NewGateway(store *Store) *Gateway {
	return &Gateway{store: store}
}

func (g *Gateway) JoinGroup(ctx context.Context, path, memberID string) error {
	g.store.mu.Lock()
	defer g.store.mu.Unlock()

	members, ok := g.store.groups[path]
	if !ok {
		members = make(map[string]*Gateway)
		g.store.groups[path] = members
	}
	members[memberID] = g
	g.mu.Lock()
	g.groupPath, g.memberID = path, memberID
	g.mu.Unlock()
	return nil
}

func (g *Gateway) LeaveGroup(ctx context.Context) error {
	g.store.mu.Lock()
	defer g.store.mu.Unlock()
	return g.leaveGroupLocked()
}

// leaveGroupLocked assumes g.store.mu is held.
func (g *Gateway) leaveGroupLocked() error {
	g.mu.Lock()
	path, memberID := g.groupPath, g.memberID
	g.groupPath, g.memberID = "", ""
	g.mu.Unlock()

	if path == "" {
		return nil
	}
	if members, ok := g.store.groups[path]; ok {
		delete(members, memberID)
	}
	return nil
}

func (g *Gateway) GroupSize(ctx context.Context, path string) (int, error) {
	g.store.mu.Lock()
	defer g.store.mu.Unlock()
	return len(g.store.groups[path]), nil
}

func (g *Gateway) ElectLeader(ctx context.Context, path string) error {
	g.store.mu.Lock()
	latch, ok := g.store.leaders[path]
	if !ok {
		latch = &leaderLatch{}
		g.store.leaders[path] = latch
	}
	g.store.mu.Unlock()

	latch.mu.Lock()
	defer latch.mu.Unlock()
	for _, w := range latch.waiters {
		if w == g {
			return nil // already registered
		}
	}
	latch.waiters = append(latch.waiters, g)

	g.mu.Lock()
	g.leaderKey = path
	g.mu.Unlock()
	return nil
}

func (g *Gateway) HasLeadership() bool {
	g.mu.Lock()
	path := g.leaderKey
	g.mu.Unlock()
	if path == "" {
		return false
	}

	g.store.mu.Lock()
	latch, ok := g.store.leaders[path]
	g.store.mu.Unlock()
	if !ok {
		return false
	}

	latch.mu.Lock()
	defer latch.mu.Unlock()
	return len(latch.waiters) > 0 && latch.waiters[0] == g
}

// resignLeadership drops g out of every latch it is waiting on, simulating
// what happens to a ZooKeeper leader-latch sequential node when its
// session ends.
func (g *Gateway) resignLeadership() {
	g.store.mu.Lock()
	latches := make([]*leaderLatch, 0, len(g.store.leaders))
	for _, l := range g.store.leaders {
		latches = append(latches, l)
	}
	g.store.mu.Unlock()

	for _, latch := range latches {
		latch.mu.Lock()
		for i, w := range latch.waiters {
			if w == g {
				latch.waiters = append(latch.waiters[:i], latch.waiters[i+1:]...)
				break
			}
		}
		latch.mu.Unlock()
	}
}

func (g *Gateway) SharedValue(ctx context.Context, path string, initial []byte) (coordination.SharedValue, error) {
	g.store.mu.Lock()
	defer g.store.mu.Unlock()

	v, ok := g.store.values[path]
	if !ok {
		v = &sharedValue{value: append([]byte(nil), initial...)}
		g.store.values[path] = v
	}
	return v, nil
}

func (g *Gateway) BarrierTree(ctx context.Context, root string) (coordination.BarrierTree, error) {
	g.store.mu.Lock()
	defer g.store.mu.Unlock()

	t, ok := g.store.trees[root]
	if !ok {
		t = newBarrierTree()
		g.store.trees[root] = t
	}
	return &boundBarrierTree{tree: t, owner: g}, nil
}

// Close disconnects the gateway: ephemeral group membership and leadership
// are dropped, mirroring what a real coordination store does when a
// client's session expires.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	g.store.mu.Lock()
	_ = g.leaveGroupLocked()
	g.store.mu.Unlock()

	g.resignLeadership()

	g.store.mu.Lock()
	for _, t := range g.store.trees {
		t.removeEphemeralOwnedBy(g)
	}
	g.store.mu.Unlock()
	return nil
}

type sharedValue struct {
	mu       sync.Mutex
	value    []byte
	watchers []chan []byte
}

func (v *sharedValue) Get(ctx context.Context) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]byte(nil), v.value...), nil
}

func (v *sharedValue) Set(ctx context.Context, value []byte) error {
	v.mu.Lock()
	v.value = append([]byte(nil), value...)
	watchers := v.watchers
	v.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- append([]byte(nil), value...):
		default:
		}
	}
	return nil
}

func (v *sharedValue) Watch(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, 8)
	v.mu.Lock()
	v.watchers = append(v.watchers, ch)
	v.mu.Unlock()
	return ch, nil
}

type childKey struct {
	step  int32
	phase coordination.Phase
	name  string
}

type barrierTree struct {
	mu       sync.Mutex
	children map[childKey]*Gateway // nil owner means a persistent (non-ephemeral) child
}

func newBarrierTree() *barrierTree {
	return &barrierTree{children: make(map[childKey]*Gateway)}
}

func (t *barrierTree) removeEphemeralOwnedBy(owner *Gateway) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, o := range t.children {
		if o == owner {
			delete(t.children, k)
		}
	}
}

type boundBarrierTree struct {
	tree  *barrierTree
	owner *Gateway
}

func (b *boundBarrierTree) AddChild(ctx context.Context, step int32, phase coordination.Phase, name string, ephemeral bool) error {
	b.tree.mu.Lock()
	defer b.tree.mu.Unlock()
	k := childKey{step, phase, name}
	if _, exists := b.tree.children[k]; exists {
		return nil // idempotent
	}
	if ephemeral {
		b.tree.children[k] = b.owner
	} else {
		b.tree.children[k] = nil
	}
	return nil
}

func (b *boundBarrierTree) RemoveChild(ctx context.Context, step int32, phase coordination.Phase, name string) error {
	b.tree.mu.Lock()
	defer b.tree.mu.Unlock()
	delete(b.tree.children, childKey{step, phase, name})
	return nil
}

func (b *boundBarrierTree) HasChild(ctx context.Context, step int32, phase coordination.Phase, name string) (bool, error) {
	b.tree.mu.Lock()
	defer b.tree.mu.Unlock()
	_, ok := b.tree.children[childKey{step, phase, name}]
	return ok, nil
}

func (b *boundBarrierTree) CountChildren(ctx context.Context, step int32, phase coordination.Phase) (int, error) {
	b.tree.mu.Lock()
	defer b.tree.mu.Unlock()
	n := 0
	for k := range b.tree.children {
		if k.step == step && k.phase == phase {
			n++
		}
	}
	return n, nil
}

func (b *boundBarrierTree) ChildNames(ctx context.Context, step int32, phase coordination.Phase) ([]string, error) {
	b.tree.mu.Lock()
	defer b.tree.mu.Unlock()
	var names []string
	for k := range b.tree.children {
		if k.step == step && k.phase == phase {
			names = append(names, k.name)
		}
	}
	sort.Strings(names)
	return names, nil
}
