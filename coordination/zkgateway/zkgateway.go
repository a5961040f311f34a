// Package zkgateway binds coordination.Gateway onto ZooKeeper via
// github.com/samuel/go-zookeeper/zk: ephemeral znodes for group membership
// and worker barrier-tree children, a persistent znode holding the
// replicated PregelState for the shared value, persistent znodes for
// partition-<p> in-flight markers, and the standard lowest-sequential-
// ephemeral-child recipe for leader election.
package zkgateway

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	"github.com/sirupsen/logrus"

	"github.com/gopregel/engine/coordination"
)

var worldACL = zk.WorldACL(zk.PermAll)

// Gateway is a coordination.Gateway backed by a ZooKeeper session.
type Gateway struct {
	conn   *zk.Conn
	logger *logrus.Entry

	groupPath string
	groupNode string // the ephemeral sequential znode we created when joining

	leaderPath string
	leaderNode string
}

// Dial establishes a ZooKeeper session against the given ensemble and
// returns a ready-to-use Gateway.
func Dial(servers []string, sessionTimeout time.Duration, logger *logrus.Entry) (*Gateway, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	conn, events, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, coordination.WrapConnErr("dial", err)
	}

	g := &Gateway{conn: conn, logger: logger}
	go g.logSessionEvents(events)
	return g, nil
}

func (g *Gateway) logSessionEvents(events <-chan zk.Event) {
	for ev := range events {
		g.logger.WithFields(logrus.Fields{"state": ev.State.String(), "path": ev.Path}).Debug("zk session event")
	}
}

// ensurePath creates every missing persistent znode along p.
func (g *Gateway) ensurePath(p string) error {
	if p == "" || p == "/" {
		return nil
	}
	parent := path.Dir(p)
	if parent != "/" {
		if err := g.ensurePath(parent); err != nil {
			return err
		}
	}
	_, err := g.conn.Create(p, nil, 0, worldACL)
	if err != nil && err != zk.ErrNodeExists {
		return err
	}
	return nil
}

func (g *Gateway) JoinGroup(ctx context.Context, groupPath, memberID string) error {
	if err := g.ensurePath(groupPath); err != nil {
		return coordination.WrapConnErr("JoinGroup", err)
	}

	nodePath, err := g.conn.Create(
		path.Join(groupPath, memberID)+"-",
		[]byte(memberID),
		zk.FlagEphemeral|zk.FlagSequence,
		worldACL,
	)
	if err != nil {
		return coordination.WrapConnErr("JoinGroup", err)
	}

	g.groupPath, g.groupNode = groupPath, nodePath
	return nil
}

func (g *Gateway) LeaveGroup(ctx context.Context) error {
	if g.groupNode == "" {
		return nil
	}
	if err := g.conn.Delete(g.groupNode, -1); err != nil && err != zk.ErrNoNode {
		return coordination.WrapConnErr("LeaveGroup", err)
	}
	g.groupNode = ""
	return nil
}

func (g *Gateway) GroupSize(ctx context.Context, groupPath string) (int, error) {
	children, _, err := g.conn.Children(groupPath)
	if err != nil {
		if err == zk.ErrNoNode {
			return 0, nil
		}
		return 0, coordination.WrapConnErr("GroupSize", err)
	}
	return len(children), nil
}

func (g *Gateway) ElectLeader(ctx context.Context, leaderPath string) error {
	if err := g.ensurePath(leaderPath); err != nil {
		return coordination.WrapConnErr("ElectLeader", err)
	}

	nodePath, err := g.conn.Create(
		path.Join(leaderPath, "candidate-"),
		nil,
		zk.FlagEphemeral|zk.FlagSequence,
		worldACL,
	)
	if err != nil {
		return coordination.WrapConnErr("ElectLeader", err)
	}

	g.leaderPath, g.leaderNode = leaderPath, nodePath
	return nil
}

// HasLeadership reports whether this gateway's candidate node is the
// lowest-sequence child under the leader-election path, the standard
// ZooKeeper leader-latch recipe.
func (g *Gateway) HasLeadership() bool {
	if g.leaderNode == "" {
		return false
	}

	children, _, err := g.conn.Children(g.leaderPath)
	if err != nil || len(children) == 0 {
		return false
	}
	sort.Strings(children)

	myName := path.Base(g.leaderNode)
	return children[0] == myName
}

func (g *Gateway) SharedValue(ctx context.Context, valuePath string, initial []byte) (coordination.SharedValue, error) {
	if err := g.ensurePath(path.Dir(valuePath)); err != nil {
		return nil, coordination.WrapConnErr("SharedValue", err)
	}

	_, err := g.conn.Create(valuePath, initial, 0, worldACL)
	if err != nil && err != zk.ErrNodeExists {
		return nil, coordination.WrapConnErr("SharedValue", err)
	}

	return &sharedValue{conn: g.conn, path: valuePath}, nil
}

func (g *Gateway) BarrierTree(ctx context.Context, root string) (coordination.BarrierTree, error) {
	if err := g.ensurePath(root); err != nil {
		return nil, coordination.WrapConnErr("BarrierTree", err)
	}
	return &barrierTree{conn: g.conn, root: root}, nil
}

func (g *Gateway) Close() error {
	g.conn.Close()
	return nil
}

type sharedValue struct {
	conn *zk.Conn
	path string
}

func (v *sharedValue) Get(ctx context.Context) ([]byte, error) {
	data, _, err := v.conn.Get(v.path)
	if err != nil {
		return nil, coordination.WrapConnErr("SharedValue.Get", err)
	}
	return data, nil
}

func (v *sharedValue) Set(ctx context.Context, value []byte) error {
	_, stat, err := v.conn.Get(v.path)
	if err != nil {
		return coordination.WrapConnErr("SharedValue.Set", err)
	}
	if _, err := v.conn.Set(v.path, value, stat.Version); err != nil {
		return coordination.WrapConnErr("SharedValue.Set", err)
	}
	return nil
}

func (v *sharedValue) Watch(ctx context.Context) (<-chan []byte, error) {
	out := make(chan []byte, 8)
	go v.watchLoop(ctx, out)
	return out, nil
}

func (v *sharedValue) watchLoop(ctx context.Context, out chan<- []byte) {
	defer close(out)
	for {
		data, _, eventCh, err := v.conn.GetW(v.path)
		if err != nil {
			return
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}

		select {
		case ev := <-eventCh:
			if ev.Err != nil || ev.Type == zk.EventNodeDeleted {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// barrierTree implements coordination.BarrierTree over
// <root>/barriers/<step>/<RCV|SND>/<name> znodes.
type barrierTree struct {
	conn *zk.Conn
	root string
}

func (t *barrierTree) dir(step int32, phase coordination.Phase) string {
	return coordination.Path(t.root, step, phase, "")
}

func (t *barrierTree) childPath(step int32, phase coordination.Phase, name string) string {
	return coordination.Path(t.root, step, phase, name)
}

func (t *barrierTree) ensureDir(step int32, phase coordination.Phase) error {
	dir := t.dir(step, phase)
	parts := strings.Split(strings.TrimPrefix(dir, "/"), "/")
	cur := ""
	for _, part := range parts {
		cur += "/" + part
		if _, err := t.conn.Create(cur, nil, 0, worldACL); err != nil && err != zk.ErrNodeExists {
			return err
		}
	}
	return nil
}

func (t *barrierTree) AddChild(ctx context.Context, step int32, phase coordination.Phase, name string, ephemeral bool) error {
	if err := t.ensureDir(step, phase); err != nil {
		return coordination.WrapConnErr("BarrierTree.AddChild", err)
	}

	flags := int32(0)
	if ephemeral {
		flags = zk.FlagEphemeral
	}
	_, err := t.conn.Create(t.childPath(step, phase, name), nil, flags, worldACL)
	if err != nil && err != zk.ErrNodeExists {
		return coordination.WrapConnErr("BarrierTree.AddChild", err)
	}
	return nil
}

func (t *barrierTree) RemoveChild(ctx context.Context, step int32, phase coordination.Phase, name string) error {
	err := t.conn.Delete(t.childPath(step, phase, name), -1)
	if err != nil && err != zk.ErrNoNode {
		return coordination.WrapConnErr("BarrierTree.RemoveChild", err)
	}
	return nil
}

func (t *barrierTree) HasChild(ctx context.Context, step int32, phase coordination.Phase, name string) (bool, error) {
	ok, _, err := t.conn.Exists(t.childPath(step, phase, name))
	if err != nil {
		return false, coordination.WrapConnErr("BarrierTree.HasChild", err)
	}
	return ok, nil
}

func (t *barrierTree) CountChildren(ctx context.Context, step int32, phase coordination.Phase) (int, error) {
	names, err := t.ChildNames(ctx, step, phase)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

func (t *barrierTree) ChildNames(ctx context.Context, step int32, phase coordination.Phase) ([]string, error) {
	children, _, err := t.conn.Children(t.dir(step, phase))
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, nil
		}
		return nil, coordination.WrapConnErr("BarrierTree.ChildNames", err)
	}
	sort.Strings(children)
	return children, nil
}
