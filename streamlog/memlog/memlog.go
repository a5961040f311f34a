// Package memlog provides an in-process implementation of the streamlog
// Producer/Consumer interfaces, backed by plain slices guarded by a
// mutex. It is used by the engine's test suites and by the
// single-process driver example in place of a real broker.
package memlog

import (
	"context"
	"sync"

	"github.com/gopregel/engine/partition"
	"github.com/gopregel/engine/streamlog"
)

// Broker is a shared, partitioned, in-memory log. A single Broker instance
// stands in for one topic; tests typically create one Broker per topic
// named in streamlog.Topic*.
type Broker struct {
	router *partition.Router

	mu         sync.Mutex
	logs       [][]streamlog.Record // per-partition append log
	compacted  bool
	compactIdx []map[string]int // per-partition: key -> index in logs[p], only when compacted
	consumers  []*consumerSet   // per-partition subscribers
}

type consumerSet struct {
	mu      sync.Mutex
	members []*Consumer
}

// NewBroker creates a Broker with numPartitions partitions. When compacted
// is true, publishing a record with a key already present in a partition
// overwrites the prior value in place (log-compaction semantics used by the
// vertices/edgesGroupedBySource/solutionSet topics); when false, every
// publish appends (work-set topic, which is log-retention, not compacted).
func NewBroker(numPartitions int, compacted bool) *Broker {
	router, _ := partition.NewRouter(numPartitions)
	b := &Broker{
		router:    router,
		logs:      make([][]streamlog.Record, numPartitions),
		compacted: compacted,
		consumers: make([]*consumerSet, numPartitions),
	}
	if compacted {
		b.compactIdx = make([]map[string]int, numPartitions)
		for p := range b.compactIdx {
			b.compactIdx[p] = make(map[string]int)
		}
	}
	for p := range b.consumers {
		b.consumers[p] = &consumerSet{}
	}
	return b
}

// NumPartitions returns the number of partitions in the broker.
func (b *Broker) NumPartitions() int { return len(b.logs) }

// Producer returns a streamlog.Producer that publishes into this broker.
func (b *Broker) Producer() streamlog.Producer { return &producer{b: b} }

// Consumer returns a streamlog.Consumer subscribed to the given set of
// partitions (typically the partitions assigned to one worker).
func (b *Broker) Consumer(partitions []int) *Consumer {
	c := &Consumer{
		b:          b,
		partitions: partitions,
		pending:    make(chan streamlog.Record, 4096),
		recCh:      make(chan streamlog.Record, 256),
		errCh:      make(chan error, 1),
		closeCh:    make(chan struct{}),
		positions:  make(map[int]int64),
		resumeCh:   make(chan struct{}),
	}
	close(c.resumeCh) // start resumed
	go c.forward()
	for _, p := range partitions {
		b.consumers[p].mu.Lock()
		b.consumers[p].members = append(b.consumers[p].members, c)
		b.consumers[p].mu.Unlock()
		c.backfill(p)
	}
	return c
}

func (b *Broker) partitionOf(key []byte) int { return b.router.Of(key) }

type producer struct{ b *Broker }

func (pr *producer) Send(ctx context.Context, rec streamlog.Record) <-chan error {
	ackCh := make(chan error, 1)
	b := pr.b

	p := rec.Partition
	if p == 0 && len(rec.Key) > 0 {
		p = b.partitionOf(rec.Key)
	}
	rec.Partition = p

	b.mu.Lock()
	if b.compacted {
		if idx, ok := b.compactIdx[p][string(rec.Key)]; ok {
			rec.Offset = b.logs[p][idx].Offset
			b.logs[p][idx] = rec
			b.mu.Unlock()
			deliver(b, p, rec)
			ackCh <- nil
			return ackCh
		}
	}
	rec.Offset = int64(len(b.logs[p]))
	b.logs[p] = append(b.logs[p], rec)
	if b.compacted {
		b.compactIdx[p][string(rec.Key)] = len(b.logs[p]) - 1
	}
	b.mu.Unlock()

	deliver(b, p, rec)

	select {
	case ackCh <- nil:
	case <-ctx.Done():
	}
	return ackCh
}

func deliver(b *Broker, partitionIdx int, rec streamlog.Record) {
	b.consumers[partitionIdx].mu.Lock()
	members := append([]*Consumer(nil), b.consumers[partitionIdx].members...)
	b.consumers[partitionIdx].mu.Unlock()

	for _, c := range members {
		c.enqueue(rec)
	}
}

func (pr *producer) Close() error { return nil }

// Consumer is the memlog implementation of streamlog.Consumer. A single
// forwarder goroutine drains an internal FIFO into Records() so that
// pause/resume never reorders or drops records.
type Consumer struct {
	b          *Broker
	partitions []int

	pending chan streamlog.Record
	recCh   chan streamlog.Record
	errCh   chan error
	closeCh chan struct{}

	mu        sync.Mutex
	positions map[int]int64

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{}
}

func (c *Consumer) backfill(p int) {
	c.b.mu.Lock()
	records := append([]streamlog.Record(nil), c.b.logs[p]...)
	c.b.mu.Unlock()
	for _, rec := range records {
		c.enqueue(rec)
	}
}

func (c *Consumer) enqueue(rec streamlog.Record) {
	select {
	case c.pending <- rec:
	case <-c.closeCh:
	}
}

func (c *Consumer) forward() {
	for {
		select {
		case rec := <-c.pending:
			c.pauseMu.Lock()
			resumeCh := c.resumeCh
			c.pauseMu.Unlock()

			select {
			case <-resumeCh:
			case <-c.closeCh:
				return
			}

			select {
			case c.recCh <- rec:
			case <-c.closeCh:
				return
			}

			c.mu.Lock()
			if rec.Offset+1 > c.positions[rec.Partition] {
				c.positions[rec.Partition] = rec.Offset + 1
			}
			c.mu.Unlock()
		case <-c.closeCh:
			return
		}
	}
}

func (c *Consumer) Records() <-chan streamlog.Record { return c.recCh }
func (c *Consumer) Errors() <-chan error              { return c.errCh }

func (c *Consumer) LocalPosition(partitionIdx int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions[partitionIdx]
}

func (c *Consumer) EndOffset(partitionIdx int) int64 {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return int64(len(c.b.logs[partitionIdx]))
}

func (c *Consumer) Synced() bool {
	for _, p := range c.partitions {
		if c.LocalPosition(p) < c.EndOffset(p) {
			return false
		}
	}
	return true
}

func (c *Consumer) Pause() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if !c.paused {
		c.paused = true
		c.resumeCh = make(chan struct{})
	}
}

func (c *Consumer) Resume() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if c.paused {
		c.paused = false
		close(c.resumeCh)
	}
}

func (c *Consumer) Close() error {
	for _, p := range c.partitions {
		c.b.consumers[p].mu.Lock()
		members := c.b.consumers[p].members[:0]
		for _, m := range c.b.consumers[p].members {
			if m != c {
				members = append(members, m)
			}
		}
		c.b.consumers[p].members = members
		c.b.consumers[p].mu.Unlock()
	}
	close(c.closeCh)
	return nil
}
