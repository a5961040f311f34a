// Package dispatch implements the message dispatcher: it publishes a
// vertex's outgoing messages to the workSet log and maintains the
// partition-<p> barrier-tree markers that let the leader detect when a
// superstep's SEND phase has fully drained.
//
// Each send fires into the producer and the call blocks on its
// delivery-report channel, the same ack shape IBM/sarama's AsyncProducer
// uses: the caller never has to poll, and a failed ack surfaces exactly
// where the send happened.
package dispatch

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gopregel/engine/coordination"
	"github.com/gopregel/engine/metrics"
	"github.com/gopregel/engine/partition"
	"github.com/gopregel/engine/pregelerr"
	"github.com/gopregel/engine/streamlog"
	"github.com/gopregel/engine/workset"
)

// Dispatcher publishes outgoing messages to the workSet log and drives
// the partition-<p> barrier-tree markers on ack/drain.
type Dispatcher struct {
	router   *partition.Router
	producer streamlog.Producer // workSet topic
	tree     coordination.BarrierTree
	active   *workset.ActiveSet
	logger   *logrus.Entry
}

// New builds a Dispatcher. tree should be the barrier tree rooted at the
// application's coordination path; active is the same ActiveSet instance
// the owning Pipeline uses, so Dispatch's post-ack bookkeeping is visible
// to the barrier synchronizer's convergence check.
func New(router *partition.Router, producer streamlog.Producer, tree coordination.BarrierTree, active *workset.ActiveSet, logger *logrus.Entry) *Dispatcher {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Dispatcher{router: router, producer: producer, tree: tree, active: active, logger: logger}
}

type workRecordPayload struct {
	Superstep int32       `json:"superstep"`
	SrcKey    string      `json:"src"`
	Msg       interface{} `json:"msg"`
}

// Dispatch implements workset.Dispatcher. step is the superstep the
// outgoing messages were produced during; they are always published
// tagged for step+1, the superstep in which they'll be delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, step int32, srcKey string, outgoing map[string]interface{}) error {
	start := time.Now()
	defer func() { metrics.ObserveSince(metrics.DispatchLatency, start) }()

	nextStep := step + 1

	for dstKey, msg := range outgoing {
		if err := d.sendOne(ctx, nextStep, srcKey, dstKey, msg); err != nil {
			return err
		}
		// AddChild is idempotent: safe to call once per message rather than
		// deduplicating by partition ourselves.
		part := d.router.OfString(dstKey)
		if err := d.tree.AddChild(ctx, nextStep, coordination.PhaseSend, partitionMarker(part), false); err != nil {
			return pregelerr.NewCoordinationError("dispatch.AddChild", err)
		}
	}

	srcPartition := d.router.OfString(srcKey)
	emptied := d.active.Remove(step, srcPartition, srcKey)
	metrics.ActiveVertices.Dec()
	if emptied {
		if err := d.tree.RemoveChild(ctx, step, coordination.PhaseSend, partitionMarker(srcPartition)); err != nil {
			return pregelerr.NewCoordinationError("dispatch.RemoveChild", err)
		}
	}
	return nil
}

func (d *Dispatcher) sendOne(ctx context.Context, step int32, srcKey, dstKey string, msg interface{}) error {
	payload, err := encodePayload(step, srcKey, msg)
	if err != nil {
		return pregelerr.NewLogError(streamlog.TopicWorkSet, err)
	}
	errCh := d.producer.Send(ctx, streamlog.Record{Key: []byte(dstKey), Value: payload})
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

func partitionMarker(p int) string {
	return "partition-" + strconv.Itoa(p)
}

func encodePayload(step int32, srcKey string, msg interface{}) ([]byte, error) {
	return json.Marshal(workRecordPayload{Superstep: step, SrcKey: srcKey, Msg: msg})
}
