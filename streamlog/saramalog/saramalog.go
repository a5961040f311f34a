// Package saramalog binds the streamlog.Producer/Consumer interfaces to
// Apache Kafka via IBM/sarama: one sarama.PartitionConsumer per assigned
// partition feeding a single fan-in channel, and a sarama.AsyncProducer
// whose Successes/Errors callbacks resolve each Send's per-record ack
// channel.
package saramalog

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/gopregel/engine/streamlog"
)

// NewConfig returns a sarama.Config tuned for the engine's use of Kafka:
// idempotent, acked production for the durable logs and manual partition
// offset tracking for consumption (the engine keeps its own
// LocalPosition/EndOffset bookkeeping rather than a consumer group).
func NewConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Consumer.Return.Errors = true
	return cfg
}

// Producer publishes to a single Kafka topic via a sarama.AsyncProducer.
type Producer struct {
	topic    string
	producer sarama.AsyncProducer
	router   func(key []byte) int32

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	waiting map[uint64]chan error
	nextID  uint64

	logger *logrus.Entry
}

// NewProducer dials brokers and returns a Producer for topic. router maps
// a record's key to the partition it should be produced to, matching the
// engine-side partition.Router so log-side and engine-side routing agree.
func NewProducer(brokers []string, topic string, cfg *sarama.Config, router func(key []byte) int32, logger *logrus.Entry) (*Producer, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	if router != nil {
		cfg.Producer.Partitioner = sarama.NewManualPartitioner
	}
	sp, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, xerrors.Errorf("saramalog: dialing producer for topic %s: %w", topic, err)
	}

	p := &Producer{
		topic:    topic,
		producer: sp,
		router:   router,
		closeCh:  make(chan struct{}),
		waiting:  make(map[uint64]chan error),
		logger:   logger,
	}
	p.wg.Add(2)
	go p.drainSuccesses()
	go p.drainErrors()
	return p, nil
}

func (p *Producer) drainSuccesses() {
	defer p.wg.Done()
	for msg := range p.producer.Successes() {
		p.resolve(msg, nil)
	}
}

func (p *Producer) drainErrors() {
	defer p.wg.Done()
	for pe := range p.producer.Errors() {
		p.resolve(pe.Msg, pe.Err)
	}
}

func (p *Producer) resolve(msg *sarama.ProducerMessage, err error) {
	id, ok := msg.Metadata.(uint64)
	if !ok {
		return
	}
	p.mu.Lock()
	ch, ok := p.waiting[id]
	delete(p.waiting, id)
	p.mu.Unlock()
	if ok {
		ch <- err
		close(ch)
	}
}

// Send implements streamlog.Producer.
func (p *Producer) Send(ctx context.Context, rec streamlog.Record) <-chan error {
	ackCh := make(chan error, 1)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.waiting[id] = ackCh
	p.mu.Unlock()

	msg := &sarama.ProducerMessage{
		Topic:    p.topic,
		Key:      sarama.ByteEncoder(rec.Key),
		Value:    sarama.ByteEncoder(rec.Value),
		Metadata: id,
	}
	if p.router != nil {
		msg.Partition = p.router(rec.Key)
	}

	select {
	case p.producer.Input() <- msg:
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.waiting, id)
		p.mu.Unlock()
		result := make(chan error, 1)
		result <- ctx.Err()
		return result
	case <-p.closeCh:
		result := make(chan error, 1)
		result <- xerrors.New("saramalog: producer closed")
		return result
	}
	return ackCh
}

// Close implements streamlog.Producer.
func (p *Producer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closeCh)
		err = p.producer.Close()
		p.wg.Wait()
	})
	return err
}

// Consumer reads the partitions assigned to this worker for a single
// topic via one sarama.PartitionConsumer per partition, fanning their
// messages into a single channel the way the engine's streamlog.Consumer
// contract expects.
type Consumer struct {
	topic      string
	client     sarama.Consumer
	partitions []sarama.PartitionConsumer

	recCh chan streamlog.Record
	errCh chan error

	positions map[int]*int64
	endOffset map[int]*int64

	logger *logrus.Entry
	wg     sync.WaitGroup
}

// NewConsumer dials brokers and starts consuming topic's partitions from
// the oldest available offset.
func NewConsumer(brokers []string, topic string, partitions []int, cfg *sarama.Config, logger *logrus.Entry) (*Consumer, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	client, err := sarama.NewConsumer(brokers, cfg)
	if err != nil {
		return nil, xerrors.Errorf("saramalog: dialing consumer for topic %s: %w", topic, err)
	}

	c := &Consumer{
		topic:     topic,
		client:    client,
		recCh:     make(chan streamlog.Record, 1024),
		errCh:     make(chan error, 16),
		positions: make(map[int]*int64),
		endOffset: make(map[int]*int64),
		logger:    logger,
	}

	for _, part := range partitions {
		pc, err := client.ConsumePartition(topic, int32(part), sarama.OffsetOldest)
		if err != nil {
			_ = c.Close()
			return nil, xerrors.Errorf("saramalog: consuming %s/%d: %w", topic, part, err)
		}
		c.partitions = append(c.partitions, pc)
		pos, end := new(int64), new(int64)
		*end = pc.HighWaterMarkOffset()
		c.positions[part] = pos
		c.endOffset[part] = end

		c.wg.Add(1)
		go c.pump(part, pc)
	}
	return c, nil
}

func (c *Consumer) pump(partition int, pc sarama.PartitionConsumer) {
	defer c.wg.Done()
	for {
		select {
		case msg, ok := <-pc.Messages():
			if !ok {
				return
			}
			atomic.StoreInt64(c.positions[partition], msg.Offset+1)
			if hwm := pc.HighWaterMarkOffset(); hwm > 0 {
				atomic.StoreInt64(c.endOffset[partition], hwm)
			}
			c.recCh <- streamlog.Record{Key: msg.Key, Value: msg.Value, Partition: partition, Offset: msg.Offset}
		case err, ok := <-pc.Errors():
			if !ok {
				return
			}
			select {
			case c.errCh <- err:
			default:
				c.logger.WithError(err).Warn("saramalog: error channel full, dropping")
			}
		}
	}
}

// Records implements streamlog.Consumer.
func (c *Consumer) Records() <-chan streamlog.Record { return c.recCh }

// Errors implements streamlog.Consumer.
func (c *Consumer) Errors() <-chan error { return c.errCh }

// LocalPosition implements streamlog.Consumer.
func (c *Consumer) LocalPosition(partition int) int64 {
	if p, ok := c.positions[partition]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

// EndOffset implements streamlog.Consumer.
func (c *Consumer) EndOffset(partition int) int64 {
	if e, ok := c.endOffset[partition]; ok {
		return atomic.LoadInt64(e)
	}
	return 0
}

// Synced implements streamlog.Consumer.
func (c *Consumer) Synced() bool {
	for part, pos := range c.positions {
		if atomic.LoadInt64(pos) < atomic.LoadInt64(c.endOffset[part]) {
			return false
		}
	}
	return true
}

// Pause implements streamlog.Consumer.
func (c *Consumer) Pause() {
	for _, pc := range c.partitions {
		pc.Pause()
	}
}

// Resume implements streamlog.Consumer.
func (c *Consumer) Resume() {
	for _, pc := range c.partitions {
		pc.Resume()
	}
}

// Close implements streamlog.Consumer.
func (c *Consumer) Close() error {
	var err error
	for _, pc := range c.partitions {
		if cErr := pc.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}
	c.wg.Wait()
	if cErr := c.client.Close(); cErr != nil && err == nil {
		err = cErr
	}
	return err
}
