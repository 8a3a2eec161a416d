package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"

	"github.com/alimasry/collab-ot/metrics"
	"github.com/alimasry/collab-ot/ot"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("publisher closed")

// KafkaPublisher sends events through bounded local queues drained by
// worker goroutines with bounded retry. Publish only enqueues, so a slow
// broker never stalls the submit path; events that exhaust their retries are
// dropped and counted.
//
// Each content id hashes to one worker queue, so a document's events are
// sent in version order.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger

	queues []chan Event
	// sem bounds the number of concurrent SendMessage calls.
	sem *semaphore.Weighted

	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu     sync.RWMutex
	closed bool
	// done is closed by Close to release publishers blocked on a full queue.
	done    chan struct{}
	pending sync.WaitGroup
	wg      sync.WaitGroup
}

type KafkaOptions struct {
	QueueSize   int
	Workers     int
	MaxInFlight int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultKafkaOptions returns the options used when none are configured.
func DefaultKafkaOptions() KafkaOptions {
	return KafkaOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxInFlight: 4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	}
}

// NewKafkaProducer dials brokers with a SyncProducer configuration.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	// SyncProducer requires Return.Successes.
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}

// NewKafkaPublisher starts the workers. Call Close to drain the queues.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, opt KafkaOptions, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.MaxInFlight <= 0 {
		opt.MaxInFlight = opt.Workers
	}
	perWorker := opt.QueueSize / opt.Workers
	if perWorker < 1 {
		perWorker = 1
	}
	p := &KafkaPublisher{
		producer:    producer,
		topic:       topic,
		logger:      logger.With("component", "kafka_publisher", "topic", topic),
		queues:      make([]chan Event, opt.Workers),
		done:        make(chan struct{}),
		sem:         semaphore.NewWeighted(int64(opt.MaxInFlight)),
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	for i := range p.queues {
		p.queues[i] = make(chan Event, perWorker)
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	return p
}

func (p *KafkaPublisher) queueFor(contentID string) chan Event {
	return p.queues[xxhash.Sum64String(contentID)%uint64(len(p.queues))]
}

// Publish enqueues the event. When the queue is full it waits until ctx is
// done or the publisher is closed.
func (p *KafkaPublisher) Publish(ctx context.Context, acc ot.Accepted) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPublisherClosed
	}
	p.pending.Add(1)
	p.mu.RUnlock()
	defer p.pending.Done()

	evt := NewEvent(acc)
	select {
	case p.queueFor(evt.ContentID) <- evt:
		return nil
	case <-p.done:
		metrics.PublishFailures.WithLabelValues("kafka").Inc()
		return ErrPublisherClosed
	case <-ctx.Done():
		metrics.PublishFailures.WithLabelValues("kafka").Inc()
		return ctx.Err()
	}
}

// Close stops accepting events and waits for the queues to drain.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	// No Publish sends on a queue once pending reaches zero.
	p.pending.Wait()
	for _, q := range p.queues {
		close(q)
	}
	p.wg.Wait()
	return p.producer.Close()
}

func (p *KafkaPublisher) workerLoop(workerID int) {
	defer p.wg.Done()
	for evt := range p.queues[workerID] {
		p.sendWithRetry(workerID, evt)
	}
}

func (p *KafkaPublisher) sendWithRetry(workerID int, evt Event) {
	for attempt := 0; attempt <= p.maxRetry; attempt++ {
		// Workers may wait indefinitely; they are off the submit path.
		_ = p.sem.Acquire(context.Background(), 1)
		err := p.sendOnce(evt)
		p.sem.Release(1)

		if err == nil {
			return
		}

		if attempt == p.maxRetry {
			metrics.PublishFailures.WithLabelValues("kafka").Inc()
			p.logger.Error("kafka send failed, dropping event",
				"content_id", evt.ContentID,
				"op_id", evt.Op.ID,
				"version", evt.Version,
				"worker", workerID,
				"err", err)
			return
		}

		backoff := p.baseBackoff * time.Duration(1<<attempt)
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (p *KafkaPublisher) sendOnce(evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		// Keyed by content id so one document's events stay on one partition.
		Key:   sarama.StringEncoder(evt.ContentID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = p.producer.SendMessage(msg)
	return err
}
