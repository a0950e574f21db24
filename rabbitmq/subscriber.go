package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/streadway/amqp"

	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/metrics"
)

// Message is a received queue message.
type Message struct {
	Body        []byte
	RoutingKey  string
	Redelivered bool
	DeliveryTag uint64
}

// UnmarshalTo unmarshals the message body into the provided value.
func (m *Message) UnmarshalTo(v any) error {
	return json.Unmarshal(m.Body, v)
}

// CallbackFunc processes a message. Return nil to ack, Permanent(err) to
// drop the message (nack without requeue), any other error to requeue it.
type CallbackFunc func(msg *Message) error

// PermanentError marks a processing failure as non-retriable.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retriable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

const maxBackoff = 30 * time.Second

// poolSize normalizes the worker count and QoS prefetch window. Workers are
// capped at the prefetch since anything beyond the unacked window sits idle.
func poolSize(workers, prefetch int) (int, int) {
	if workers <= 0 {
		workers = 1
	}
	if prefetch <= 0 {
		prefetch = workers
	}
	if workers > prefetch {
		workers = prefetch
	}
	return workers, prefetch
}

// Subscriber consumes submitted-report messages with a bounded worker pool.
type Subscriber struct {
	amqpURL  string
	exchange string
	queue    string
	workers  int
	prefetch int

	conn    *amqp.Connection
	channel *amqp.Channel

	// opMu serializes channel operations since amqp.Channel is not safe for
	// concurrent use.
	opMu sync.Mutex

	startOnce sync.Once
	done      chan struct{}

	connected atomic.Bool
}

// NewSubscriber connects to RabbitMQ and declares the exchange and queue.
// The initial connection is established eagerly so callers fail fast when
// the broker is unreachable. workers bounds the processing pool; prefetch
// is the broker-side QoS window and caps the pool, since workers beyond the
// unacked window would sit idle.
func NewSubscriber(amqpURL, exchangeName, queueName string, workers, prefetch int) (*Subscriber, error) {
	workers, prefetch = poolSize(workers, prefetch)
	s := &Subscriber{
		amqpURL:  amqpURL,
		exchange: exchangeName,
		queue:    queueName,
		workers:  workers,
		prefetch: prefetch,
		done:     make(chan struct{}),
	}

	s.opMu.Lock()
	err := s.reconnectLocked()
	s.opMu.Unlock()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// reconnectLocked tears down any existing channel/connection and recreates
// them. Caller must hold s.opMu.
func (s *Subscriber) reconnectLocked() error {
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connected.Store(false)
	metrics.RabbitMQConnected.Set(0)

	conn, err := amqp.Dial(s.amqpURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(s.exchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(s.queue, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	s.queue = q.Name

	s.conn = conn
	s.channel = ch
	s.connected.Store(true)
	metrics.RabbitMQConnected.Set(1)
	return nil
}

// Start begins consuming and dispatching deliveries to the routing key
// callbacks. It returns immediately; consumption runs until Close.
func (s *Subscriber) Start(routingKeyCallbacks map[string]CallbackFunc) error {
	s.startOnce.Do(func() {
		jobs := make(chan amqp.Delivery, s.workers)

		for i := 0; i < s.workers; i++ {
			go s.worker(i+1, jobs, routingKeyCallbacks)
		}

		go s.consumeLoop(jobs, routingKeyCallbacks)
	})
	return nil
}

func (s *Subscriber) worker(id int, jobs <-chan amqp.Delivery, callbacks map[string]CallbackFunc) {
	for delivery := range jobs {
		s.handle(id, delivery, callbacks)
	}
}

// handle runs the callback and acks or nacks after processing completes.
func (s *Subscriber) handle(workerID int, delivery amqp.Delivery, callbacks map[string]CallbackFunc) {
	metrics.WorkerInFlight.Inc()
	defer metrics.WorkerInFlight.Dec()

	callback, ok := callbacks[delivery.RoutingKey]
	if !ok {
		log.Warnf("worker %d: no callback for routing key %s, dropping delivery %d", workerID, delivery.RoutingKey, delivery.DeliveryTag)
		s.nack(delivery, false)
		metrics.MessagesProcessedTotal.WithLabelValues("permanent_error").Inc()
		return
	}

	msg := &Message{
		Body:        delivery.Body,
		RoutingKey:  delivery.RoutingKey,
		Redelivered: delivery.Redelivered,
		DeliveryTag: delivery.DeliveryTag,
	}

	err := s.invoke(callback, msg)
	switch {
	case err == nil:
		s.ack(delivery)
		metrics.MessagesProcessedTotal.WithLabelValues("success").Inc()
	case isPermanent(err):
		log.Errorf("worker %d: dropping message %d on routing key %s: %v", workerID, delivery.DeliveryTag, delivery.RoutingKey, err)
		s.nack(delivery, false)
		metrics.MessagesProcessedTotal.WithLabelValues("permanent_error").Inc()
	default:
		log.Warnf("worker %d: requeueing message %d on routing key %s: %v", workerID, delivery.DeliveryTag, delivery.RoutingKey, err)
		s.nack(delivery, !delivery.Redelivered)
		metrics.MessagesProcessedTotal.WithLabelValues("transient_error").Inc()
	}
}

// invoke runs the callback, converting a panic into a permanent error so a
// poisoned message cannot take the worker down.
func (s *Subscriber) invoke(callback CallbackFunc, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("callback panicked: %v", r))
		}
	}()
	return callback(msg)
}

func (s *Subscriber) ack(delivery amqp.Delivery) {
	s.opMu.Lock()
	err := delivery.Ack(false)
	s.opMu.Unlock()
	if err != nil {
		log.Errorf("ack for delivery %d failed: %v", delivery.DeliveryTag, err)
	}
}

func (s *Subscriber) nack(delivery amqp.Delivery, requeue bool) {
	s.opMu.Lock()
	err := delivery.Nack(false, requeue)
	s.opMu.Unlock()
	if err != nil {
		log.Errorf("nack for delivery %d failed: %v", delivery.DeliveryTag, err)
	}
}

// consumeLoop consumes deliveries, reconnecting with backoff when the broker
// drops the connection. QoS and bindings are re-applied on every reconnect.
func (s *Subscriber) consumeLoop(jobs chan<- amqp.Delivery, callbacks map[string]CallbackFunc) {
	backoff := time.Second
	for {
		select {
		case <-s.done:
			close(jobs)
			return
		default:
		}

		msgs, err := s.openConsumer(callbacks)
		if err != nil {
			log.Errorf("consuming queue %s failed: %v", s.queue, err)
			backoff = s.sleep(backoff)
			continue
		}

		log.Infof("consuming queue %s on exchange %s with %d workers", s.queue, s.exchange, s.workers)
		backoff = time.Second

		if !s.drain(jobs, msgs) {
			return
		}
		log.Warnf("delivery channel for queue %s closed, reconnecting", s.queue)
		backoff = s.sleep(backoff)
	}
}

func (s *Subscriber) openConsumer(callbacks map[string]CallbackFunc) (<-chan amqp.Delivery, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.conn == nil || s.conn.IsClosed() || s.channel == nil {
		if err := s.reconnectLocked(); err != nil {
			return nil, err
		}
	}

	if err := s.channel.Qos(s.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}
	for routingKey := range callbacks {
		if err := s.channel.QueueBind(s.queue, routingKey, s.exchange, false, nil); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", routingKey, err)
		}
	}
	return s.channel.Consume(s.queue, "", false, false, false, false, nil)
}

// drain forwards deliveries to the worker pool until the consumer channel
// closes (returns true) or the subscriber shuts down (returns false).
func (s *Subscriber) drain(jobs chan<- amqp.Delivery, msgs <-chan amqp.Delivery) bool {
	for {
		select {
		case <-s.done:
			close(jobs)
			return false
		case delivery, ok := <-msgs:
			if !ok {
				s.connected.Store(false)
				metrics.RabbitMQConnected.Set(0)
				return true
			}
			jobs <- delivery
		}
	}
}

func (s *Subscriber) sleep(backoff time.Duration) time.Duration {
	select {
	case <-s.done:
		return backoff
	case <-time.After(backoff):
	}
	if backoff < maxBackoff {
		backoff *= 2
	}
	return backoff
}

// Close stops consumption and closes the connection.
func (s *Subscriber) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	var err error
	if s.channel != nil {
		if channelErr := s.channel.Close(); channelErr != nil {
			err = channelErr
		}
		s.channel = nil
	}
	if s.conn != nil {
		if connErr := s.conn.Close(); connErr != nil && err == nil {
			err = connErr
		}
		s.conn = nil
	}
	s.connected.Store(false)
	metrics.RabbitMQConnected.Set(0)
	return err
}

// IsConnected reports whether the subscriber currently has an open
// connection (best-effort).
func (s *Subscriber) IsConnected() bool {
	return s.connected.Load()
}

// WaitForShutdown blocks until Close is called or ctx expires.
func (s *Subscriber) WaitForShutdown(ctx context.Context) {
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}
