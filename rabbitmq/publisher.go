package rabbitmq

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/models"
)

// SubmittedMessage is the payload consumed from the submitted-report routing
// key and published when a report re-enters verification.
type SubmittedMessage struct {
	ReportID string `json:"report_id"`
}

// OutcomeMessage is the payload published for every verification outcome so
// downstream services can react without polling.
type OutcomeMessage struct {
	ReportID    string    `json:"report_id"`
	Event       string    `json:"event"`
	Status      string    `json:"status"`
	Category    string    `json:"category,omitempty"`
	Severity    *int      `json:"severity,omitempty"`
	DuplicateOf *string   `json:"duplicate_of,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher publishes verification events to the reports exchange.
type Publisher struct {
	mu         sync.Mutex
	amqpURL    string
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	outcomeKey string
}

// NewPublisher connects to RabbitMQ and declares the exchange. Outcome
// events are published with outcomeRoutingKey.
func NewPublisher(amqpURL, exchangeName, outcomeRoutingKey string) (*Publisher, error) {
	p := &Publisher{
		amqpURL:    amqpURL,
		exchange:   exchangeName,
		outcomeKey: outcomeRoutingKey,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// PublishOutcome publishes the terminal verification event for a report.
func (p *Publisher) PublishOutcome(event string, report *models.Report, detail string) error {
	msg := OutcomeMessage{
		ReportID:    report.ID,
		Event:       event,
		Status:      string(report.Status),
		Category:    report.Category,
		Severity:    report.Severity,
		DuplicateOf: report.DuplicateOf,
		Detail:      detail,
		Timestamp:   time.Now().UTC(),
	}
	return p.Publish(p.outcomeKey, msg)
}

// PublishSubmitted enqueues a report for (re)verification.
func (p *Publisher) PublishSubmitted(routingKey, reportID string) error {
	return p.Publish(routingKey, SubmittedMessage{ReportID: reportID})
}

// Publish sends a JSON message to the exchange with the given routing key.
func (p *Publisher) Publish(routingKey string, message any) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message to JSON: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	return p.publish(routingKey, publishing)
}

func (p *Publisher) connectLocked() error {
	conn, err := amqp.Dial(p.amqpURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(p.exchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.conn = conn
	p.channel = ch
	return nil
}

func (p *Publisher) closeLocked() {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func isConnClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "channel/connection is not open")
}

// publish sends with one reconnect-and-retry when the channel has gone away.
func (p *Publisher) publish(routingKey string, publishing amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() || p.channel == nil {
		p.closeLocked()
		if err := p.connectLocked(); err != nil {
			return err
		}
	}

	err := p.channel.Publish(p.exchange, routingKey, false, false, publishing)
	if err != nil && isConnClosedErr(err) {
		p.closeLocked()
		if connErr := p.connectLocked(); connErr != nil {
			return fmt.Errorf("failed to publish message: %w (reconnect failed: %v)", err, connErr)
		}
		err = p.channel.Publish(p.exchange, routingKey, false, false, publishing)
	}
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the publisher connection and channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.channel != nil {
		if channelErr := p.channel.Close(); channelErr != nil {
			err = channelErr
		}
		p.channel = nil
	}
	if p.conn != nil {
		if connErr := p.conn.Close(); connErr != nil && err == nil {
			err = connErr
		}
		p.conn = nil
	}
	return err
}

// IsConnected reports whether the publisher currently has an open channel.
func (p *Publisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.conn.IsClosed() && p.channel != nil
}
