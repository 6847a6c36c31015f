package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher emits security events to RabbitMQ. Publishing is best-effort:
// errors are logged and returned so callers can ignore failures without
// interrupting the authentication flow — a broker outage must never block
// a login. A nil *Publisher is valid and drops every event, which is what
// tests and broker-less deployments use.
type Publisher struct {
	url string
	log *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher connects to the broker at url. Connection failures are not
// fatal: the publisher redials lazily on the next Publish call.
func NewPublisher(url string, log *slog.Logger) *Publisher {
	if url == "" {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{url: url, log: log}
	if err := p.connect(); err != nil {
		log.Warn("rabbitmq: initial connect failed, will retry on publish", "err", err)
	}
	return p
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	p.conn = conn
	p.ch = ch
	return nil
}

func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p.ch, nil
}

// Publish serializes the event as JSON and sends it to the named queue,
// declaring it durable first. Messages are marked persistent.
func (p *Publisher) Publish(ctx context.Context, queueName string, event any) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		p.log.Warn("rabbitmq: connect failed", "queue", queueName, "err", err)
		return err
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		p.log.Warn("rabbitmq: queue declare failed", "queue", queueName, "err", err)
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		p.log.Warn("rabbitmq: marshal failed", "queue", queueName, "err", err)
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	err = ch.PublishWithContext(pubCtx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		p.log.Warn("rabbitmq: publish failed", "queue", queueName, "err", err)
		// Drop the channel so the next publish redials.
		p.ch = nil
		return err
	}
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
