package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"safecircle/pkg/domain"
)

// Publisher delivers help alerts to whatever fans them out (SMS sender,
// push worker). Delivery is best-effort; callers never block an
// acknowledgement on it.
type Publisher interface {
	PublishHelp(ctx context.Context, alert domain.HelpAlert) error
}

// NoopPublisher drops alerts. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishHelp(context.Context, domain.HelpAlert) error { return nil }

const (
	defaultExchange = "safecircle.alerts"
	helpRoutingKey  = "status.help"
)

// AMQPPublisher publishes help alerts to a fanout exchange on RabbitMQ.
type AMQPPublisher struct {
	url      string
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPPublisher validates configuration; the connection is dialed lazily
// on first publish so a broker outage never blocks service startup.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = defaultExchange
	}
	return &AMQPPublisher{url: url, exchange: exchange}, nil
}

// PublishHelp emits one persistent JSON message per alert.
func (p *AMQPPublisher) PublishHelp(ctx context.Context, alert domain.HelpAlert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	ch, err := p.ensureChannel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, p.exchange, helpRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		// Drop the channel so the next publish re-dials.
		p.reset()
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Close releases the broker connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	p.channel = nil
	return err
}

func (p *AMQPPublisher) ensureChannel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil && !p.channel.IsClosed() {
		return p.channel, nil
	}
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "fanout", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	p.conn = conn
	p.channel = ch
	return ch, nil
}

func (p *AMQPPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn = nil
	p.channel = nil
}
