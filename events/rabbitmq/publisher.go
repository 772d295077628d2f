// Package rabbitmq publishes ledger events to a RabbitMQ topic exchange.
//
// Every ledger.Event is sent as JSON with routing key "ledger.<type>", e.g.
// ledger.checked_in or ledger.yield_settled, so consumers can bind to
// "ledger.#" or to single event types.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/warp/aporte-ledger/ledger"
	"go.uber.org/zap"
)

const DefaultExchange = "ledger.events"

// Publisher implements ledger.Publisher over one AMQP connection.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

var _ ledger.Publisher = (*Publisher)(nil)

// New dials amqpURL and declares the durable topic exchange.
func New(amqpURL, exchange string, logger *zap.Logger) (*Publisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declare(ch, exchange); err != nil {
		conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, channel: ch, exchange: exchange, logger: logger}, nil
}

func declare(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}

// RoutingKey is the topic an event is published under.
func RoutingKey(t ledger.EventType) string { return "ledger." + string(t) }

// Publish sends ev. A closed channel is reopened once before giving up.
func (p *Publisher) Publish(ctx context.Context, ev ledger.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At,
		Type:         string(ev.Type),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, RoutingKey(ev.Type), false, false, msg)
	if err == nil {
		return nil
	}
	p.logger.Warn("publish failed, reopening channel", zap.String("exchange", p.exchange), zap.Error(err))

	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	if err := declare(ch, p.exchange); err != nil {
		return err
	}
	p.channel = ch
	return p.channel.PublishWithContext(ctx, p.exchange, RoutingKey(ev.Type), false, false, msg)
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// LogPublisher stands in when RabbitMQ is not configured or unreachable at
// startup: events are written to the log instead of failing the service.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev ledger.Event) error {
	p.Logger.Debug("event",
		zap.String("routing_key", RoutingKey(ev.Type)),
		zap.String("account_id", string(ev.AccountID)),
		zap.String("amount", ev.Amount.StringFixed(ledger.CentPlaces)),
		zap.String("reference_id", ev.ReferenceID))
	return nil
}

// sanitizeAMQPURL strips quotes and stray prefixes that env files tend to
// leave around the URL and checks the scheme.
func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}
