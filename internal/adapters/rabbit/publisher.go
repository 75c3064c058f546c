// Package rabbit carries outbox events over a durable topic exchange.
package rabbit

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const Exchange = "ticketing.events"

type Publisher struct {
	mu sync.Mutex
	ch *amqp.Channel
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := declareExchange(ch); err != nil {
		return nil, err
	}
	return &Publisher{ch: ch}, nil
}

// Publish sends msg as persistent with the event type as routing key.
func (p *Publisher) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	msg.DeliveryMode = amqp.Persistent
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Wrapf(p.ch.PublishWithContext(ctx, Exchange, key, false, false, msg), "publish %s", key)
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

func declareExchange(ch *amqp.Channel) error {
	return errors.Wrap(ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil), "declare exchange")
}
