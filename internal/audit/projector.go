// Package audit projects relayed domain events into the audit log.
package audit

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	mongoadapter "github.com/robertarktes/event-ticketing/internal/adapters/mongo"
	"github.com/robertarktes/event-ticketing/internal/clock"
	"github.com/robertarktes/event-ticketing/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
)

type Store interface {
	Record(ctx context.Context, entry mongoadapter.AuditLog) error
}

type Projector struct {
	store  Store
	clock  clock.Clock
	logger observability.Logger
}

func NewProjector(store Store, clk clock.Clock, logger observability.Logger) *Projector {
	return &Projector{store: store, clock: clk, logger: logger}
}

// Run handles deliveries until the channel closes or ctx is done.
func (p *Projector) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("delivery channel closed")
			}
			p.Handle(ctx, d)
		}
	}
}

// Handle acks a recorded message, rejects one that cannot be decoded and
// requeues one the store failed to take.
func (p *Projector) Handle(ctx context.Context, d amqp.Delivery) {
	entry, err := p.entry(d)
	if err != nil {
		p.logger.WithError(err).WithField("message_id", d.MessageId).Error("dropping undecodable event")
		_ = d.Reject(false)
		return
	}
	if err := p.store.Record(ctx, entry); err != nil {
		p.logger.WithError(err).WithField("message_id", d.MessageId).Warn("audit write failed, requeueing")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (p *Projector) entry(d amqp.Delivery) (mongoadapter.AuditLog, error) {
	if d.MessageId == "" {
		return mongoadapter.AuditLog{}, errors.New("message without id")
	}
	var data bson.M
	if err := bson.UnmarshalExtJSON(d.Body, false, &data); err != nil {
		return mongoadapter.AuditLog{}, errors.Wrap(err, "decode payload")
	}

	action := d.Type
	if action == "" {
		action = d.RoutingKey
	}
	aggregateType, _ := d.Headers["aggregate_type"].(string)
	aggregateID, _ := d.Headers["aggregate_id"].(string)

	return mongoadapter.AuditLog{
		ID:            d.MessageId,
		Action:        action,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		OccurredAt:    d.Timestamp,
		RecordedAt:    p.clock.Now(),
		Data:          data,
	}, nil
}
