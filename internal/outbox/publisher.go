package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/event-ticketing/internal/clock"
	"github.com/robertarktes/event-ticketing/internal/observability"
)

const (
	StatusNew       = "NEW"
	StatusPublished = "PUBLISHED"
)

const (
	EventOrderCreated   = "order.created"
	EventOrderCancelled = "order.cancelled"
	EventOrderExpired   = "order.expired"
	EventOrderPaid      = "order.paid"
	EventOrderRefunded  = "order.refunded"
	EventTicketsIssued  = "tickets.issued"
	EventTicketScanned  = "ticket.scanned"
	EventPaymentAnomaly = "payment.anomaly"
)

type Record struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        string
	DedupeKey     string
}

// NewRecord serialises payload and stamps the identifiers used for
// consumer-side deduplication.
func NewRecord(aggregateType string, aggregateID uuid.UUID, eventType string, payload any, now time.Time) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, errors.Wrapf(err, "marshal %s payload", eventType)
	}
	id := uuid.New()
	return Record{
		ID:            id,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
		CreatedAt:     now,
		Status:        StatusNew,
		DedupeKey:     id.String(),
	}, nil
}

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	ClaimUnpublished(ctx context.Context, limit int) ([]Record, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
}

type Sink interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

// Publisher relays committed outbox rows to the message broker.
type Publisher struct {
	store      Store
	sink       Sink
	clock      clock.Clock
	logger     observability.Logger
	batchSize  int
	maxRetries int
}

func NewPublisher(store Store, sink Sink, clk clock.Clock, logger observability.Logger) *Publisher {
	return &Publisher{
		store:      store,
		sink:       sink,
		clock:      clk,
		logger:     logger,
		batchSize:  50,
		maxRetries: 3,
	}
}

func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PublishBatch(ctx)
			if err != nil {
				p.logger.WithError(err).Error("outbox relay failed")
				continue
			}
			if n > 0 {
				p.logger.WithField("published", n).Debug("outbox batch relayed")
			}
		}
	}
}

// PublishBatch claims a batch of unpublished rows, publishes them in creation
// order and marks them published in the same transaction. A publish failure
// stops the batch so later rows are not delivered ahead of earlier ones.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	published := 0
	err := p.store.WithTx(ctx, func(txCtx context.Context) error {
		published = 0
		records, err := p.store.ClaimUnpublished(txCtx, p.batchSize)
		if err != nil {
			return errors.Wrap(err, "claim outbox")
		}
		if len(records) > 0 {
			observability.OutboxLag.Set(p.clock.Now().Sub(records[0].CreatedAt).Seconds())
		} else {
			observability.OutboxLag.Set(0)
		}

		for _, rec := range records {
			if err := p.publish(txCtx, rec); err != nil {
				p.logger.WithError(err).WithField("outbox_id", rec.ID).Warn("publish failed, will retry")
				break
			}
			if err := p.store.MarkPublished(txCtx, rec.ID, p.clock.Now()); err != nil {
				return errors.Wrapf(err, "mark outbox %s published", rec.ID)
			}
			published++
		}
		return nil
	})
	return published, err
}

func (p *Publisher) publish(ctx context.Context, rec Record) error {
	msg := amqp.Publishing{
		MessageId:   rec.DedupeKey,
		ContentType: "application/json",
		Timestamp:   rec.CreatedAt,
		Type:        rec.EventType,
		Body:        rec.Payload,
		Headers: amqp.Table{
			"aggregate_type": rec.AggregateType,
			"aggregate_id":   rec.AggregateID.String(),
		},
	}

	var err error
	for i := 0; i < p.maxRetries; i++ {
		if err = p.sink.Publish(ctx, rec.EventType, msg); err == nil {
			return nil
		}
		observability.RabbitPublishRetries.Inc()
		backoff := time.Duration(1<<i) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return errors.Wrapf(err, "publish %s after %d attempts", rec.EventType, p.maxRetries)
}
