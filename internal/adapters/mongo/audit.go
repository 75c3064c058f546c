// Package mongo keeps the audit trail of domain events in MongoDB.
package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/event-ticketing/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DatabaseName holds the audit_logs collection.
const DatabaseName = "ticketing"

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

// AuditLog is one domain event. ID is the broker message id, so redelivery
// overwrites instead of duplicating.
type AuditLog struct {
	ID            string    `bson:"_id"`
	Action        string    `bson:"action"`
	AggregateType string    `bson:"aggregate_type"`
	AggregateID   string    `bson:"aggregate_id"`
	OccurredAt    time.Time `bson:"occurred_at"`
	RecordedAt    time.Time `bson:"recorded_at"`
	Data          bson.M    `bson:"data"`
}

func (a *AuditLogger) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "aggregate_id", Value: 1}, {Key: "occurred_at", Value: 1}}},
		{Keys: bson.D{{Key: "action", Value: 1}}},
	})
	return errors.Wrap(err, "create audit indexes")
}

func (a *AuditLogger) Record(ctx context.Context, entry AuditLog) error {
	_, err := a.coll.ReplaceOne(ctx, bson.M{"_id": entry.ID}, entry, options.Replace().SetUpsert(true))
	if err != nil {
		a.logger.WithError(err).WithField("audit_id", entry.ID).Error("failed to insert audit log")
		return errors.Wrap(err, "upsert audit log")
	}
	return nil
}

// ByAggregate lists the trail of one order or ticket in occurrence order.
func (a *AuditLogger) ByAggregate(ctx context.Context, aggregateID uuid.UUID) ([]AuditLog, error) {
	cur, err := a.coll.Find(ctx, bson.M{"aggregate_id": aggregateID.String()},
		options.Find().SetSort(bson.D{{Key: "occurred_at", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "find audit logs")
	}
	var logs []AuditLog
	if err := cur.All(ctx, &logs); err != nil {
		return nil, errors.Wrap(err, "decode audit logs")
	}
	return logs, nil
}
