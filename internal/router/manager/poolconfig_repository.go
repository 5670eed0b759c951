package manager

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// PoolConfigStatus is the lifecycle state of a synced pool configuration.
type PoolConfigStatus string

const (
	PoolConfigStatusActive    PoolConfigStatus = "ACTIVE"
	PoolConfigStatusSuspended PoolConfigStatus = "SUSPENDED"
)

// PoolConfigDocument is the shape of one processing pool's configuration as
// stored by the surrounding platform. The router only ever reads this
// collection; it never creates, updates, or deletes pool configuration.
type PoolConfigDocument struct {
	ID              string           `bson:"_id"`
	Code            string           `bson:"code"`
	Concurrency     int              `bson:"concurrency"`
	QueueCapacity   int              `bson:"queueCapacity"`
	RateLimitPerMin *int             `bson:"rateLimitPerMin,omitempty"`
	Status          PoolConfigStatus `bson:"status"`
}

// GetConcurrencyOrDefault returns Concurrency, falling back to defaultVal
// when unset or non-positive.
func (d *PoolConfigDocument) GetConcurrencyOrDefault(defaultVal int) int {
	if d.Concurrency <= 0 {
		return defaultVal
	}
	return d.Concurrency
}

// GetQueueCapacityOrDefault returns QueueCapacity, falling back to
// defaultVal when unset or non-positive.
func (d *PoolConfigDocument) GetQueueCapacityOrDefault(defaultVal int) int {
	if d.QueueCapacity <= 0 {
		return defaultVal
	}
	return d.QueueCapacity
}

// PoolConfigRepository is the read-only view of pool configuration the
// config sync loop needs. It is intentionally narrow: pool lifecycle
// management (create/suspend/archive) lives outside the router.
type PoolConfigRepository interface {
	FindAllEnabled(ctx context.Context) ([]*PoolConfigDocument, error)
}

var errPoolConfigNotFound = errors.New("pool config not found")

// mongoPoolConfigRepository reads pool configuration from a shared
// "processing_pools" collection.
type mongoPoolConfigRepository struct {
	pools *mongo.Collection
}

// NewMongoPoolConfigRepository returns a PoolConfigRepository backed by db.
func NewMongoPoolConfigRepository(db *mongo.Database) PoolConfigRepository {
	return &mongoPoolConfigRepository{pools: db.Collection("processing_pools")}
}

// FindAllEnabled returns every pool configuration that is not suspended.
func (r *mongoPoolConfigRepository) FindAllEnabled(ctx context.Context) ([]*PoolConfigDocument, error) {
	filter := bson.M{"status": bson.M{"$ne": PoolConfigStatusSuspended}}
	opts := options.Find().SetSort(bson.D{{Key: "code", Value: 1}})

	cursor, err := r.pools.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []*PoolConfigDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}
