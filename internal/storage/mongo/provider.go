// Package mongo implements the primary document store.
package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"polysync/internal/config"
	"polysync/internal/storage/types"
)

// Provider owns the MongoDB connection.
type Provider struct {
	client     *mongo.Client
	db         *mongo.Database
	collection string
}

// NewProvider connects to MongoDB, verifies the connection and ensures
// indexes.
func NewProvider(ctx context.Context, cfg config.MongoConfig) (*Provider, error) {
	clientOpts := options.Client().ApplyURI(cfg.URI)
	if clientOpts.ConnectTimeout == nil {
		clientOpts.SetConnectTimeout(10 * time.Second)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	p := &Provider{
		client:     client,
		db:         client.Database(cfg.DatabaseName),
		collection: cfg.Collection,
	}
	if err := p.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return p, nil
}

func (p *Provider) ensureIndexes(ctx context.Context) error {
	// The _id already enforces (entity_type, entity_id) uniqueness via
	// the composite key; the secondary index serves per-type scans.
	_, err := p.db.Collection(p.collection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: map[string]any{"entity_type": 1},
	})
	return err
}

// Client returns the underlying MongoDB client.
func (p *Provider) Client() *mongo.Client {
	return p.client
}

// Entities returns the entity store backed by this connection.
func (p *Provider) Entities() types.EntityStore {
	return &entityStore{
		client: p.client,
		coll:   p.db.Collection(p.collection),
	}
}

// Close closes the MongoDB connection.
func (p *Provider) Close(ctx context.Context) error {
	return p.client.Disconnect(ctx)
}
