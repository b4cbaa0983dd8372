package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"polysync/pkg/model"
)

// document is the stored shape: the entity plus a composite _id, so one
// collection serves every entity type with a single uniqueness rule.
type document struct {
	DocID  string `bson:"_id"`
	Entity `bson:",inline"`
}

// Entity aliases model.Entity for bson inlining.
type Entity = model.Entity

func docID(entityType, id string) string {
	return entityType + ":" + id
}

func newDocument(entity *model.Entity) *document {
	return &document{
		DocID:  docID(entity.Type, entity.ID),
		Entity: *entity,
	}
}

type entityStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func (s *entityStore) Get(ctx context.Context, entityType, id string) (*model.Entity, error) {
	var doc document
	err := s.coll.FindOne(ctx, bson.M{"_id": docID(entityType, id)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	entity := doc.Entity
	return &entity, nil
}

func (s *entityStore) Insert(ctx context.Context, entity *model.Entity) error {
	_, err := s.coll.InsertOne(ctx, newDocument(entity))
	if mongo.IsDuplicateKeyError(err) {
		return model.ErrExists
	}
	return err
}

func (s *entityStore) Update(ctx context.Context, entity *model.Entity) error {
	result, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": docID(entity.Type, entity.ID)},
		newDocument(entity))
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *entityStore) Upsert(ctx context.Context, entity *model.Entity) error {
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": docID(entity.Type, entity.ID)},
		newDocument(entity),
		options.Replace().SetUpsert(true))
	return err
}

func (s *entityStore) Delete(ctx context.Context, entityType, id string) error {
	result, err := s.coll.DeleteOne(ctx, bson.M{"_id": docID(entityType, id)})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *entityStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *entityStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
