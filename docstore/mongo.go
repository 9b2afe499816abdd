package docstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoStore is a MongoDB-backed Store. Documents live in a single
// collection keyed by their id; saves are last-write-wins upserts,
// matching the engine's consistency model.
type MongoStore struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMongoStore creates a store over the given collection.
func NewMongoStore(collection *mongo.Collection, logger *zap.Logger) (*MongoStore, error) {
	if collection == nil {
		return nil, errors.New("collection cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MongoStore{
		collection: collection,
		logger:     logger,
	}, nil
}

// Load returns the document for id, or ErrNotFound.
func (s *MongoStore) Load(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load document %s", id)
	}
	return &doc, nil
}

// Save upserts content for id and returns its digest.
func (s *MongoStore) Save(ctx context.Context, id string, content []byte, updatedBy string) (string, error) {
	digest := ContentDigest(content)
	doc := Document{
		ID:        id,
		Content:   content,
		Digest:    digest,
		UpdatedBy: updatedBy,
		UpdatedAt: time.Now(),
	}

	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": id},
		doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return "", errors.Wrapf(err, "failed to save document %s", id)
	}

	s.logger.Debug("Document saved",
		zap.String("document_id", id),
		zap.String("digest", digest),
		zap.String("updated_by", updatedBy))

	return digest, nil
}
