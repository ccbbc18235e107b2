package transfer

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pylon/internal/model"
)

type (
	TransferRepo struct {
		collection *mongo.Collection
	}
)

func NewTransferRepo(db *mongo.Database) *TransferRepo {
	return &TransferRepo{
		collection: db.Collection("transfers"),
	}
}

// EnsureIndexes creates the fingerprint lookup index.
func (r *TransferRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "fingerprint", Value: 1}, {Key: "at", Value: -1}},
	})
	return err
}

func (r *TransferRepo) Insert(ctx context.Context, t *model.Transfer) error {
	_, err := r.collection.InsertOne(ctx, t)
	return err
}

// ListByFingerprint returns the transfers recorded for a code, newest first.
func (r *TransferRepo) ListByFingerprint(ctx context.Context, fingerprint string) ([]*model.Transfer, error) {
	filter := bson.M{
		"fingerprint": fingerprint,
	}
	opts := options.Find().SetSort(bson.D{{Key: "at", Value: -1}})

	cur, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var res []*model.Transfer
	if err := cur.All(ctx, &res); err != nil {
		return nil, err
	}
	return res, nil
}
