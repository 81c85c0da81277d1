package inventory

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps inventory as documents {_id: sku, available, reserved}.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore creates a Mongo-backed inventory store.
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

func (s *MongoStore) Reserve(ctx context.Context, sku string, qty int64) error {
	if err := validate(sku, qty); err != nil {
		return err
	}
	return s.adjust(ctx, "reserve", sku, fieldAvailable, qty, -qty, qty, insufficientStock)
}

func (s *MongoStore) Release(ctx context.Context, sku string, qty int64) error {
	if err := validate(sku, qty); err != nil {
		return err
	}
	return s.adjust(ctx, "release", sku, fieldReserved, qty, qty, -qty, func() error {
		return insufficientReserved(sku)
	})
}

func (s *MongoStore) Commit(ctx context.Context, sku string, qty int64) error {
	if err := validate(sku, qty); err != nil {
		return err
	}
	return s.adjust(ctx, "commit", sku, fieldReserved, qty, 0, -qty, func() error {
		return insufficientReserved(sku)
	})
}

// adjust puts the guard in the filter so the check and the $inc are one
// server-side operation. The lookup after a miss only picks the error.
func (s *MongoStore) adjust(ctx context.Context, op, sku, guardField string, guardMin, availableDelta, reservedDelta int64, guardErr func() error) error {
	filter := bson.D{
		{Key: "_id", Value: sku},
		{Key: guardField, Value: bson.D{{Key: "$gte", Value: guardMin}}},
	}
	inc := bson.D{}
	if availableDelta != 0 {
		inc = append(inc, bson.E{Key: fieldAvailable, Value: availableDelta})
	}
	if reservedDelta != 0 {
		inc = append(inc, bson.E{Key: fieldReserved, Value: reservedDelta})
	}

	res, err := s.coll.UpdateOne(ctx, filter, bson.D{{Key: "$inc", Value: inc}})
	if err != nil {
		return unavailable(op, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	err = s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: sku}},
		options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}})).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return skuNotFound(sku)
	}
	if err != nil {
		return unavailable(op, err)
	}
	return guardErr()
}

func (s *MongoStore) Get(ctx context.Context, sku string) (*Item, error) {
	var item Item
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: sku}}).Decode(&item)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, skuNotFound(sku)
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return &item, nil
}

func (s *MongoStore) List(ctx context.Context) ([]*Item, error) {
	cur, err := s.coll.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer cur.Close(ctx)

	items := make([]*Item, 0)
	if err := cur.All(ctx, &items); err != nil {
		return nil, unavailable("list", err)
	}
	return items, nil
}

// Seed 清空并重新写入库存
func (s *MongoStore) Seed(ctx context.Context, items []Item) error {
	if _, err := s.coll.DeleteMany(ctx, bson.D{}); err != nil {
		return unavailable("seed", err)
	}
	if len(items) == 0 {
		return nil
	}
	docs := make([]interface{}, len(items))
	for i := range items {
		docs[i] = items[i]
	}
	if _, err := s.coll.InsertMany(ctx, docs); err != nil {
		return unavailable("seed", err)
	}
	return nil
}
