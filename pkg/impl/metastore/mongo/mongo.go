// Package mongo is a metadata store backed by a MongoDB collection, for
// deployments where several processes share one set of destinations.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/adammck/extentstore/pkg/api"
	"github.com/adammck/extentstore/pkg/metastore"
	sharedmongo "github.com/adammck/extentstore/pkg/shared/mongo"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collectionName = "extents"

type Store struct {
	client *sharedmongo.Client
	clock  clockwork.Clock
}

var _ api.MetadataStore = (*Store)(nil)

type Option func(*Store)

func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

func New(client *sharedmongo.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		clock:  clockwork.NewRealClock(),
	}

	for _, o := range opts {
		o(s)
	}

	return s
}

func (s *Store) coll(ctx context.Context) (*mongo.Collection, error) {
	db, err := s.client.GetDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetDB: %w", err)
	}

	return db.Collection(collectionName), nil
}

// Init creates the collection and its index. It's fine to call it on an
// existing database.
func (s *Store) Init(ctx context.Context) error {
	db, err := s.client.GetDB(ctx)
	if err != nil {
		return fmt.Errorf("GetDB: %w", err)
	}

	err = db.CreateCollection(ctx, collectionName)
	if err != nil {
		var cmdErr mongo.CommandError
		if !errors.As(err, &cmdErr) || cmdErr.Name != "NamespaceExists" {
			return fmt.Errorf("CreateCollection: %w", err)
		}
	}

	_, err = db.Collection(collectionName).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "last_modified_in_ms", Value: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("CreateIndex: %w", err)
	}

	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func (s *Store) UpdateExtent(ctx context.Context, extent *api.Extent) error {
	coll, err := s.coll(ctx)
	if err != nil {
		return err
	}

	// location and path are only set on insert; they never change.
	_, err = coll.UpdateOne(ctx,
		bson.M{"_id": extent.ID},
		bson.M{
			"$set": bson.M{
				"size":                extent.Size,
				"last_modified_in_ms": extent.LastModifiedInMS,
			},
			"$setOnInsert": bson.M{
				"location_id": extent.LocationID,
				"path":        extent.Path,
			},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("UpdateOne: %w", err)
	}

	return nil
}

func (s *Store) DeleteExtent(ctx context.Context, id string) error {
	coll, err := s.coll(ctx)
	if err != nil {
		return err
	}

	_, err = coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("DeleteOne: %w", err)
	}

	return nil
}

func (s *Store) ListExtents(ctx context.Context, opts api.ListOptions) ([]*api.Extent, api.Marker, error) {
	coll, err := s.coll(ctx)
	if err != nil {
		return nil, "", err
	}

	limit := opts.Limit()

	idFilter := bson.M{"$gt": string(opts.Marker)}
	if opts.ID != "" {
		idFilter["$eq"] = opts.ID
	}

	filter := bson.M{"_id": idFilter}
	if cutoff, ok := opts.Cutoff(); ok {
		filter["last_modified_in_ms"] = bson.M{"$lt": cutoff}
	}

	cursor, err := coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, "", fmt.Errorf("Find: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*api.Extent
	if err := cursor.All(ctx, &out); err != nil {
		return nil, "", fmt.Errorf("cursor.All: %w", err)
	}

	if len(out) < limit {
		return out, "", nil
	}

	return out, api.Marker(out[len(out)-1].ID), nil
}

func (s *Store) GetExtentLocationID(ctx context.Context, id string) (string, error) {
	coll, err := s.coll(ctx)
	if err != nil {
		return "", err
	}

	var e api.Extent
	err = coll.FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"location_id": 1})).Decode(&e)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", &api.NotFound{ID: id}
		}
		return "", fmt.Errorf("FindOne: %w", err)
	}

	return e.LocationID, nil
}

func (s *Store) ExtentIterator() api.ExtentIterator {
	return metastore.NewAllExtents(s, metastore.WithClock(s.clock))
}
