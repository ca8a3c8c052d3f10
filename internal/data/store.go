// Package data provides the MongoDB-backed stores behind the chat core.
package data

import (
	"context"
	"errors"
	"log"

	"github.com/PaulBabatuyi/huddle/internal/apperr"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// prefixSentinel is appended to a prefix to form the exclusive upper bound
// of a lexicographic prefix range.
const prefixSentinel = "\uf8ff"

// PrefixUpperBound returns the exclusive upper bound of the range of strings
// that start with prefix.
func PrefixUpperBound(prefix string) string {
	return prefix + prefixSentinel
}

// NewID returns a new document id. ObjectID hex strings sort by creation
// time, which keeps ids orderable alongside their timestamps.
func NewID() string {
	return bson.NewObjectID().Hex()
}

// Transactor runs fn as one all-or-nothing unit (implemented by db.Client).
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// storeErr classifies a driver error: missing documents become NotFound,
// everything else is treated as a transient store failure.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return apperr.Wrap(apperr.NotFound, op, err)
	}
	return apperr.Wrap(apperr.Unavailable, op, err)
}

// watch opens a change stream on coll filtered by match and calls refresh
// once up front and again after every matching change. The stream is opened
// before the first refresh so no change between the two is lost.
func watch(ctx context.Context, op string, coll *mongo.Collection, match bson.D, refresh func(ctx context.Context) error) error {
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: match}}}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	cs, err := coll.Watch(ctx, pipeline, opts)
	if err != nil {
		return storeErr(op, err)
	}
	defer func() {
		if err := cs.Close(context.Background()); err != nil {
			log.Printf("%s: close change stream: %v", op, err)
		}
	}()

	if err := refresh(ctx); err != nil {
		return err
	}

	for cs.Next(ctx) {
		if err := refresh(ctx); err != nil {
			return err
		}
	}

	if err := cs.Err(); err != nil && ctx.Err() == nil {
		return storeErr(op, err)
	}
	return ctx.Err()
}
