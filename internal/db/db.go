// Package db manages MongoDB connections, collections and transactions.
package db

import (
	"context" // For connection timeout/cancellation
	"fmt"     // Error formatting
	"time"    // Duration for timeouts

	"go.mongodb.org/mongo-driver/v2/bson"           // Index key documents
	"go.mongodb.org/mongo-driver/v2/mongo"          // MongoDB driver
	"go.mongodb.org/mongo-driver/v2/mongo/options"  // MongoDB options
	"go.mongodb.org/mongo-driver/v2/mongo/readpref" // MongoDB read preference
)

// DefaultDatabase is used when no database name is configured.
const DefaultDatabase = "huddle"

// Client wraps mongo.Client and exposes collections.
type Client struct {
	// client is the underlying MongoDB connection (thread-safe, can be reused)
	client *mongo.Client

	// db is the application database; profiles, rooms, messages and
	// accounts are accessed through it
	db *mongo.Database
}

// New connects to MongoDB and returns a Client bound to database name.
func New(ctx context.Context, mongoURI, name string) (*Client, error) {
	// SetConnectTimeout: fail fast if MongoDB is unreachable
	opts := options.Client().
		ApplyURI(mongoURI).                 // Parse connection string
		SetConnectTimeout(10 * time.Second) // Max time to connect

	// Creates the client; connections are established lazily
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// If ping doesn't complete in 5 seconds, fail
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Ping the primary: transactions and change streams need a replica set
	// primary, so a secondary-only deployment is rejected here
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	if name == "" {
		name = DefaultDatabase
	}

	return &Client{
		client: client,                // Keep reference to close connection later
		db:     client.Database(name), // Created lazily on first write
	}, nil
}

// ProfilesCollection returns the profiles collection.
func (c *Client) ProfilesCollection() *mongo.Collection {
	return c.db.Collection("profiles")
}

// RoomsCollection returns the rooms collection.
func (c *Client) RoomsCollection() *mongo.Collection {
	return c.db.Collection("rooms")
}

// MessagesCollection returns the messages collection.
func (c *Client) MessagesCollection() *mongo.Collection {
	return c.db.Collection("messages")
}

// AccountsCollection returns the accounts (credentials) collection.
func (c *Client) AccountsCollection() *mongo.Collection {
	return c.db.Collection("accounts")
}

// WithTransaction runs fn inside a multi-document transaction. Every
// operation fn performs must use the context it is given. The driver
// retries fn on transient transaction errors; fn must be safe to re-run.
func (c *Client) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := c.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		return nil, fn(txCtx)
	})
	return err
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	// ctx can have timeout if you want to force shutdown after N seconds
	return c.client.Disconnect(ctx)
}

// CreateIndexes creates the indexes the stores rely on.
func (c *Client) CreateIndexes(ctx context.Context) error {
	// ===== PROFILES =====
	// email is unique as a backstop for the directory's own check; sparse
	// because profiles may be created piecemeal before an email is known.
	// username is indexed but NOT unique: uniqueness comes from the
	// directory's suffix search, which the store does not enforce.
	profileIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			// Used by exact username checks and the prefix range search
			Keys: bson.D{{Key: "username", Value: 1}},
		},
	}
	if _, err := c.ProfilesCollection().Indexes().CreateMany(ctx, profileIndexes); err != nil {
		return fmt.Errorf("failed to create profiles indexes: %w", err)
	}

	// ===== ROOMS =====
	roomIndexes := []mongo.IndexModel{
		{
			// Multikey index: rooms containing a participant, by type
			Keys: bson.D{{Key: "participants", Value: 1}, {Key: "type", Value: 1}},
		},
		{
			// Room list ordering (most recent activity first)
			Keys: bson.D{{Key: "last_message.timestamp", Value: -1}},
		},
	}
	if _, err := c.RoomsCollection().Indexes().CreateMany(ctx, roomIndexes); err != nil {
		return fmt.Errorf("failed to create rooms indexes: %w", err)
	}

	// ===== MESSAGES =====
	// (room_id, timestamp): the message log of a room in insertion order
	messageIndex := mongo.IndexModel{
		Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}},
	}
	if _, err := c.MessagesCollection().Indexes().CreateOne(ctx, messageIndex); err != nil {
		return fmt.Errorf("failed to create messages index: %w", err)
	}

	// ===== ACCOUNTS =====
	accountIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := c.AccountsCollection().Indexes().CreateOne(ctx, accountIndex); err != nil {
		return fmt.Errorf("failed to create accounts index: %w", err)
	}

	return nil
}
