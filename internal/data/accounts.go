package data

import (
	"context" // Used for cancellation and timeouts
	"time"    // Timestamps

	"github.com/PaulBabatuyi/huddle/internal/apperr"
	"github.com/PaulBabatuyi/huddle/internal/normalize"
	"go.mongodb.org/mongo-driver/v2/bson"  // MongoDB document queries
	"go.mongodb.org/mongo-driver/v2/mongo" // MongoDB driver
)

// AccountsStore performs credential DB operations for the identity provider.
type AccountsStore struct {
	// coll is reference to "accounts" collection in MongoDB
	coll *mongo.Collection
}

// NewAccountsStore returns an AccountsStore using the provided collection.
func NewAccountsStore(coll *mongo.Collection) *AccountsStore {
	return &AccountsStore{coll: coll}
}

// CreateAccount inserts a new account with an already-hashed password.
func (a *AccountsStore) CreateAccount(ctx context.Context, email, hashedPassword string) (*Account, error) {
	now := time.Now().UTC()
	acct := &Account{
		ID:        NewID(),                // Becomes the stable user id
		Email:     normalize.Email(email), // Stored normalized for lookups
		Password:  hashedPassword,         // Already hashed by auth.HashPassword()
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := a.coll.InsertOne(ctx, acct); err != nil {
		// Unique index on email: the address is already registered
		if mongo.IsDuplicateKeyError(err) {
			return nil, apperr.Wrap(apperr.Conflict, "accounts.create", apperr.ErrEmailTaken)
		}
		return nil, storeErr("accounts.create", err)
	}

	return acct, nil
}

// GetAccountByEmail finds an account by email.
func (a *AccountsStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	var acct Account

	// bson.M{"email": email} creates MongoDB query filter: {email: "provided@email.com"}
	err := a.coll.FindOne(ctx, bson.M{"email": normalize.Email(email)}).Decode(&acct)
	if err != nil {
		return nil, storeErr("accounts.get_by_email", err)
	}
	return &acct, nil
}

// GetAccountByID finds an account by id.
func (a *AccountsStore) GetAccountByID(ctx context.Context, id string) (*Account, error) {
	var acct Account

	err := a.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&acct)
	if err != nil {
		return nil, storeErr("accounts.get_by_id", err)
	}
	return &acct, nil
}
