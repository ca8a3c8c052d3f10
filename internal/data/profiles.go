package data

import (
	"context"

	"github.com/PaulBabatuyi/huddle/internal/apperr"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ProfilesStore provides profile document operations.
type ProfilesStore struct {
	// coll is reference to "profiles" collection in MongoDB
	coll *mongo.Collection

	// tx runs the multi-document writes (remove friend)
	tx Transactor
}

// NewProfilesStore returns a ProfilesStore using the given collection.
func NewProfilesStore(coll *mongo.Collection, tx Transactor) *ProfilesStore {
	return &ProfilesStore{coll: coll, tx: tx}
}

// profileFields turns the non-nil fields of u into a $set document.
func profileFields(u *ProfileUpdate) bson.M {
	set := bson.M{"updated_at": u.UpdatedAt}
	if u.Email != nil {
		set["email"] = *u.Email
	}
	if u.Username != nil {
		set["username"] = *u.Username
	}
	if u.DisplayName != nil {
		set["display_name"] = *u.DisplayName
	}
	if u.PhotoURL != nil {
		set["photo_url"] = *u.PhotoURL
	}
	if u.Status != nil {
		set["status"] = *u.Status
	}
	if u.QRCode != nil {
		set["qr_code"] = *u.QRCode
	}
	if u.LastSeen != nil {
		set["last_seen"] = *u.LastSeen
	}
	return set
}

// GetProfile returns the profile with the given id.
func (p *ProfilesStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	var prof Profile
	if err := p.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&prof); err != nil {
		return nil, storeErr("profiles.get", err)
	}
	return &prof, nil
}

// UpsertProfile merge-writes u into the profile, creating it when absent,
// and returns the merged document.
func (p *ProfilesStore) UpsertProfile(ctx context.Context, id string, u *ProfileUpdate) (*Profile, error) {
	update := bson.M{
		"$set": profileFields(u),
		// Fields only written when the document is first created
		"$setOnInsert": bson.M{
			"friends":         bson.A{},
			"friend_requests": bson.M{"sent": bson.A{}, "received": bson.A{}},
			"created_at":      u.UpdatedAt,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After) // Return the merged document

	var prof Profile
	err := p.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&prof)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, apperr.Wrap(apperr.Conflict, "profiles.upsert", apperr.ErrEmailTaken)
		}
		return nil, storeErr("profiles.upsert", err)
	}
	return &prof, nil
}

// UpdateProfile overwrites the non-nil fields of u on an existing profile.
func (p *ProfilesStore) UpdateProfile(ctx context.Context, id string, u *ProfileUpdate) error {
	res, err := p.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": profileFields(u)})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperr.Wrap(apperr.Conflict, "profiles.update", apperr.ErrEmailTaken)
		}
		return storeErr("profiles.update", err)
	}
	if res.MatchedCount == 0 {
		return apperr.NotFoundf("profiles.update", "profile %q not found", id)
	}
	return nil
}

// FindProfileByEmail returns the profile with exactly this email.
func (p *ProfilesStore) FindProfileByEmail(ctx context.Context, email string) (*Profile, error) {
	var prof Profile
	if err := p.coll.FindOne(ctx, bson.M{"email": email}).Decode(&prof); err != nil {
		return nil, storeErr("profiles.find_by_email", err)
	}
	return &prof, nil
}

// FindProfileByUsername returns the profile with exactly this username.
func (p *ProfilesStore) FindProfileByUsername(ctx context.Context, username string) (*Profile, error) {
	var prof Profile
	if err := p.coll.FindOne(ctx, bson.M{"username": username}).Decode(&prof); err != nil {
		return nil, storeErr("profiles.find_by_username", err)
	}
	return &prof, nil
}

// FindProfilesByUsernamePrefix runs a lexicographic range scan over
// usernames: prefix <= username < PrefixUpperBound(prefix).
func (p *ProfilesStore) FindProfilesByUsernamePrefix(ctx context.Context, prefix string, limit int) ([]*Profile, error) {
	filter := bson.M{"username": bson.M{
		"$gte": prefix,
		"$lt":  PrefixUpperBound(prefix),
	}}
	opts := options.Find().
		SetSort(bson.D{{Key: "username", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := p.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, storeErr("profiles.prefix", err)
	}
	defer cursor.Close(ctx)

	var profiles []*Profile
	if err := cursor.All(ctx, &profiles); err != nil {
		return nil, storeErr("profiles.prefix", err)
	}
	return profiles, nil
}

// updateExisting applies update to one profile and reports NotFound when no
// document matched.
func (p *ProfilesStore) updateExisting(ctx context.Context, op, id string, update bson.M) error {
	res, err := p.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return storeErr(op, err)
	}
	if res.MatchedCount == 0 {
		return apperr.NotFoundf(op, "profile %q not found", id)
	}
	return nil
}

// AddToProfileSet adds value to one of the profile's id sets ($addToSet).
func (p *ProfilesStore) AddToProfileSet(ctx context.Context, id string, set ProfileSet, value string) error {
	return p.updateExisting(ctx, "profiles.add_to_set", id, bson.M{
		"$addToSet": bson.M{set.Field(): value},
	})
}

// PullFromProfileSet removes value from one of the profile's id sets ($pull).
func (p *ProfilesStore) PullFromProfileSet(ctx context.Context, id string, set ProfileSet, value string) error {
	return p.updateExisting(ctx, "profiles.pull_from_set", id, bson.M{
		"$pull": bson.M{set.Field(): value},
	})
}

// PromoteToFriend moves friendID from a pending set into friends in a single
// document update, so the id is never in both at once on this profile.
func (p *ProfilesStore) PromoteToFriend(ctx context.Context, id string, pending ProfileSet, friendID string) error {
	return p.updateExisting(ctx, "profiles.promote", id, bson.M{
		"$pull":     bson.M{pending.Field(): friendID},
		"$addToSet": bson.M{SetFriends.Field(): friendID},
	})
}

// UnlinkFriends removes a and b from each other's friends in one transaction.
func (p *ProfilesStore) UnlinkFriends(ctx context.Context, a, b string) error {
	err := p.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if err := p.PullFromProfileSet(ctx, a, SetFriends, b); err != nil {
			return err
		}
		return p.PullFromProfileSet(ctx, b, SetFriends, a)
	})
	return storeErr("profiles.unlink_friends", err)
}
