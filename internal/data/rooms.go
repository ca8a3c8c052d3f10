package data

import (
	"context"

	"github.com/PaulBabatuyi/huddle/internal/apperr"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// RoomsStore provides chat room document operations.
type RoomsStore struct {
	rooms    *mongo.Collection
	messages *mongo.Collection
	tx       Transactor
}

// NewRoomsStore returns a RoomsStore. The messages collection is needed
// because a room is created together with its seed message.
func NewRoomsStore(rooms, messages *mongo.Collection, tx Transactor) *RoomsStore {
	return &RoomsStore{rooms: rooms, messages: messages, tx: tx}
}

// roomOrder sorts rooms by most recent activity, newest first.
var roomOrder = bson.D{
	{Key: "last_message.timestamp", Value: -1},
	{Key: "_id", Value: 1},
}

// CreateRoom inserts the room and its seed message in one transaction.
func (r *RoomsStore) CreateRoom(ctx context.Context, room *Room, seed *Message) error {
	err := r.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := r.rooms.InsertOne(ctx, room); err != nil {
			return err
		}
		if seed == nil {
			return nil
		}
		_, err := r.messages.InsertOne(ctx, seed)
		return err
	})
	return storeErr("rooms.create", err)
}

// GetRoom returns the room with the given id.
func (r *RoomsStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	var room Room
	if err := r.rooms.FindOne(ctx, bson.M{"_id": id}).Decode(&room); err != nil {
		return nil, storeErr("rooms.get", err)
	}
	return &room, nil
}

// FindRooms returns the rooms userID participates in, optionally limited to
// one room type, most recently active first.
func (r *RoomsStore) FindRooms(ctx context.Context, userID string, typ RoomType) ([]*Room, error) {
	// Equality on an array field matches documents whose array contains it
	filter := bson.M{"participants": userID}
	if typ != "" {
		filter["type"] = typ
	}

	cursor, err := r.rooms.Find(ctx, filter, options.Find().SetSort(roomOrder))
	if err != nil {
		return nil, storeErr("rooms.find", err)
	}
	defer cursor.Close(ctx)

	var rooms []*Room
	if err := cursor.All(ctx, &rooms); err != nil {
		return nil, storeErr("rooms.find", err)
	}
	return rooms, nil
}

func (r *RoomsStore) updateExisting(ctx context.Context, op, id string, update bson.M) error {
	res, err := r.rooms.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return storeErr(op, err)
	}
	if res.MatchedCount == 0 {
		return apperr.NotFoundf(op, "room %q not found", id)
	}
	return nil
}

// AddParticipant appends userID to the room's participants ($addToSet).
func (r *RoomsStore) AddParticipant(ctx context.Context, roomID, userID string) error {
	return r.updateExisting(ctx, "rooms.add_participant", roomID, bson.M{
		"$addToSet": bson.M{"participants": userID},
	})
}

// RemoveParticipant removes userID from the participants ($pull) and drops
// its presence flag.
func (r *RoomsStore) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	return r.updateExisting(ctx, "rooms.remove_participant", roomID, bson.M{
		"$pull":  bson.M{"participants": userID},
		"$unset": bson.M{"active_users." + userID: ""},
	})
}

// UpdateRoom writes the non-nil group fields and the updated-at stamp.
func (r *RoomsStore) UpdateRoom(ctx context.Context, roomID string, u *RoomUpdate) error {
	set := bson.M{"updated_at": u.UpdatedAt}
	if u.Name != nil {
		set["name"] = *u.Name
	}
	if u.Description != nil {
		set["description"] = *u.Description
	}
	if u.PhotoURL != nil {
		set["photo_url"] = *u.PhotoURL
	}
	return r.updateExisting(ctx, "rooms.update", roomID, bson.M{"$set": set})
}

// SetDisplayName stores userID's private name for the room.
func (r *RoomsStore) SetDisplayName(ctx context.Context, roomID, userID, name string) error {
	return r.updateExisting(ctx, "rooms.set_display_name", roomID, bson.M{
		"$set": bson.M{"display_names." + userID: name},
	})
}

// SetPresence sets activeUsers[userID] as a single-field update.
func (r *RoomsStore) SetPresence(ctx context.Context, roomID, userID string, active bool) error {
	return r.updateExisting(ctx, "rooms.set_presence", roomID, bson.M{
		"$set": bson.M{"active_users." + userID: active},
	})
}

// WatchRooms emits userID's room list, ordered as FindRooms, whenever a room
// containing userID changes. Blocks until ctx is done or the stream fails.
func (r *RoomsStore) WatchRooms(ctx context.Context, userID string, emit func([]*Room)) error {
	match := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "fullDocument.participants", Value: userID}},
		// Removals and deletes no longer carry the user in fullDocument
		bson.D{{Key: "operationType", Value: "delete"}},
		bson.D{{Key: "updateDescription.updatedFields.participants", Value: bson.D{{Key: "$exists", Value: true}}}},
	}}}

	return watch(ctx, "rooms.watch", r.rooms, match, func(ctx context.Context) error {
		rooms, err := r.FindRooms(ctx, userID, "")
		if err != nil {
			return err
		}
		emit(rooms)
		return nil
	})
}

// WatchRoom emits the room document on every change, or nil once the room
// does not exist.
func (r *RoomsStore) WatchRoom(ctx context.Context, roomID string, emit func(*Room)) error {
	match := bson.D{{Key: "documentKey._id", Value: roomID}}

	return watch(ctx, "rooms.watch_one", r.rooms, match, func(ctx context.Context) error {
		room, err := r.GetRoom(ctx, roomID)
		if apperr.Is(err, apperr.NotFound) {
			emit(nil)
			return nil
		}
		if err != nil {
			return err
		}
		emit(room)
		return nil
	})
}
