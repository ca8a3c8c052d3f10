package data

import (
	"context"

	"github.com/PaulBabatuyi/huddle/internal/apperr"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessagesStore provides message log operations.
type MessagesStore struct {
	// messages is the per-room append-only log; rooms carries the summary
	// and counters that change together with it
	messages *mongo.Collection
	rooms    *mongo.Collection
	tx       Transactor
}

// NewMessagesStore returns a MessagesStore.
func NewMessagesStore(messages, rooms *mongo.Collection, tx Transactor) *MessagesStore {
	return &MessagesStore{messages: messages, rooms: rooms, tx: tx}
}

// messageOrder is insertion order: timestamp, then id for equal timestamps.
var messageOrder = bson.D{
	{Key: "timestamp", Value: 1},
	{Key: "_id", Value: 1},
}

// AppendMessage inserts msg and applies d to its room in one transaction:
// the lastMessage snapshot is replaced, unread participants' counters are
// incremented by one and read participants' counters are reset to zero.
func (m *MessagesStore) AppendMessage(ctx context.Context, msg *Message, d *Delivery) error {
	set := bson.M{"last_message": d.LastMessage}
	for _, uid := range d.Read {
		set["unread_count."+uid] = 0
	}
	update := bson.M{"$set": set}

	if len(d.Unread) > 0 {
		inc := bson.M{}
		for _, uid := range d.Unread {
			inc["unread_count."+uid] = 1
		}
		update["$inc"] = inc
	}

	err := m.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := m.messages.InsertOne(ctx, msg); err != nil {
			return err
		}
		res, err := m.rooms.UpdateOne(ctx, bson.M{"_id": msg.RoomID}, update)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			// Aborts the transaction, so the message insert is rolled back
			return apperr.NotFoundf("messages.append", "room %q not found", msg.RoomID)
		}
		return nil
	})
	return storeErr("messages.append", err)
}

// MarkRead flips readBy[userID] to true on every message of the room that
// does not have it, zeroes the user's unread counter and marks the room's
// lastMessage as read by the user, all in one transaction. It returns the
// number of messages flipped.
func (m *MessagesStore) MarkRead(ctx context.Context, roomID, userID string) (int, error) {
	readKey := "read_by." + userID
	var flipped int

	err := m.tx.WithTransaction(ctx, func(ctx context.Context) error {
		res, err := m.messages.UpdateMany(ctx,
			bson.M{"room_id": roomID, readKey: bson.M{"$ne": true}},
			bson.M{"$set": bson.M{readKey: true}},
		)
		if err != nil {
			return err
		}
		flipped = int(res.ModifiedCount)

		roomRes, err := m.rooms.UpdateOne(ctx,
			bson.M{"_id": roomID},
			bson.M{"$set": bson.M{"unread_count." + userID: 0}},
		)
		if err != nil {
			return err
		}
		if roomRes.MatchedCount == 0 {
			return apperr.NotFoundf("messages.mark_read", "room %q not found", roomID)
		}

		// A nested path cannot be created under a null lastMessage
		_, err = m.rooms.UpdateOne(ctx,
			bson.M{"_id": roomID, "last_message": bson.M{"$ne": nil}},
			bson.M{"$set": bson.M{"last_message." + readKey: true}},
		)
		return err
	})
	if err != nil {
		return 0, storeErr("messages.mark_read", err)
	}
	return flipped, nil
}

// ListMessages returns the room's messages, oldest first.
func (m *MessagesStore) ListMessages(ctx context.Context, roomID string) ([]*Message, error) {
	cursor, err := m.messages.Find(ctx, bson.M{"room_id": roomID}, options.Find().SetSort(messageOrder))
	if err != nil {
		return nil, storeErr("messages.list", err)
	}
	defer cursor.Close(ctx)

	var messages []*Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, storeErr("messages.list", err)
	}
	return messages, nil
}

// WatchMessages emits the full ordered message list of the room after every
// change to it. Blocks until ctx is done or the stream fails.
func (m *MessagesStore) WatchMessages(ctx context.Context, roomID string, emit func([]*Message)) error {
	match := bson.D{{Key: "fullDocument.room_id", Value: roomID}}

	return watch(ctx, "messages.watch", m.messages, match, func(ctx context.Context) error {
		messages, err := m.ListMessages(ctx, roomID)
		if err != nil {
			return err
		}
		emit(messages)
		return nil
	})
}
