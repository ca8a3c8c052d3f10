package events

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	MessageSent        = "message.sent"
	MessagesRead       = "message.read"
	RoomCreated        = "room.created"
	MemberAdded        = "room.member_added"
	MemberRemoved      = "room.member_removed"
	FriendRequested    = "friend.requested"
	FriendAccepted     = "friend.accepted"
	FriendRequestEnded = "friend.request_removed"
	FriendRemoved      = "friend.removed"
	ProfileUpserted    = "profile.upserted"
)

// Envelope is the wire shape of every published event.
type Envelope struct {
	SchemaVersion int               `json:"schema_version"`
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	OccurredAt    string            `json:"occurred_at"`
	Service       string            `json:"service"`
	ActorID       string            `json:"actor_id,omitempty"`
	RoomID        string            `json:"room_id,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Emitter stamps and publishes events. A nil *Emitter is valid and drops
// everything, so services can be built without one.
type Emitter struct {
	publisher Publisher
	service   string
	onError   func()
}

// NewEmitter returns an Emitter publishing through p. onError, if set, is
// called after every failed publish (used for metrics).
func NewEmitter(p Publisher, service string, onError func()) *Emitter {
	return &Emitter{publisher: p, service: service, onError: onError}
}

// Emit publishes an event best effort: failures are logged, never returned,
// because the state change the event describes has already been committed.
func (e *Emitter) Emit(ctx context.Context, typ, actorID, roomID string, attrs map[string]string) {
	if e == nil || e.publisher == nil {
		return
	}

	env := Envelope{
		SchemaVersion: 1,
		ID:            uuid.NewString(),
		Type:          typ,
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		ActorID:       actorID,
		RoomID:        roomID,
		Attributes:    attrs,
	}

	if err := e.publisher.Publish(ctx, typ, env); err != nil {
		log.Printf("event publish failed type=%s: %v", typ, err)
		if e.onError != nil {
			e.onError()
		}
	}
}
