// Package room creates and looks up chat rooms and manages group
// membership. Private rooms hold exactly two participants for life; group
// rooms are named, admin controlled and may grow.
package room

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/PaulBabatuyi/huddle/internal/apperr"
	"github.com/PaulBabatuyi/huddle/internal/data"
	"github.com/PaulBabatuyi/huddle/internal/events"
	"github.com/PaulBabatuyi/huddle/internal/live"
	"github.com/PaulBabatuyi/huddle/internal/normalize"
	"github.com/PaulBabatuyi/huddle/internal/observability"
)

// Seed texts written as the first message of a new room.
const (
	PrivateSeedText = "Chat created"
	GroupSeedText   = "Group created"
)

var tracer = otel.Tracer("github.com/PaulBabatuyi/huddle/internal/room")

// Store is the room persistence the registry needs.
type Store interface {
	CreateRoom(ctx context.Context, room *data.Room, seed *data.Message) error
	GetRoom(ctx context.Context, id string) (*data.Room, error)
	FindRooms(ctx context.Context, userID string, typ data.RoomType) ([]*data.Room, error)
	AddParticipant(ctx context.Context, roomID, userID string) error
	RemoveParticipant(ctx context.Context, roomID, userID string) error
	UpdateRoom(ctx context.Context, roomID string, u *data.RoomUpdate) error
	SetDisplayName(ctx context.Context, roomID, userID, name string) error
	WatchRooms(ctx context.Context, userID string, emit func([]*data.Room)) error
}

// GroupDetails is a partial group edit. Nil fields are left as they are.
type GroupDetails struct {
	Name        *string
	Description *string
	PhotoURL    *string
}

// Registry is the room service.
type Registry struct {
	store  Store
	events *events.Emitter
	now    func() time.Time
}

// NewRegistry returns a Registry over store. em may be nil.
func NewRegistry(store Store, em *events.Emitter) *Registry {
	return &Registry{
		store:  store,
		events: em,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// FindExistingPrivateChat returns the private room shared by a and b, or
// nil when there is none. It scans a's private rooms.
func (r *Registry) FindExistingPrivateChat(ctx context.Context, a, b string) (*data.Room, error) {
	rooms, err := r.store.FindRooms(ctx, a, data.RoomPrivate)
	if err != nil {
		return nil, err
	}
	for _, room := range rooms {
		if room.HasParticipant(b) {
			return room, nil
		}
	}
	return nil, nil
}

// CreatePrivateChat returns the private room of a and b, creating it with a
// seed message from a when it does not exist yet. Lookup and creation are
// separate steps, so concurrent callers can each create a room.
func (r *Registry) CreatePrivateChat(ctx context.Context, a, b string) (*data.Room, error) {
	const op = "room.create_private"
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("user.a", a),
		attribute.String("user.b", b),
	))
	defer span.End()

	if !normalize.ValidID(a) || !normalize.ValidID(b) {
		return nil, apperr.Invalidf(op, "invalid participant id")
	}
	if a == b {
		return nil, apperr.Invalidf(op, "a private chat needs two distinct participants")
	}

	existing, err := r.FindExistingPrivateChat(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		span.SetAttributes(attribute.Bool("room.existing", true))
		return existing, nil
	}

	now := r.now()
	readBy := map[string]bool{a: true, b: false}
	room := &data.Room{
		ID:           data.NewID(),
		Type:         data.RoomPrivate,
		Participants: []string{a, b},
		CreatedAt:    now,
		LastMessage: &data.LastMessage{
			Text:      PrivateSeedText,
			SenderID:  a,
			Timestamp: now,
			ReadBy:    readBy,
		},
		UnreadCount: map[string]int{a: 0, b: 1},
		ActiveUsers: map[string]bool{},
	}
	seed := seedMessage(room)

	if err := r.store.CreateRoom(ctx, room, seed); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("room.id", room.ID))
	r.events.Emit(ctx, events.RoomCreated, a, room.ID, map[string]string{"type": string(room.Type)})
	return room, nil
}

// GetOrCreateDirectChat is CreatePrivateChat under the name clients use when
// opening a chat from a friend list.
func (r *Registry) GetOrCreateDirectChat(ctx context.Context, a, b string) (*data.Room, error) {
	return r.CreatePrivateChat(ctx, a, b)
}

// CreateGroupChat creates a group owned by adminID. The admin is always the
// first participant and duplicate ids are dropped. Every member but the
// admin starts with one unread message.
func (r *Registry) CreateGroupChat(ctx context.Context, name, adminID string, participantIDs []string) (*data.Room, error) {
	const op = "room.create_group"
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("user.admin", adminID)))
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Invalidf(op, "group name must not be empty")
	}
	if !normalize.ValidID(adminID) {
		return nil, apperr.Invalidf(op, "invalid admin id")
	}

	participants := []string{adminID}
	for _, id := range participantIDs {
		if !normalize.ValidID(id) {
			return nil, apperr.Invalidf(op, "invalid participant id %q", id)
		}
		if !slices.Contains(participants, id) {
			participants = append(participants, id)
		}
	}

	now := r.now()
	readBy := make(map[string]bool, len(participants))
	unread := make(map[string]int, len(participants))
	for _, id := range participants {
		readBy[id] = id == adminID
		unread[id] = 0
		if id != adminID {
			unread[id] = 1
		}
	}

	room := &data.Room{
		ID:           data.NewID(),
		Type:         data.RoomGroup,
		Participants: participants,
		Name:         name,
		GroupAdmin:   adminID,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastMessage: &data.LastMessage{
			Text:      GroupSeedText,
			SenderID:  adminID,
			Timestamp: now,
			ReadBy:    readBy,
		},
		UnreadCount: unread,
		ActiveUsers: map[string]bool{},
	}

	if err := r.store.CreateRoom(ctx, room, seedMessage(room)); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("room.id", room.ID), attribute.Int("room.participants", len(participants)))
	r.events.Emit(ctx, events.RoomCreated, adminID, room.ID, map[string]string{"type": string(room.Type)})
	return room, nil
}

func seedMessage(room *data.Room) *data.Message {
	lm := room.LastMessage
	return &data.Message{
		ID:        data.NewID(),
		RoomID:    room.ID,
		Text:      lm.Text,
		SenderID:  lm.SenderID,
		Timestamp: lm.Timestamp,
		ReadBy:    maps.Clone(lm.ReadBy),
	}
}

// group loads roomID and checks it is a group.
func (r *Registry) group(ctx context.Context, op, roomID string) (*data.Room, error) {
	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Type != data.RoomGroup {
		return nil, apperr.Invalidf(op, "room %q is not a group", roomID)
	}
	return room, nil
}

// AddUserToGroup adds userID to a group. Only the group admin may do so.
func (r *Registry) AddUserToGroup(ctx context.Context, roomID, actingAdminID, userID string) error {
	const op = "room.add_member"
	if !normalize.ValidID(userID) {
		return apperr.Invalidf(op, "invalid user id")
	}

	room, err := r.group(ctx, op, roomID)
	if err != nil {
		return err
	}
	if room.GroupAdmin != actingAdminID {
		return apperr.New(apperr.Forbidden, op, "only the group admin can add members")
	}
	if room.HasParticipant(userID) {
		return apperr.Wrap(apperr.Conflict, op, apperr.ErrAlreadyMember)
	}

	if err := r.store.AddParticipant(ctx, roomID, userID); err != nil {
		return err
	}
	r.events.Emit(ctx, events.MemberAdded, actingAdminID, roomID, map[string]string{"user_id": userID})
	return nil
}

// RemoveParticipant removes participantID from a group. Private rooms keep
// their two participants and are rejected. A group never loses its admin
// or its last participant.
func (r *Registry) RemoveParticipant(ctx context.Context, roomID, participantID string) error {
	const op = "room.remove_member"
	room, err := r.group(ctx, op, roomID)
	if err != nil {
		return err
	}
	switch {
	case !room.HasParticipant(participantID):
		return apperr.NotFoundf(op, "user %q is not in room %q", participantID, roomID)
	case len(room.Participants) == 1:
		return apperr.Invalidf(op, "group must keep at least one participant")
	case participantID == room.GroupAdmin:
		return apperr.Invalidf(op, "the group admin cannot leave the group")
	}
	if err := r.store.RemoveParticipant(ctx, roomID, participantID); err != nil {
		return err
	}
	r.events.Emit(ctx, events.MemberRemoved, "", roomID, map[string]string{"user_id": participantID})
	return nil
}

// UpdateGroupDetails writes the given group fields and stamps updatedAt.
func (r *Registry) UpdateGroupDetails(ctx context.Context, roomID string, in GroupDetails) error {
	const op = "room.update_group"
	u := &data.RoomUpdate{Description: in.Description, PhotoURL: in.PhotoURL}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return apperr.Invalidf(op, "group name must not be empty")
		}
		u.Name = &name
	}

	if _, err := r.group(ctx, op, roomID); err != nil {
		return err
	}
	u.UpdatedAt = r.now()
	return r.store.UpdateRoom(ctx, roomID, u)
}

// UpdateRoomDisplayName stores userID's own name for a private room.
func (r *Registry) UpdateRoomDisplayName(ctx context.Context, roomID, userID, name string) error {
	const op = "room.update_display_name"
	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Type != data.RoomPrivate {
		return apperr.Invalidf(op, "display names only apply to private rooms")
	}
	if !room.HasParticipant(userID) {
		return apperr.New(apperr.Forbidden, op, "user %q is not in room %q", userID, roomID)
	}
	return r.store.SetDisplayName(ctx, roomID, userID, strings.TrimSpace(name))
}

// GetDirectChats returns userID's private rooms, most recently active first.
func (r *Registry) GetDirectChats(ctx context.Context, userID string) ([]*data.Room, error) {
	return r.store.FindRooms(ctx, userID, data.RoomPrivate)
}

// GetRoom returns a room by id.
func (r *Registry) GetRoom(ctx context.Context, roomID string) (*data.Room, error) {
	return r.store.GetRoom(ctx, roomID)
}

// GetChatRooms subscribes to every room userID is in. onUpdate receives the
// full list, ordered by last message time descending, after each change.
func (r *Registry) GetChatRooms(ctx context.Context, userID string, onUpdate func([]*data.Room), onError func(error)) *live.Subscription {
	done := observability.TrackSubscription("rooms")
	src := func(ctx context.Context, emit func([]*data.Room)) error {
		defer done()
		return r.store.WatchRooms(ctx, userID, emit)
	}
	return live.Subscribe(ctx, src, onUpdate, onError)
}
