// Package ledger appends messages to rooms and keeps read receipts, unread
// counters and in-room presence consistent with them.
package ledger

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/PaulBabatuyi/huddle/internal/apperr"
	"github.com/PaulBabatuyi/huddle/internal/data"
	"github.com/PaulBabatuyi/huddle/internal/events"
	"github.com/PaulBabatuyi/huddle/internal/live"
	"github.com/PaulBabatuyi/huddle/internal/observability"
)

var tracer = otel.Tracer("github.com/PaulBabatuyi/huddle/internal/ledger")

// RoomStore is the room access the ledger needs.
type RoomStore interface {
	GetRoom(ctx context.Context, id string) (*data.Room, error)
	SetPresence(ctx context.Context, roomID, userID string, active bool) error
	WatchRoom(ctx context.Context, roomID string, emit func(*data.Room)) error
}

// MessageStore is the message log access the ledger needs.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *data.Message, d *data.Delivery) error
	MarkRead(ctx context.Context, roomID, userID string) (int, error)
	ListMessages(ctx context.Context, roomID string) ([]*data.Message, error)
	WatchMessages(ctx context.Context, roomID string, emit func([]*data.Message)) error
}

// Ledger is the message service.
type Ledger struct {
	rooms    RoomStore
	messages MessageStore
	events   *events.Emitter
	now      func() time.Time
}

// NewLedger returns a Ledger. em may be nil.
func NewLedger(rooms RoomStore, messages MessageStore, em *events.Emitter) *Ledger {
	return &Ledger{
		rooms:    rooms,
		messages: messages,
		events:   em,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// participant loads roomID and checks userID belongs to it.
func (l *Ledger) participant(ctx context.Context, op, roomID, userID string) (*data.Room, error) {
	room, err := l.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(userID) {
		return nil, apperr.New(apperr.Forbidden, op, "user %q is not in room %q", userID, roomID)
	}
	return room, nil
}

// SendMessage appends text from senderID to the room and returns the new
// message id. A participant has read the message on arrival if they sent it
// or are flagged active in the room; everyone else gains one unread. The
// message and the room summary are written together.
func (l *Ledger) SendMessage(ctx context.Context, roomID, senderID, text string) (string, error) {
	const op = "ledger.send_message"
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("room.id", roomID),
		attribute.String("user.id", senderID),
	))
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.Invalidf(op, "message text must not be empty")
	}

	room, err := l.participant(ctx, op, roomID, senderID)
	if err != nil {
		return "", err
	}

	readBy := make(map[string]bool, len(room.Participants))
	d := &data.Delivery{}
	for _, p := range room.Participants {
		read := p == senderID || room.ActiveUsers[p]
		readBy[p] = read
		if read {
			d.Read = append(d.Read, p)
		} else {
			d.Unread = append(d.Unread, p)
		}
	}

	now := l.now()
	msg := &data.Message{
		ID:        data.NewID(),
		RoomID:    roomID,
		Text:      text,
		SenderID:  senderID,
		Timestamp: now,
		ReadBy:    readBy,
	}
	d.LastMessage = data.LastMessage{
		Text:      text,
		SenderID:  senderID,
		Timestamp: now,
		ReadBy:    readBy,
	}

	if err := l.messages.AppendMessage(ctx, msg, d); err != nil {
		span.RecordError(err)
		return "", err
	}

	span.SetAttributes(attribute.String("message.id", msg.ID), attribute.Int("message.unread", len(d.Unread)))
	observability.IncMessagesSent()
	l.events.Emit(ctx, events.MessageSent, senderID, roomID, map[string]string{"message_id": msg.ID})
	return msg.ID, nil
}

// ListMessages returns the room's messages oldest first.
func (l *Ledger) ListMessages(ctx context.Context, roomID string) ([]*data.Message, error) {
	return l.messages.ListMessages(ctx, roomID)
}

// GetMessages subscribes to the room's message log. onUpdate receives the
// full ordered list after every change.
func (l *Ledger) GetMessages(ctx context.Context, roomID string, onUpdate func([]*data.Message), onError func(error)) *live.Subscription {
	done := observability.TrackSubscription("messages")
	src := func(ctx context.Context, emit func([]*data.Message)) error {
		defer done()
		return l.messages.WatchMessages(ctx, roomID, emit)
	}
	return live.Subscribe(ctx, src, onUpdate, onError)
}

// MarkMessagesAsRead marks every message of the room read by userID,
// zeroes their unread counter and marks the room's last message read, in
// one write. Calling it again changes nothing. Presence is left alone.
func (l *Ledger) MarkMessagesAsRead(ctx context.Context, roomID, userID string) error {
	const op = "ledger.mark_read"
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("room.id", roomID),
		attribute.String("user.id", userID),
	))
	defer span.End()

	if _, err := l.participant(ctx, op, roomID, userID); err != nil {
		return err
	}

	n, err := l.messages.MarkRead(ctx, roomID, userID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Int("messages.flipped", n))
	if n > 0 {
		observability.AddMessagesRead(n)
		l.events.Emit(ctx, events.MessagesRead, userID, roomID, nil)
	}
	return nil
}

// UpdateUserPresence sets whether userID is currently viewing the room.
// Callers treat failures as non-fatal; a stale flag only affects how the
// next message is counted.
func (l *Ledger) UpdateUserPresence(ctx context.Context, roomID, userID string, active bool) error {
	return l.rooms.SetPresence(ctx, roomID, userID, active)
}

// GetUnreadCount returns userID's unread counter for the room, or 0 when
// the room or the counter does not exist.
func (l *Ledger) GetUnreadCount(ctx context.Context, roomID, userID string) (int, error) {
	room, err := l.rooms.GetRoom(ctx, roomID)
	if apperr.Is(err, apperr.NotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return room.UnreadCount[userID], nil
}

// ListenToChatRoom subscribes to one room document. onUpdate receives nil
// if the room disappears.
func (l *Ledger) ListenToChatRoom(ctx context.Context, roomID string, onUpdate func(*data.Room), onError func(error)) *live.Subscription {
	done := observability.TrackSubscription("room")
	src := func(ctx context.Context, emit func(*data.Room)) error {
		defer done()
		return l.rooms.WatchRoom(ctx, roomID, emit)
	}
	return live.Subscribe(ctx, src, onUpdate, onError)
}
