package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/huddle/internal/apperr"
	"github.com/PaulBabatuyi/huddle/internal/data"
	"github.com/PaulBabatuyi/huddle/internal/memstore"
	"github.com/PaulBabatuyi/huddle/internal/profile"
	"github.com/PaulBabatuyi/huddle/internal/relationship"
	"github.com/PaulBabatuyi/huddle/internal/room"
)

type fixture struct {
	store     *memstore.Store
	directory *profile.Directory
	friends   *relationship.Manager
	rooms     *room.Registry
	ledger    *Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	return &fixture{
		store:     store,
		directory: profile.NewDirectory(store, nil),
		friends:   relationship.NewManager(store, nil),
		rooms:     room.NewRegistry(store, nil),
		ledger:    NewLedger(store, store, nil),
	}
}

func messages(t *testing.T, f *fixture, roomID string) []*data.Message {
	t.Helper()
	msgs, err := f.ledger.ListMessages(context.Background(), roomID)
	require.NoError(t, err)
	return msgs
}

func unread(t *testing.T, f *fixture, roomID, userID string) int {
	t.Helper()
	n, err := f.ledger.GetUnreadCount(context.Background(), roomID, userID)
	require.NoError(t, err)
	return n
}

func email(s string) *string { return &s }

// U1 and U2 register, become friends, open a direct chat, and U1 says hello
// while U2 is away; U2 then opens the room.
func TestDirectChatScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.directory.UpsertProfile(ctx, "U1", profile.Fields{Email: email("u1@x.com")})
	require.NoError(t, err)
	_, err = f.directory.UpsertProfile(ctx, "U2", profile.Fields{Email: email("u2@x.com")})
	require.NoError(t, err)

	require.NoError(t, f.friends.SendFriendRequest(ctx, "U1", "U2"))
	require.NoError(t, f.friends.AcceptFriendRequest(ctx, "U2", "U1"))

	chat, err := f.rooms.CreatePrivateChat(ctx, "U1", "U2")
	require.NoError(t, err)
	// the seed message is already unread for U2
	assert.Equal(t, 1, unread(t, f, chat.ID, "U2"))

	require.NoError(t, f.ledger.MarkMessagesAsRead(ctx, chat.ID, "U2"))
	assert.Equal(t, 0, unread(t, f, chat.ID, "U2"))

	id, err := f.ledger.SendMessage(ctx, chat.ID, "U1", "hello")
	require.NoError(t, err)

	msgs := messages(t, f, chat.ID)
	require.Len(t, msgs, 2)
	hello := msgs[1]
	assert.Equal(t, id, hello.ID)
	assert.Equal(t, "hello", hello.Text)
	assert.Equal(t, map[string]bool{"U1": true, "U2": false}, hello.ReadBy)
	assert.Equal(t, 1, unread(t, f, chat.ID, "U2"))
	assert.Equal(t, 0, unread(t, f, chat.ID, "U1"))

	require.NoError(t, f.ledger.MarkMessagesAsRead(ctx, chat.ID, "U2"))
	assert.Equal(t, 0, unread(t, f, chat.ID, "U2"))
	for _, m := range messages(t, f, chat.ID) {
		assert.True(t, m.ReadBy["U2"], "message %s", m.ID)
	}

	r, err := f.rooms.GetRoom(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", r.LastMessage.Text)
	assert.True(t, r.LastMessage.ReadBy["U2"])
	assert.False(t, r.ActiveUsers["U2"], "reading must not mark the user present")
}

func TestSendMessageCountsEveryOtherParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.rooms.CreateGroupChat(ctx, "Team", "S", []string{"X", "Y"})
	require.NoError(t, err)
	for _, id := range []string{"S", "X", "Y"} {
		require.NoError(t, f.ledger.MarkMessagesAsRead(ctx, g.ID, id))
	}

	_, err = f.ledger.SendMessage(ctx, g.ID, "S", "standup in 5")
	require.NoError(t, err)

	msgs := messages(t, f, g.ID)
	assert.Equal(t, map[string]bool{"S": true, "X": false, "Y": false}, msgs[len(msgs)-1].ReadBy)
	assert.Equal(t, 0, unread(t, f, g.ID, "S"))
	assert.Equal(t, 1, unread(t, f, g.ID, "X"))
	assert.Equal(t, 1, unread(t, f, g.ID, "Y"))

	_, err = f.ledger.SendMessage(ctx, g.ID, "X", "ok")
	require.NoError(t, err)
	assert.Equal(t, 1, unread(t, f, g.ID, "S"))
	assert.Equal(t, 0, unread(t, f, g.ID, "X"), "sending resets the sender's counter")
	assert.Equal(t, 2, unread(t, f, g.ID, "Y"))
}

func TestSendMessageHonoursPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chat, err := f.rooms.CreatePrivateChat(ctx, "a", "b")
	require.NoError(t, err)
	require.NoError(t, f.ledger.MarkMessagesAsRead(ctx, chat.ID, "b"))
	require.NoError(t, f.ledger.UpdateUserPresence(ctx, chat.ID, "b", true))

	_, err = f.ledger.SendMessage(ctx, chat.ID, "a", "you there?")
	require.NoError(t, err)

	msgs := messages(t, f, chat.ID)
	assert.True(t, msgs[len(msgs)-1].ReadBy["b"])
	assert.Equal(t, 0, unread(t, f, chat.ID, "b"))

	require.NoError(t, f.ledger.UpdateUserPresence(ctx, chat.ID, "b", false))
	_, err = f.ledger.SendMessage(ctx, chat.ID, "a", "guess not")
	require.NoError(t, err)

	msgs = messages(t, f, chat.ID)
	assert.False(t, msgs[len(msgs)-1].ReadBy["b"])
	assert.Equal(t, 1, unread(t, f, chat.ID, "b"))
}

func TestSendMessageRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chat, err := f.rooms.CreatePrivateChat(ctx, "a", "b")
	require.NoError(t, err)

	_, err = f.ledger.SendMessage(ctx, chat.ID, "a", "   ")
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))

	_, err = f.ledger.SendMessage(ctx, "missing", "a", "hi")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	_, err = f.ledger.SendMessage(ctx, chat.ID, "mallory", "hi")
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))

	assert.Len(t, messages(t, f, chat.ID), 1)
}

func TestSendMessageFailureIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chat, err := f.rooms.CreatePrivateChat(ctx, "a", "b")
	require.NoError(t, err)

	f.store.FailNext("messages.append", errors.New("transaction aborted"))
	_, err = f.ledger.SendMessage(ctx, chat.ID, "a", "lost")
	assert.Equal(t, apperr.Unavailable, apperr.KindOf(err))

	assert.Len(t, messages(t, f, chat.ID), 1)
	assert.Equal(t, 1, unread(t, f, chat.ID, "b"))
	r, err := f.rooms.GetRoom(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, room.PrivateSeedText, r.LastMessage.Text)
}

func TestMarkMessagesAsReadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chat, err := f.rooms.CreatePrivateChat(ctx, "a", "b")
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three"} {
		_, err := f.ledger.SendMessage(ctx, chat.ID, "a", text)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, unread(t, f, chat.ID, "b"))

	require.NoError(t, f.ledger.MarkMessagesAsRead(ctx, chat.ID, "b"))
	first := messages(t, f, chat.ID)
	require.NoError(t, f.ledger.MarkMessagesAsRead(ctx, chat.ID, "b"))
	second := messages(t, f, chat.ID)

	assert.Equal(t, first, second)
	assert.Equal(t, 0, unread(t, f, chat.ID, "b"))

	err = f.ledger.MarkMessagesAsRead(ctx, chat.ID, "mallory")
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
}

func TestMarkReadFailureLeavesCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chat, err := f.rooms.CreatePrivateChat(ctx, "a", "b")
	require.NoError(t, err)

	f.store.FailNext("messages.mark_read", errors.New("transaction aborted"))
	err = f.ledger.MarkMessagesAsRead(ctx, chat.ID, "b")
	assert.Equal(t, apperr.Unavailable, apperr.KindOf(err))

	assert.Equal(t, 1, unread(t, f, chat.ID, "b"))
	assert.False(t, messages(t, f, chat.ID)[0].ReadBy["b"])
}

func TestGetUnreadCountDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, 0, unread(t, f, "missing", "a"))

	chat, err := f.rooms.CreatePrivateChat(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 0, unread(t, f, chat.ID, "stranger"))
}

func TestGetMessagesDeliversFullListInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chat, err := f.rooms.CreatePrivateChat(ctx, "a", "b")
	require.NoError(t, err)

	updates := make(chan []*data.Message, 16)
	sub := f.ledger.GetMessages(ctx, chat.ID, func(m []*data.Message) { updates <- m }, func(err error) {
		t.Errorf("unexpected subscription error: %v", err)
	})

	waitFor := func(n int) []*data.Message {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case msgs := <-updates:
				if len(msgs) == n {
					return msgs
				}
			case <-deadline:
				t.Fatalf("never saw %d messages", n)
				return nil
			}
		}
	}

	initial := waitFor(1)
	assert.Equal(t, room.PrivateSeedText, initial[0].Text)

	_, err = f.ledger.SendMessage(ctx, chat.ID, "a", "first")
	require.NoError(t, err)
	_, err = f.ledger.SendMessage(ctx, chat.ID, "b", "second")
	require.NoError(t, err)

	msgs := waitFor(3)
	assert.Equal(t, "first", msgs[1].Text)
	assert.Equal(t, "second", msgs[2].Text)

	assert.Equal(t, 1, f.store.Watchers(chat.ID))
	sub.Unsubscribe()
	assert.Equal(t, 0, f.store.Watchers(chat.ID))
}

func TestGetMessagesReportsStoreError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.FailNext("messages.watch", errors.New("cursor killed"))

	errs := make(chan error, 1)
	sub := f.ledger.GetMessages(ctx, "r1", func([]*data.Message) {
		t.Error("no update expected")
	}, func(err error) { errs <- err })

	select {
	case err := <-errs:
		assert.Equal(t, apperr.Unavailable, apperr.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("error callback never ran")
	}
	<-sub.Done()
}

func TestListenToChatRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chat, err := f.rooms.CreatePrivateChat(ctx, "a", "b")
	require.NoError(t, err)

	updates := make(chan *data.Room, 16)
	sub := f.ledger.ListenToChatRoom(ctx, chat.ID, func(r *data.Room) { updates <- r }, nil)
	defer sub.Unsubscribe()

	select {
	case r := <-updates:
		require.NotNil(t, r)
		assert.Equal(t, chat.ID, r.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	require.NoError(t, f.ledger.UpdateUserPresence(ctx, chat.ID, "b", true))
	deadline := time.After(2 * time.Second)
	for {
		select {
		case r := <-updates:
			if r != nil && r.ActiveUsers["b"] {
				return
			}
		case <-deadline:
			t.Fatal("presence change never delivered")
		}
	}
}

func TestListenToMissingRoomDeliversNil(t *testing.T) {
	f := newFixture(t)

	updates := make(chan *data.Room, 1)
	sub := f.ledger.ListenToChatRoom(context.Background(), "missing", func(r *data.Room) { updates <- r }, nil)
	defer sub.Unsubscribe()

	select {
	case r := <-updates:
		assert.Nil(t, r)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot")
	}
}
