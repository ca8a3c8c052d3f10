package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/huddle/internal/apperr"
	"github.com/PaulBabatuyi/huddle/internal/data"
	"github.com/PaulBabatuyi/huddle/internal/memstore"
)

func newRegistry(t *testing.T) (*Registry, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	return NewRegistry(store, nil), store
}

func strPtr(s string) *string { return &s }

func TestCreatePrivateChatSeedsRoom(t *testing.T) {
	r, store := newRegistry(t)
	ctx := context.Background()

	room, err := r.CreatePrivateChat(ctx, "a", "b")
	require.NoError(t, err)

	assert.Equal(t, data.RoomPrivate, room.Type)
	assert.Equal(t, []string{"a", "b"}, room.Participants)
	assert.Equal(t, map[string]int{"a": 0, "b": 1}, room.UnreadCount)
	require.NotNil(t, room.LastMessage)
	assert.Equal(t, PrivateSeedText, room.LastMessage.Text)
	assert.Equal(t, map[string]bool{"a": true, "b": false}, room.LastMessage.ReadBy)

	msgs, err := store.ListMessages(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].SenderID)
	assert.Equal(t, map[string]bool{"a": true, "b": false}, msgs[0].ReadBy)
}

func TestCreatePrivateChatIsDeduplicated(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	first, err := r.CreatePrivateChat(ctx, "a", "b")
	require.NoError(t, err)
	second, err := r.CreatePrivateChat(ctx, "a", "b")
	require.NoError(t, err)
	reversed, err := r.GetOrCreateDirectChat(ctx, "b", "a")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ID, reversed.ID)

	rooms, err := r.GetDirectChats(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

// Find and create are separate steps. Concurrent callers can each miss the
// other's room and create their own; this test documents the window rather
// than asserting a count.
func TestCreatePrivateChatConcurrentCallersKnownRace(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.CreatePrivateChat(ctx, "a", "b")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rooms, err := r.GetDirectChats(ctx, "a")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(rooms), 1)
	assert.LessOrEqual(t, len(rooms), 4)
}

func TestCreatePrivateChatValidation(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	_, err := r.CreatePrivateChat(ctx, "a", "a")
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))

	_, err = r.CreatePrivateChat(ctx, "", "b")
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

func TestCreatePrivateChatStoreFailureLeavesNothing(t *testing.T) {
	r, store := newRegistry(t)
	ctx := context.Background()

	store.FailNext("rooms.create", errors.New("not primary"))
	_, err := r.CreatePrivateChat(ctx, "a", "b")
	assert.Equal(t, apperr.Unavailable, apperr.KindOf(err))

	rooms, err := r.GetDirectChats(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestGroupMembership(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	group, err := r.CreateGroupChat(ctx, "  Team  ", "g", []string{"m1", "g", "m1"})
	require.NoError(t, err)
	assert.Equal(t, "Team", group.Name)
	assert.Equal(t, "g", group.GroupAdmin)
	assert.Equal(t, []string{"g", "m1"}, group.Participants)
	assert.Equal(t, map[string]int{"g": 0, "m1": 1}, group.UnreadCount)
	assert.Equal(t, map[string]bool{"g": true, "m1": false}, group.LastMessage.ReadBy)
	assert.Equal(t, GroupSeedText, group.LastMessage.Text)

	require.NoError(t, r.AddUserToGroup(ctx, group.ID, "g", "m2"))
	got, err := r.GetRoom(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"g", "m1", "m2"}, got.Participants)

	err = r.AddUserToGroup(ctx, group.ID, "m1", "m3")
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))

	err = r.AddUserToGroup(ctx, group.ID, "g", "m2")
	assert.True(t, errors.Is(err, apperr.ErrAlreadyMember))

	err = r.AddUserToGroup(ctx, "missing", "g", "m3")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	require.NoError(t, r.RemoveParticipant(ctx, group.ID, "m1"))
	got, err = r.GetRoom(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"g", "m2"}, got.Participants)
}

func TestRemoveParticipantKeepsAdminAndLastMember(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	solo, err := r.CreateGroupChat(ctx, "solo", "g", nil)
	require.NoError(t, err)
	err = r.RemoveParticipant(ctx, solo.ID, "g")
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
	got, err := r.GetRoom(ctx, solo.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"g"}, got.Participants)

	team, err := r.CreateGroupChat(ctx, "team", "g", []string{"m1"})
	require.NoError(t, err)
	err = r.RemoveParticipant(ctx, team.ID, "g")
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))

	err = r.RemoveParticipant(ctx, team.ID, "stranger")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	got, err = r.GetRoom(ctx, team.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"g", "m1"}, got.Participants)
	assert.Equal(t, "g", got.GroupAdmin)
}

func TestCreateGroupChatRequiresName(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.CreateGroupChat(context.Background(), "   ", "g", nil)
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

func TestPrivateRoomRejectsGroupOperations(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	room, err := r.CreatePrivateChat(ctx, "a", "b")
	require.NoError(t, err)

	err = r.RemoveParticipant(ctx, room.ID, "b")
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))

	err = r.AddUserToGroup(ctx, room.ID, "a", "c")
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))

	err = r.UpdateGroupDetails(ctx, room.ID, GroupDetails{Name: strPtr("x")})
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))

	got, err := r.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Participants)
}

func TestUpdateGroupDetails(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	group, err := r.CreateGroupChat(ctx, "Team", "g", nil)
	require.NoError(t, err)

	later := fixed.Add(time.Minute)
	r.now = func() time.Time { return later }
	require.NoError(t, r.UpdateGroupDetails(ctx, group.ID, GroupDetails{
		Description: strPtr("weekly sync"),
	}))

	got, err := r.GetRoom(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, "Team", got.Name)
	assert.Equal(t, "weekly sync", got.Description)
	assert.True(t, got.UpdatedAt.Equal(later))

	err = r.UpdateGroupDetails(ctx, group.ID, GroupDetails{Name: strPtr(" ")})
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

func TestUpdateRoomDisplayName(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	room, err := r.CreatePrivateChat(ctx, "a", "b")
	require.NoError(t, err)

	require.NoError(t, r.UpdateRoomDisplayName(ctx, room.ID, "a", "Bobby"))
	got, err := r.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bobby", got.DisplayNames["a"])

	err = r.UpdateRoomDisplayName(ctx, room.ID, "c", "x")
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))

	group, err := r.CreateGroupChat(ctx, "Team", "a", []string{"b"})
	require.NoError(t, err)
	err = r.UpdateRoomDisplayName(ctx, group.ID, "a", "x")
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

func TestGetChatRoomsSubscription(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	updates := make(chan []*data.Room, 16)
	sub := r.GetChatRooms(ctx, "a", func(rooms []*data.Room) { updates <- rooms }, func(err error) {
		t.Errorf("unexpected subscription error: %v", err)
	})
	defer sub.Unsubscribe()

	select {
	case rooms := <-updates:
		assert.Empty(t, rooms)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	older, err := r.CreatePrivateChat(ctx, "a", "b")
	require.NoError(t, err)

	r.now = func() time.Time { return fixed.Add(time.Second) }
	newer, err := r.CreateGroupChat(ctx, "Team", "c", []string{"a"})
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case rooms := <-updates:
			if len(rooms) < 2 {
				continue
			}
			assert.Equal(t, newer.ID, rooms[0].ID)
			assert.Equal(t, older.ID, rooms[1].ID)
			return
		case <-deadline:
			t.Fatal("never saw both rooms")
		}
	}
}
