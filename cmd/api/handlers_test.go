package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PaulBabatuyi/huddle/internal/memstore"
	"github.com/PaulBabatuyi/huddle/internal/qr"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, status.Code(err), err.Error())
}

func ids(list interface{}) []string {
	var out []string
	for _, v := range list.([]interface{}) {
		out = append(out, v.(map[string]interface{})["id"].(string))
	}
	return out
}

func TestSignUpCreatesProfile(t *testing.T) {
	ctx := testContext(t)
	api := startTestAPI(t, memoryStores(memstore.New()))

	alice := api.signUp(ctx, t, "Alice@Example.com")

	p := api.mustCall(ctx, t, alice.token, "GetProfile", nil)
	assert.Equal(t, alice.id, p["id"])
	assert.Equal(t, "alice@example.com", p["email"])
	assert.Equal(t, "alice", p["username"])
	assert.NotNil(t, p["last_seen"])

	// duplicate account
	_, err := api.call(ctx, t, "", "SignUp", map[string]interface{}{"email": "alice@example.com", "password": "testPass123"})
	requireCode(t, err, codes.AlreadyExists)

	// short password
	_, err = api.call(ctx, t, "", "SignUp", map[string]interface{}{"email": "x@example.com", "password": "short"})
	requireCode(t, err, codes.InvalidArgument)

	// sign in round trip
	resp := api.mustCall(ctx, t, "", "SignIn", map[string]interface{}{"email": "alice@example.com", "password": "testPass123"})
	assert.Equal(t, alice.id, resp["user_id"])
	assert.NotEmpty(t, resp["token"])

	_, err = api.call(ctx, t, "", "SignIn", map[string]interface{}{"email": "alice@example.com", "password": "wrongPass123"})
	requireCode(t, err, codes.PermissionDenied)
}

func TestAuthRequired(t *testing.T) {
	ctx := testContext(t)
	api := startTestAPI(t, memoryStores(memstore.New()))

	_, err := api.call(ctx, t, "", "GetProfile", nil)
	requireCode(t, err, codes.Unauthenticated)

	_, err = api.call(ctx, t, "not-a-token", "GetProfile", nil)
	requireCode(t, err, codes.Unauthenticated)
}

func TestProfileEndpoints(t *testing.T) {
	ctx := testContext(t)
	api := startTestAPI(t, memoryStores(memstore.New()))

	alice := api.signUp(ctx, t, "alice@example.com")
	bob := api.signUp(ctx, t, "bob@example.com")

	api.mustCall(ctx, t, alice.token, "UpdateProfile", map[string]interface{}{"display_name": "Alice A", "status": "busy"})
	p := api.mustCall(ctx, t, bob.token, "GetProfile", map[string]interface{}{"user_id": alice.id})
	assert.Equal(t, "Alice A", p["display_name"])
	assert.Equal(t, "busy", p["status"])

	taken := api.mustCall(ctx, t, bob.token, "IsUsernameTaken", map[string]interface{}{"username": "ALICE"})
	assert.Equal(t, true, taken["taken"])

	hits := api.mustCall(ctx, t, bob.token, "SearchUsers", map[string]interface{}{"query": "ali"})
	assert.Equal(t, []string{alice.id}, ids(hits["users"]))

	// username taken by another profile
	_, err := api.call(ctx, t, bob.token, "UpdateProfile", map[string]interface{}{"username": "alice"})
	requireCode(t, err, codes.AlreadyExists)

	code := api.mustCall(ctx, t, alice.token, "GetQRCode", map[string]interface{}{"size": 128})
	raw, err := base64.StdEncoding.DecodeString(code["png_base64"].(string))
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 128, img.Bounds().Dx())

	for _, size := range []interface{}{qr.MaxSize + 1, 1e300} {
		_, err = api.call(ctx, t, alice.token, "GetQRCode", map[string]interface{}{"size": size})
		requireCode(t, err, codes.InvalidArgument)
	}

	scanned := api.mustCall(ctx, t, bob.token, "GetUserByQRCode", map[string]interface{}{"token": alice.id})
	assert.Equal(t, alice.id, scanned["id"])

	_, err = api.call(ctx, t, bob.token, "GetUserByQRCode", map[string]interface{}{"token": "missing"})
	requireCode(t, err, codes.NotFound)
}

func TestFriendshipFlow(t *testing.T) {
	ctx := testContext(t)
	api := startTestAPI(t, memoryStores(memstore.New()))

	alice := api.signUp(ctx, t, "alice@example.com")
	bob := api.signUp(ctx, t, "bob@example.com")

	api.mustCall(ctx, t, alice.token, "SendFriendRequest", map[string]interface{}{"user_id": bob.id})

	_, err := api.call(ctx, t, alice.token, "SendFriendRequest", map[string]interface{}{"user_id": bob.id})
	requireCode(t, err, codes.AlreadyExists)
	_, err = api.call(ctx, t, alice.token, "SendFriendRequest", map[string]interface{}{"user_id": alice.id})
	requireCode(t, err, codes.InvalidArgument)
	_, err = api.call(ctx, t, alice.token, "SendFriendRequest", nil)
	requireCode(t, err, codes.InvalidArgument)

	reqs := api.mustCall(ctx, t, bob.token, "GetFriendRequests", nil)
	assert.Equal(t, []string{alice.id}, ids(reqs["received"]))
	assert.Empty(t, reqs["sent"])

	api.mustCall(ctx, t, bob.token, "AcceptFriendRequest", map[string]interface{}{"user_id": alice.id})

	friends := api.mustCall(ctx, t, alice.token, "GetFriends", nil)
	assert.Equal(t, []string{bob.id}, ids(friends["friends"]))

	api.mustCall(ctx, t, bob.token, "RemoveFriend", map[string]interface{}{"user_id": alice.id})
	friends = api.mustCall(ctx, t, alice.token, "GetFriends", nil)
	assert.Empty(t, friends["friends"])
}

func TestDirectChatScenario(t *testing.T) {
	ctx := testContext(t)
	api := startTestAPI(t, memoryStores(memstore.New()))

	alice := api.signUp(ctx, t, "alice@example.com")
	bob := api.signUp(ctx, t, "bob@example.com")
	carol := api.signUp(ctx, t, "carol@example.com")

	room := api.mustCall(ctx, t, alice.token, "GetOrCreateDirectChat", map[string]interface{}{"user_id": bob.id})
	roomID := room["id"].(string)
	assert.Equal(t, "private", room["type"])

	again := api.mustCall(ctx, t, bob.token, "GetOrCreateDirectChat", map[string]interface{}{"user_id": alice.id})
	assert.Equal(t, roomID, again["id"])

	found := api.mustCall(ctx, t, bob.token, "FindExistingPrivateChat", map[string]interface{}{"user_id": alice.id})
	assert.Equal(t, roomID, found["room"].(map[string]interface{})["id"])
	none := api.mustCall(ctx, t, bob.token, "FindExistingPrivateChat", map[string]interface{}{"user_id": carol.id})
	assert.Nil(t, none["room"])

	stream := api.watch(ctx, t, bob.token, "WatchMessages", map[string]interface{}{"room_id": roomID})
	first := recv(t, stream)
	require.Len(t, first["messages"], 1)
	assert.Equal(t, "Chat created", first["messages"].([]interface{})[0].(map[string]interface{})["text"])

	sent := api.mustCall(ctx, t, alice.token, "SendMessage", map[string]interface{}{"room_id": roomID, "text": "  <b>hi</b> "})
	assert.NotEmpty(t, sent["message_id"])

	snap := recvUntil(t, stream, func(m map[string]interface{}) bool {
		return len(m["messages"].([]interface{})) == 2
	})
	last := snap["messages"].([]interface{})[1].(map[string]interface{})
	assert.Equal(t, "&lt;b&gt;hi&lt;/b&gt;", last["text"])
	assert.Equal(t, alice.id, last["sender_id"])

	unread := api.mustCall(ctx, t, bob.token, "GetUnreadCount", map[string]interface{}{"room_id": roomID})
	assert.Equal(t, float64(2), unread["count"])

	api.mustCall(ctx, t, bob.token, "MarkMessagesAsRead", map[string]interface{}{"room_id": roomID})
	unread = api.mustCall(ctx, t, bob.token, "GetUnreadCount", map[string]interface{}{"room_id": roomID})
	assert.Equal(t, float64(0), unread["count"])

	// bob is viewing the room, so his counter stays put
	api.mustCall(ctx, t, bob.token, "UpdateUserPresence", map[string]interface{}{"room_id": roomID, "active": true})
	api.mustCall(ctx, t, alice.token, "SendMessage", map[string]interface{}{"room_id": roomID, "text": "still there?"})
	unread = api.mustCall(ctx, t, bob.token, "GetUnreadCount", map[string]interface{}{"room_id": roomID})
	assert.Equal(t, float64(0), unread["count"])

	list := api.mustCall(ctx, t, alice.token, "ListMessages", map[string]interface{}{"room_id": roomID})
	assert.Len(t, list["messages"], 3)

	chats := api.mustCall(ctx, t, alice.token, "GetDirectChats", nil)
	assert.Equal(t, []string{roomID}, ids(chats["rooms"]))

	// outsiders cannot read or write
	_, err := api.call(ctx, t, carol.token, "GetRoom", map[string]interface{}{"room_id": roomID})
	requireCode(t, err, codes.PermissionDenied)
	_, err = api.call(ctx, t, carol.token, "ListMessages", map[string]interface{}{"room_id": roomID})
	requireCode(t, err, codes.PermissionDenied)
	_, err = api.call(ctx, t, carol.token, "SendMessage", map[string]interface{}{"room_id": roomID, "text": "hi"})
	requireCode(t, err, codes.PermissionDenied)

	_, err = api.call(ctx, t, alice.token, "SendMessage", map[string]interface{}{"room_id": roomID, "text": "   "})
	requireCode(t, err, codes.InvalidArgument)
	_, err = api.call(ctx, t, alice.token, "GetRoom", map[string]interface{}{"room_id": "missing"})
	requireCode(t, err, codes.NotFound)
}

func TestGroupAdministration(t *testing.T) {
	ctx := testContext(t)
	api := startTestAPI(t, memoryStores(memstore.New()))

	admin := api.signUp(ctx, t, "admin@example.com")
	x := api.signUp(ctx, t, "x@example.com")
	y := api.signUp(ctx, t, "y@example.com")

	group := api.mustCall(ctx, t, admin.token, "CreateGroupChat", map[string]interface{}{
		"name":            " Team ",
		"participant_ids": []interface{}{x.id},
	})
	roomID := group["id"].(string)
	assert.Equal(t, "Team", group["name"])
	assert.Equal(t, admin.id, group["group_admin"])

	_, err := api.call(ctx, t, x.token, "AddUserToGroup", map[string]interface{}{"room_id": roomID, "user_id": y.id})
	requireCode(t, err, codes.PermissionDenied)

	api.mustCall(ctx, t, admin.token, "AddUserToGroup", map[string]interface{}{"room_id": roomID, "user_id": y.id})

	// only the admin removes others; anyone may leave
	_, err = api.call(ctx, t, x.token, "RemoveParticipant", map[string]interface{}{"room_id": roomID, "user_id": y.id})
	requireCode(t, err, codes.PermissionDenied)
	api.mustCall(ctx, t, y.token, "RemoveParticipant", map[string]interface{}{"room_id": roomID, "user_id": y.id})

	api.mustCall(ctx, t, x.token, "UpdateGroupDetails", map[string]interface{}{"room_id": roomID, "description": "weekly sync"})
	r := api.mustCall(ctx, t, admin.token, "GetRoom", map[string]interface{}{"room_id": roomID})
	assert.Equal(t, "weekly sync", r["description"])
	assert.ElementsMatch(t, []interface{}{admin.id, x.id}, r["participants"])

	_, err = api.call(ctx, t, y.token, "GetRoom", map[string]interface{}{"room_id": roomID})
	requireCode(t, err, codes.PermissionDenied)
}

func TestWatchChatRoomsAndSignOut(t *testing.T) {
	ctx := testContext(t)
	api := startTestAPI(t, memoryStores(memstore.New()))

	alice := api.signUp(ctx, t, "alice@example.com")
	bob := api.signUp(ctx, t, "bob@example.com")

	stream := api.watch(ctx, t, bob.token, "WatchChatRooms", nil)
	first := recv(t, stream)
	assert.Empty(t, first["rooms"])

	room := api.mustCall(ctx, t, alice.token, "CreatePrivateChat", map[string]interface{}{"user_id": bob.id})
	snap := recvUntil(t, stream, func(m map[string]interface{}) bool {
		return len(m["rooms"].([]interface{})) == 1
	})
	assert.Equal(t, []string{room["id"].(string)}, ids(snap["rooms"]))

	require.Eventually(t, func() bool { return api.srv.hub.Count(bob.id) == 1 }, time.Second, 10*time.Millisecond)

	api.mustCall(ctx, t, bob.token, "SignOut", nil)

	// drain until the server ends the stream
	var err error
	for err == nil {
		_, err = recvErr(stream)
	}
	requireCode(t, err, codes.Unauthenticated)
	require.Eventually(t, func() bool { return api.srv.hub.Count(bob.id) == 0 }, time.Second, 10*time.Millisecond)
}

func TestWatchMessagesRequiresMembership(t *testing.T) {
	ctx := testContext(t)
	api := startTestAPI(t, memoryStores(memstore.New()))

	alice := api.signUp(ctx, t, "alice@example.com")
	bob := api.signUp(ctx, t, "bob@example.com")
	carol := api.signUp(ctx, t, "carol@example.com")

	room := api.mustCall(ctx, t, alice.token, "CreatePrivateChat", map[string]interface{}{"user_id": bob.id})

	stream := api.watch(ctx, t, carol.token, "WatchMessages", map[string]interface{}{"room_id": room["id"]})
	_, err := recvErr(stream)
	requireCode(t, err, codes.PermissionDenied)

	stream = api.watch(ctx, t, alice.token, "WatchChatRoom", map[string]interface{}{"room_id": room["id"]})
	doc := recv(t, stream)
	assert.Equal(t, room["id"], doc["room"].(map[string]interface{})["id"])
}
