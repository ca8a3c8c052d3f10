package main

import (
	"context"
	"encoding/base64"
	"html"
	"log"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/PaulBabatuyi/huddle/internal/auth"
	"github.com/PaulBabatuyi/huddle/internal/profile"
	"github.com/PaulBabatuyi/huddle/internal/qr"
	"github.com/PaulBabatuyi/huddle/internal/room"
)

// caller returns the authenticated user id (injected by interceptor).
func caller(ctx context.Context) (string, error) {
	claims, ok := getClaimsFromContext(ctx)
	if !ok {
		return "", status.Errorf(codes.Unauthenticated, "missing auth claims")
	}
	return claims.UserID, nil
}

func empty() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}
}

// ===== IDENTITY =====

func sessionDoc(sess *auth.Session) (*structpb.Struct, error) {
	return newStruct(map[string]interface{}{
		"token":      sess.Token,
		"user_id":    sess.UserID,
		"email":      sess.Email,
		"expires_at": timeValue(sess.ExpiresAt),
	})
}

// SignUp creates an account, its profile, and returns a JWT token.
func (s *Server) SignUp(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.auth.SignUp(ctx, getString(in, "email"), getString(in, "password"))
	if err != nil {
		return nil, err
	}
	return sessionDoc(sess)
}

// SignIn authenticates a user and returns a JWT token.
func (s *Server) SignIn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.auth.SignIn(ctx, getString(in, "email"), getString(in, "password"))
	if err != nil {
		return nil, err
	}
	return sessionDoc(sess)
}

// SignOut stamps lastSeen and closes the caller's open watch streams.
func (s *Server) SignOut(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.auth.SignOut(ctx, uid); err != nil {
		return nil, err
	}
	if n := s.hub.CloseUser(uid); n > 0 {
		log.Printf("closed %d streams of %s on sign-out", n, uid)
	}
	return empty(), nil
}

// ===== PROFILES =====

func profileFields(in *structpb.Struct) profile.Fields {
	return profile.Fields{
		Email:       getOptString(in, "email"),
		Username:    getOptString(in, "username"),
		DisplayName: getOptString(in, "display_name"),
		PhotoURL:    getOptString(in, "photo_url"),
		Status:      getOptString(in, "status"),
	}
}

// UpsertProfile merge-writes the caller's profile.
func (s *Server) UpsertProfile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.profiles.UpsertProfile(ctx, uid, profileFields(in))
	if err != nil {
		return nil, err
	}
	return newStruct(profileDoc(p))
}

// UpdateProfile overwrites fields of the caller's existing profile.
func (s *Server) UpdateProfile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.profiles.UpdateProfile(ctx, uid, profileFields(in)); err != nil {
		return nil, err
	}
	return empty(), nil
}

// GetProfile returns user_id's profile, or the caller's when user_id is empty.
func (s *Server) GetProfile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if id := getString(in, "user_id"); id != "" {
		uid = id
	}
	p, err := s.profiles.GetProfile(ctx, uid)
	if err != nil {
		return nil, err
	}
	return newStruct(profileDoc(p))
}

func (s *Server) IsUsernameTaken(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	username, err := requireString(in, "username")
	if err != nil {
		return nil, err
	}
	taken, err := s.profiles.IsUsernameTaken(ctx, username)
	if err != nil {
		return nil, err
	}
	return newStruct(map[string]interface{}{"taken": taken})
}

// SearchUsers returns summaries of the profiles matching query.
func (s *Server) SearchUsers(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	hits, err := s.profiles.SearchUsers(ctx, getString(in, "query"))
	if err != nil {
		return nil, err
	}
	users := make([]interface{}, len(hits))
	for i, p := range hits {
		users[i] = summaryDoc(p.Summary())
	}
	return newStruct(map[string]interface{}{"users": users})
}

// GetUserByQRCode resolves a scanned token to a profile summary.
func (s *Server) GetUserByQRCode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p, err := s.profiles.GetUserByQRCode(ctx, getString(in, "token"))
	if err != nil {
		return nil, err
	}
	return newStruct(summaryDoc(p.Summary()))
}

// GetQRCode returns the caller's QR code as a base64 PNG.
func (s *Server) GetQRCode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	size := getInt(in, "size")
	switch {
	case size <= 0:
		size = qr.DefaultSize
	case size > qr.MaxSize:
		return nil, status.Errorf(codes.InvalidArgument, "size must be at most %d", qr.MaxSize)
	}
	png, err := s.profiles.QRCodePNG(ctx, uid, size)
	if err != nil {
		return nil, err
	}
	return newStruct(map[string]interface{}{
		"png_base64": base64.StdEncoding.EncodeToString(png),
	})
}

// ===== RELATIONSHIPS =====

// friendCall runs op between the caller and the request's user_id.
func (s *Server) friendCall(ctx context.Context, in *structpb.Struct, op func(ctx context.Context, uid, other string) error) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	other, err := requireString(in, "user_id")
	if err != nil {
		return nil, err
	}
	if err := op(ctx, uid, other); err != nil {
		return nil, err
	}
	return empty(), nil
}

func (s *Server) SendFriendRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.friendCall(ctx, in, s.friends.SendFriendRequest)
}

func (s *Server) AcceptFriendRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.friendCall(ctx, in, s.friends.AcceptFriendRequest)
}

func (s *Server) RejectFriendRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.friendCall(ctx, in, s.friends.RejectFriendRequest)
}

func (s *Server) CancelFriendRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.friendCall(ctx, in, s.friends.CancelFriendRequest)
}

func (s *Server) RemoveFriend(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.friendCall(ctx, in, s.friends.RemoveFriend)
}

func (s *Server) GetFriends(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	friends, err := s.friends.GetFriends(ctx, uid)
	if err != nil {
		return nil, err
	}
	return newStruct(map[string]interface{}{"friends": summaryList(friends)})
}

func (s *Server) GetFriendRequests(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	reqs, err := s.friends.GetFriendRequests(ctx, uid)
	if err != nil {
		return nil, err
	}
	return newStruct(map[string]interface{}{
		"sent":     summaryList(reqs.Sent),
		"received": summaryList(reqs.Received),
	})
}

// ===== ROOMS =====

// FindExistingPrivateChat returns {"room": null} when the caller has no
// private room with user_id.
func (s *Server) FindExistingPrivateChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	other, err := requireString(in, "user_id")
	if err != nil {
		return nil, err
	}
	r, err := s.rooms.FindExistingPrivateChat(ctx, uid, other)
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if r != nil {
		doc = roomDoc(r)
	}
	return newStruct(map[string]interface{}{"room": doc})
}

func (s *Server) CreatePrivateChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.rooms.CreatePrivateChat(ctx, uid, getString(in, "user_id"))
	if err != nil {
		return nil, err
	}
	return newStruct(roomDoc(r))
}

func (s *Server) GetOrCreateDirectChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.rooms.GetOrCreateDirectChat(ctx, uid, getString(in, "user_id"))
	if err != nil {
		return nil, err
	}
	return newStruct(roomDoc(r))
}

// CreateGroupChat creates a group administered by the caller.
func (s *Server) CreateGroupChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.rooms.CreateGroupChat(ctx, getString(in, "name"), uid, getStrings(in, "participant_ids"))
	if err != nil {
		return nil, err
	}
	return newStruct(roomDoc(r))
}

func (s *Server) AddUserToGroup(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	roomID, err := requireString(in, "room_id")
	if err != nil {
		return nil, err
	}
	if err := s.rooms.AddUserToGroup(ctx, roomID, uid, getString(in, "user_id")); err != nil {
		return nil, err
	}
	return empty(), nil
}

// RemoveParticipant lets the group admin remove anyone and any member
// remove themself.
func (s *Server) RemoveParticipant(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	roomID, err := requireString(in, "room_id")
	if err != nil {
		return nil, err
	}
	target, err := requireString(in, "user_id")
	if err != nil {
		return nil, err
	}

	r, err := s.member(ctx, roomID, uid)
	if err != nil {
		return nil, err
	}
	if target != uid && r.GroupAdmin != uid {
		return nil, status.Errorf(codes.PermissionDenied, "only the group admin can remove other members")
	}
	if err := s.rooms.RemoveParticipant(ctx, roomID, target); err != nil {
		return nil, err
	}
	return empty(), nil
}

// UpdateGroupDetails edits a group the caller belongs to.
func (s *Server) UpdateGroupDetails(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	roomID, err := requireString(in, "room_id")
	if err != nil {
		return nil, err
	}
	if _, err := s.member(ctx, roomID, uid); err != nil {
		return nil, err
	}
	err = s.rooms.UpdateGroupDetails(ctx, roomID, room.GroupDetails{
		Name:        getOptString(in, "name"),
		Description: getOptString(in, "description"),
		PhotoURL:    getOptString(in, "photo_url"),
	})
	if err != nil {
		return nil, err
	}
	return empty(), nil
}

func (s *Server) UpdateRoomDisplayName(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	roomID, err := requireString(in, "room_id")
	if err != nil {
		return nil, err
	}
	if err := s.rooms.UpdateRoomDisplayName(ctx, roomID, uid, getString(in, "name")); err != nil {
		return nil, err
	}
	return empty(), nil
}

func (s *Server) GetDirectChats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	rooms, err := s.rooms.GetDirectChats(ctx, uid)
	if err != nil {
		return nil, err
	}
	return newStruct(map[string]interface{}{"rooms": roomList(rooms)})
}

// GetRoom returns a room the caller participates in.
func (s *Server) GetRoom(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	roomID, err := requireString(in, "room_id")
	if err != nil {
		return nil, err
	}
	r, err := s.member(ctx, roomID, uid)
	if err != nil {
		return nil, err
	}
	return newStruct(roomDoc(r))
}

// ===== MESSAGES =====

// SendMessage appends a message from the caller and returns its id.
func (s *Server) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	roomID, err := requireString(in, "room_id")
	if err != nil {
		return nil, err
	}

	// Escape markup before it is persisted, as clients render text as HTML
	id, err := s.ledger.SendMessage(ctx, roomID, uid, html.EscapeString(getString(in, "text")))
	if err != nil {
		return nil, err
	}

	// message activity counts as being seen; best effort
	if err := s.profiles.UpdateLastSeen(ctx, uid); err != nil {
		log.Printf("update last seen failed for %s: %v", uid, err)
	}
	return newStruct(map[string]interface{}{"message_id": id})
}

func (s *Server) ListMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	roomID, err := requireString(in, "room_id")
	if err != nil {
		return nil, err
	}
	if _, err := s.member(ctx, roomID, uid); err != nil {
		return nil, err
	}
	msgs, err := s.ledger.ListMessages(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return newStruct(map[string]interface{}{"messages": messageList(msgs)})
}

func (s *Server) MarkMessagesAsRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	roomID, err := requireString(in, "room_id")
	if err != nil {
		return nil, err
	}
	if err := s.ledger.MarkMessagesAsRead(ctx, roomID, uid); err != nil {
		return nil, err
	}
	return empty(), nil
}

// UpdateUserPresence flags whether the caller is viewing the room.
func (s *Server) UpdateUserPresence(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	roomID, err := requireString(in, "room_id")
	if err != nil {
		return nil, err
	}
	if _, err := s.member(ctx, roomID, uid); err != nil {
		return nil, err
	}
	if err := s.ledger.UpdateUserPresence(ctx, roomID, uid, getBool(in, "active")); err != nil {
		return nil, err
	}
	return empty(), nil
}

func (s *Server) GetUnreadCount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	n, err := s.ledger.GetUnreadCount(ctx, getString(in, "room_id"), uid)
	if err != nil {
		return nil, err
	}
	return newStruct(map[string]interface{}{"count": n})
}
