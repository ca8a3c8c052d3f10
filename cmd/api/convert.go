package main

import (
	"log"
	"math"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/PaulBabatuyi/huddle/internal/apperr"
	"github.com/PaulBabatuyi/huddle/internal/data"
)

// toStatus maps a core error onto a gRPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch apperr.KindOf(err) {
	case apperr.NotFound:
		return status.Error(codes.NotFound, err.Error())
	case apperr.Forbidden:
		return status.Error(codes.PermissionDenied, err.Error())
	case apperr.Conflict:
		return status.Error(codes.AlreadyExists, err.Error())
	case apperr.InvalidArgument:
		return status.Error(codes.InvalidArgument, err.Error())
	case apperr.Unavailable:
		log.Printf("store unavailable: %v", err)
		return status.Error(codes.Unavailable, "store unavailable")
	default:
		log.Printf("internal error: %v", err)
		return status.Error(codes.Internal, "internal error")
	}
}

// ===== request fields =====

func getString(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

// getOptString returns nil when key is absent or null.
func getOptString(in *structpb.Struct, key string) *string {
	v, ok := in.GetFields()[key]
	if !ok {
		return nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil
	}
	s := v.GetStringValue()
	return &s
}

func getBool(in *structpb.Struct, key string) bool {
	return in.GetFields()[key].GetBoolValue()
}

// getInt reads a number field as an int. NaN reads as 0 and values outside
// the int32 range saturate.
func getInt(in *structpb.Struct, key string) int {
	v := in.GetFields()[key].GetNumberValue()
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt32:
		return math.MaxInt32
	case v < math.MinInt32:
		return math.MinInt32
	}
	return int(v)
}

func getStrings(in *structpb.Struct, key string) []string {
	list := in.GetFields()[key].GetListValue()
	out := make([]string, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		out = append(out, v.GetStringValue())
	}
	return out
}

// requireString returns the non-empty string field key.
func requireString(in *structpb.Struct, key string) (string, error) {
	v := getString(in, key)
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

// ===== response documents =====

func newStruct(m map[string]interface{}) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return s, nil
}

func timeValue(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func stringList(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func boolMap(m map[string]bool) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func profileDoc(p *data.Profile) map[string]interface{} {
	return map[string]interface{}{
		"id":           p.ID,
		"email":        p.Email,
		"username":     p.Username,
		"display_name": p.DisplayName,
		"photo_url":    p.PhotoURL,
		"status":       p.Status,
		"qr_code":      p.QRCode,
		"last_seen":    timeValue(p.LastSeen),
		"friends":      stringList(p.Friends),
		"friend_requests": map[string]interface{}{
			"sent":     stringList(p.FriendRequests.Sent),
			"received": stringList(p.FriendRequests.Received),
		},
		"created_at": timeValue(p.CreatedAt),
	}
}

func summaryDoc(s data.ProfileSummary) map[string]interface{} {
	return map[string]interface{}{
		"id":           s.ID,
		"email":        s.Email,
		"username":     s.Username,
		"display_name": s.DisplayName,
		"photo_url":    s.PhotoURL,
		"status":       s.Status,
		"last_seen":    timeValue(s.LastSeen),
	}
}

func summaryList(list []data.ProfileSummary) []interface{} {
	out := make([]interface{}, len(list))
	for i, s := range list {
		out[i] = summaryDoc(s)
	}
	return out
}

func roomDoc(r *data.Room) map[string]interface{} {
	unread := make(map[string]interface{}, len(r.UnreadCount))
	for k, v := range r.UnreadCount {
		unread[k] = v
	}
	names := make(map[string]interface{}, len(r.DisplayNames))
	for k, v := range r.DisplayNames {
		names[k] = v
	}

	doc := map[string]interface{}{
		"id":            r.ID,
		"type":          string(r.Type),
		"participants":  stringList(r.Participants),
		"name":          r.Name,
		"description":   r.Description,
		"photo_url":     r.PhotoURL,
		"group_admin":   r.GroupAdmin,
		"created_at":    timeValue(r.CreatedAt),
		"updated_at":    timeValue(r.UpdatedAt),
		"unread_count":  unread,
		"active_users":  boolMap(r.ActiveUsers),
		"display_names": names,
		"last_message":  nil,
	}
	if lm := r.LastMessage; lm != nil {
		doc["last_message"] = map[string]interface{}{
			"text":      lm.Text,
			"sender_id": lm.SenderID,
			"timestamp": timeValue(lm.Timestamp),
			"read_by":   boolMap(lm.ReadBy),
		}
	}
	return doc
}

func roomList(rooms []*data.Room) []interface{} {
	out := make([]interface{}, len(rooms))
	for i, r := range rooms {
		out[i] = roomDoc(r)
	}
	return out
}

func messageDoc(m *data.Message) map[string]interface{} {
	return map[string]interface{}{
		"id":        m.ID,
		"room_id":   m.RoomID,
		"text":      m.Text,
		"sender_id": m.SenderID,
		"timestamp": timeValue(m.Timestamp),
		"read_by":   boolMap(m.ReadBy),
	}
}

func messageList(msgs []*data.Message) []interface{} {
	out := make([]interface{}, len(msgs))
	for i, m := range msgs {
		out[i] = messageDoc(m)
	}
	return out
}
