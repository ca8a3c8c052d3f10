package data

import (
	"slices"
	"time"
)

// Profile maps to the profiles collection.
type Profile struct {
	ID             string         `bson:"_id"`
	Email          string         `bson:"email,omitempty"`
	Username       string         `bson:"username,omitempty"`
	DisplayName    string         `bson:"display_name,omitempty"`
	PhotoURL       string         `bson:"photo_url,omitempty"`
	Status         string         `bson:"status,omitempty"`
	QRCode         string         `bson:"qr_code,omitempty"`
	LastSeen       time.Time      `bson:"last_seen"`
	Friends        []string       `bson:"friends"`
	FriendRequests FriendRequests `bson:"friend_requests"`
	CreatedAt      time.Time      `bson:"created_at"`
	UpdatedAt      time.Time      `bson:"updated_at"`
}

// FriendRequests holds the pending edges of a profile.
type FriendRequests struct {
	Sent     []string `bson:"sent"`
	Received []string `bson:"received"`
}

// Summary returns the public subset of the profile.
func (p *Profile) Summary() ProfileSummary {
	return ProfileSummary{
		ID:          p.ID,
		Email:       p.Email,
		Username:    p.Username,
		DisplayName: p.DisplayName,
		PhotoURL:    p.PhotoURL,
		Status:      p.Status,
		LastSeen:    p.LastSeen,
	}
}

// ProfileSummary is what friend lists and request lists resolve to.
type ProfileSummary struct {
	ID          string
	Email       string
	Username    string
	DisplayName string
	PhotoURL    string
	Status      string
	LastSeen    time.Time
}

// ProfileUpdate carries the fields of a partial profile write. Nil fields
// are left untouched.
type ProfileUpdate struct {
	Email       *string
	Username    *string
	DisplayName *string
	PhotoURL    *string
	Status      *string
	QRCode      *string
	LastSeen    *time.Time
	UpdatedAt   time.Time
}

// ProfileSet names one of the id sets stored on a profile.
type ProfileSet int

const (
	SetFriends ProfileSet = iota
	SetSentRequests
	SetReceivedRequests
)

// Field returns the document path of the set.
func (s ProfileSet) Field() string {
	switch s {
	case SetSentRequests:
		return "friend_requests.sent"
	case SetReceivedRequests:
		return "friend_requests.received"
	default:
		return "friends"
	}
}

// RoomType is the kind of chat room.
type RoomType string

const (
	RoomPrivate RoomType = "private"
	RoomGroup   RoomType = "group"
)

// Room maps to the rooms collection.
type Room struct {
	ID           string            `bson:"_id"`
	Type         RoomType          `bson:"type"`
	Participants []string          `bson:"participants"`
	Name         string            `bson:"name,omitempty"`
	Description  string            `bson:"description,omitempty"`
	PhotoURL     string            `bson:"photo_url,omitempty"`
	GroupAdmin   string            `bson:"group_admin,omitempty"`
	CreatedAt    time.Time         `bson:"created_at"`
	UpdatedAt    time.Time         `bson:"updated_at,omitempty"`
	LastMessage  *LastMessage      `bson:"last_message,omitempty"`
	UnreadCount  map[string]int    `bson:"unread_count"`
	ActiveUsers  map[string]bool   `bson:"active_users"`
	DisplayNames map[string]string `bson:"display_names,omitempty"`
}

// HasParticipant reports whether userID is a member of the room.
func (r *Room) HasParticipant(userID string) bool {
	return slices.Contains(r.Participants, userID)
}

// LastMessage is the summary of the newest message kept on the room.
type LastMessage struct {
	Text      string          `bson:"text"`
	SenderID  string          `bson:"sender_id"`
	Timestamp time.Time       `bson:"timestamp"`
	ReadBy    map[string]bool `bson:"read_by"`
}

// RoomUpdate carries the editable group fields. Nil fields are untouched.
type RoomUpdate struct {
	Name        *string
	Description *string
	PhotoURL    *string
	UpdatedAt   time.Time
}

// Message maps to the messages collection.
type Message struct {
	ID        string          `bson:"_id"`
	RoomID    string          `bson:"room_id"`
	Text      string          `bson:"text"`
	SenderID  string          `bson:"sender_id"`
	Timestamp time.Time       `bson:"timestamp"`
	ReadBy    map[string]bool `bson:"read_by"`
}

// Delivery describes the room-side effects of appending a message: the new
// summary, whose counters are incremented and whose are reset.
type Delivery struct {
	LastMessage LastMessage
	Unread      []string
	Read        []string
}

// Account maps to the accounts collection (credentials only).
type Account struct {
	ID        string    `bson:"_id"`
	Email     string    `bson:"email"`
	Password  string    `bson:"password"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}
