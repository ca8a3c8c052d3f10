// Package memstore is an in-process document store with the same contract
// as the MongoDB stores in package data. Every mutation holds one lock, so
// batched operations are all-or-nothing; watchers are woken through a hub.
// It backs tests and the STORE=memory mode of the API server.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PaulBabatuyi/huddle/internal/apperr"
	"github.com/PaulBabatuyi/huddle/internal/data"
)

const (
	topicRooms = "rooms"
)

func topicRoom(id string) string     { return "room:" + id }
func topicMessages(id string) string { return "messages:" + id }

// Store holds profiles, rooms, messages and accounts in memory.
type Store struct {
	mu       sync.Mutex
	profiles map[string]*data.Profile
	rooms    map[string]*data.Room
	messages map[string][]*data.Message // by room id, append order
	accounts map[string]*data.Account

	failures map[string]error
	hub      *hub
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		profiles: make(map[string]*data.Profile),
		rooms:    make(map[string]*data.Room),
		messages: make(map[string][]*data.Message),
		accounts: make(map[string]*data.Account),
		failures: make(map[string]error),
		hub:      newHub(),
	}
}

// FailNext makes the next call of op fail with err before it writes
// anything. Op names match the store operation names ("rooms.create",
// "messages.append", "profiles.add_to_set", ...). Used to exercise
// store-failure paths.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// failure must be called with s.mu held.
func (s *Store) failure(op string) error {
	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return apperr.Wrap(apperr.Unavailable, op, err)
	}
	return nil
}

// Watchers returns the number of live watchers on a room's message log.
func (s *Store) Watchers(roomID string) int {
	return s.hub.count(topicMessages(roomID))
}

// ===== PROFILES =====

func cloneProfile(p *data.Profile) *data.Profile {
	c := *p
	c.Friends = slices.Clone(p.Friends)
	c.FriendRequests.Sent = slices.Clone(p.FriendRequests.Sent)
	c.FriendRequests.Received = slices.Clone(p.FriendRequests.Received)
	return &c
}

func applyProfile(p *data.Profile, u *data.ProfileUpdate) {
	if u.Email != nil {
		p.Email = *u.Email
	}
	if u.Username != nil {
		p.Username = *u.Username
	}
	if u.DisplayName != nil {
		p.DisplayName = *u.DisplayName
	}
	if u.PhotoURL != nil {
		p.PhotoURL = *u.PhotoURL
	}
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.QRCode != nil {
		p.QRCode = *u.QRCode
	}
	if u.LastSeen != nil {
		p.LastSeen = *u.LastSeen
	}
	p.UpdatedAt = u.UpdatedAt
}

// emailOwner must be called with s.mu held.
func (s *Store) emailOwner(email string) (string, bool) {
	for id, p := range s.profiles {
		if p.Email == email {
			return id, true
		}
	}
	return "", false
}

// GetProfile returns the profile with the given id.
func (s *Store) GetProfile(ctx context.Context, id string) (*data.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("profiles.get"); err != nil {
		return nil, err
	}

	p, ok := s.profiles[id]
	if !ok {
		return nil, apperr.NotFoundf("profiles.get", "profile %q not found", id)
	}
	return cloneProfile(p), nil
}

// UpsertProfile merge-writes u into the profile, creating it when absent.
func (s *Store) UpsertProfile(ctx context.Context, id string, u *data.ProfileUpdate) (*data.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("profiles.upsert"); err != nil {
		return nil, err
	}

	// Mirrors the unique email index
	if u.Email != nil {
		if owner, ok := s.emailOwner(*u.Email); ok && owner != id {
			return nil, apperr.Wrap(apperr.Conflict, "profiles.upsert", apperr.ErrEmailTaken)
		}
	}

	p, ok := s.profiles[id]
	if !ok {
		p = &data.Profile{
			ID:        id,
			Friends:   []string{},
			CreatedAt: u.UpdatedAt,
			FriendRequests: data.FriendRequests{
				Sent:     []string{},
				Received: []string{},
			},
		}
		s.profiles[id] = p
	}
	applyProfile(p, u)
	return cloneProfile(p), nil
}

// UpdateProfile overwrites the non-nil fields of u on an existing profile.
func (s *Store) UpdateProfile(ctx context.Context, id string, u *data.ProfileUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("profiles.update"); err != nil {
		return err
	}

	p, ok := s.profiles[id]
	if !ok {
		return apperr.NotFoundf("profiles.update", "profile %q not found", id)
	}
	if u.Email != nil {
		if owner, ok := s.emailOwner(*u.Email); ok && owner != id {
			return apperr.Wrap(apperr.Conflict, "profiles.update", apperr.ErrEmailTaken)
		}
	}
	applyProfile(p, u)
	return nil
}

// FindProfileByEmail returns the profile with exactly this email.
func (s *Store) FindProfileByEmail(ctx context.Context, email string) (*data.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.emailOwner(email); ok {
		return cloneProfile(s.profiles[id]), nil
	}
	return nil, apperr.NotFoundf("profiles.find_by_email", "no profile with email %q", email)
}

// FindProfileByUsername returns the profile with exactly this username.
func (s *Store) FindProfileByUsername(ctx context.Context, username string) (*data.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.profiles {
		if p.Username == username {
			return cloneProfile(p), nil
		}
	}
	return nil, apperr.NotFoundf("profiles.find_by_username", "no profile with username %q", username)
}

// FindProfilesByUsernamePrefix returns profiles whose username lies in
// [prefix, data.PrefixUpperBound(prefix)), ordered by username.
func (s *Store) FindProfilesByUsernamePrefix(ctx context.Context, prefix string, limit int) ([]*data.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	upper := data.PrefixUpperBound(prefix)
	var out []*data.Profile
	for _, p := range s.profiles {
		if p.Username != "" && p.Username >= prefix && p.Username < upper {
			out = append(out, cloneProfile(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func profileSet(p *data.Profile, set data.ProfileSet) *[]string {
	switch set {
	case data.SetSentRequests:
		return &p.FriendRequests.Sent
	case data.SetReceivedRequests:
		return &p.FriendRequests.Received
	default:
		return &p.Friends
	}
}

func addToSet(list *[]string, v string) {
	if !slices.Contains(*list, v) {
		*list = append(*list, v)
	}
}

func pull(list *[]string, v string) {
	*list = slices.DeleteFunc(*list, func(x string) bool { return x == v })
}

// mutateProfile must be called with s.mu held.
func (s *Store) mutateProfile(op, id string, fn func(p *data.Profile)) error {
	if err := s.failure(op); err != nil {
		return err
	}
	p, ok := s.profiles[id]
	if !ok {
		return apperr.NotFoundf(op, "profile %q not found", id)
	}
	fn(p)
	return nil
}

// AddToProfileSet adds value to one of the profile's id sets.
func (s *Store) AddToProfileSet(ctx context.Context, id string, set data.ProfileSet, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateProfile("profiles.add_to_set", id, func(p *data.Profile) {
		addToSet(profileSet(p, set), value)
	})
}

// PullFromProfileSet removes value from one of the profile's id sets.
func (s *Store) PullFromProfileSet(ctx context.Context, id string, set data.ProfileSet, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateProfile("profiles.pull_from_set", id, func(p *data.Profile) {
		pull(profileSet(p, set), value)
	})
}

// PromoteToFriend moves friendID from a pending set into friends.
func (s *Store) PromoteToFriend(ctx context.Context, id string, pending data.ProfileSet, friendID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateProfile("profiles.promote", id, func(p *data.Profile) {
		pull(profileSet(p, pending), friendID)
		addToSet(&p.Friends, friendID)
	})
}

// UnlinkFriends removes a and b from each other's friends atomically.
func (s *Store) UnlinkFriends(ctx context.Context, a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("profiles.unlink_friends"); err != nil {
		return err
	}

	pa, okA := s.profiles[a]
	pb, okB := s.profiles[b]
	if !okA || !okB {
		return apperr.NotFoundf("profiles.unlink_friends", "profile not found")
	}
	pull(&pa.Friends, b)
	pull(&pb.Friends, a)
	return nil
}

// ===== ROOMS =====

func cloneRoom(r *data.Room) *data.Room {
	c := *r
	c.Participants = slices.Clone(r.Participants)
	c.UnreadCount = maps.Clone(r.UnreadCount)
	c.ActiveUsers = maps.Clone(r.ActiveUsers)
	c.DisplayNames = maps.Clone(r.DisplayNames)
	if r.LastMessage != nil {
		lm := *r.LastMessage
		lm.ReadBy = maps.Clone(r.LastMessage.ReadBy)
		c.LastMessage = &lm
	}
	return &c
}

func cloneMessage(m *data.Message) *data.Message {
	c := *m
	c.ReadBy = maps.Clone(m.ReadBy)
	return &c
}

func lastActivity(r *data.Room) time.Time {
	if r.LastMessage != nil {
		return r.LastMessage.Timestamp
	}
	return time.Time{}
}

// sortRooms orders rooms like the Mongo store: newest activity first, id
// ascending on ties.
func sortRooms(rooms []*data.Room) {
	sort.Slice(rooms, func(i, j int) bool {
		ti, tj := lastActivity(rooms[i]), lastActivity(rooms[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return rooms[i].ID < rooms[j].ID
	})
}

// roomChanged must be called with s.mu held.
func (s *Store) roomChanged(id string) {
	s.hub.notify(topicRoom(id), topicRooms)
}

// CreateRoom inserts the room and its seed message together.
func (s *Store) CreateRoom(ctx context.Context, room *data.Room, seed *data.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("rooms.create"); err != nil {
		return err
	}

	if _, exists := s.rooms[room.ID]; exists {
		return apperr.New(apperr.Conflict, "rooms.create", "room %q already exists", room.ID)
	}
	s.rooms[room.ID] = cloneRoom(room)
	if seed != nil {
		s.messages[room.ID] = append(s.messages[room.ID], cloneMessage(seed))
		s.hub.notify(topicMessages(room.ID))
	}
	s.roomChanged(room.ID)
	return nil
}

// GetRoom returns the room with the given id.
func (s *Store) GetRoom(ctx context.Context, id string) (*data.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("rooms.get"); err != nil {
		return nil, err
	}
	return s.getRoomLocked(id)
}

func (s *Store) getRoomLocked(id string) (*data.Room, error) {
	r, ok := s.rooms[id]
	if !ok {
		return nil, apperr.NotFoundf("rooms.get", "room %q not found", id)
	}
	return cloneRoom(r), nil
}

// FindRooms returns the rooms userID participates in, optionally of one type.
func (s *Store) FindRooms(ctx context.Context, userID string, typ data.RoomType) ([]*data.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("rooms.find"); err != nil {
		return nil, err
	}
	return s.findRoomsLocked(userID, typ), nil
}

func (s *Store) findRoomsLocked(userID string, typ data.RoomType) []*data.Room {
	var out []*data.Room
	for _, r := range s.rooms {
		if (typ == "" || r.Type == typ) && r.HasParticipant(userID) {
			out = append(out, cloneRoom(r))
		}
	}
	sortRooms(out)
	return out
}

// mutateRoom must be called with s.mu held.
func (s *Store) mutateRoom(op, id string, fn func(r *data.Room)) error {
	if err := s.failure(op); err != nil {
		return err
	}
	r, ok := s.rooms[id]
	if !ok {
		return apperr.NotFoundf(op, "room %q not found", id)
	}
	fn(r)
	s.roomChanged(id)
	return nil
}

// AddParticipant appends userID to the room's participants if absent.
func (s *Store) AddParticipant(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateRoom("rooms.add_participant", roomID, func(r *data.Room) {
		addToSet(&r.Participants, userID)
	})
}

// RemoveParticipant removes userID and its presence flag from the room.
func (s *Store) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateRoom("rooms.remove_participant", roomID, func(r *data.Room) {
		pull(&r.Participants, userID)
		delete(r.ActiveUsers, userID)
	})
}

// UpdateRoom writes the non-nil group fields and the updated-at stamp.
func (s *Store) UpdateRoom(ctx context.Context, roomID string, u *data.RoomUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateRoom("rooms.update", roomID, func(r *data.Room) {
		if u.Name != nil {
			r.Name = *u.Name
		}
		if u.Description != nil {
			r.Description = *u.Description
		}
		if u.PhotoURL != nil {
			r.PhotoURL = *u.PhotoURL
		}
		r.UpdatedAt = u.UpdatedAt
	})
}

// SetDisplayName stores userID's private name for the room.
func (s *Store) SetDisplayName(ctx context.Context, roomID, userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateRoom("rooms.set_display_name", roomID, func(r *data.Room) {
		if r.DisplayNames == nil {
			r.DisplayNames = make(map[string]string)
		}
		r.DisplayNames[userID] = name
	})
}

// SetPresence sets activeUsers[userID].
func (s *Store) SetPresence(ctx context.Context, roomID, userID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateRoom("rooms.set_presence", roomID, func(r *data.Room) {
		if r.ActiveUsers == nil {
			r.ActiveUsers = make(map[string]bool)
		}
		r.ActiveUsers[userID] = active
	})
}

// watchLoop calls refresh once and again after every wake-up on topic.
func (s *Store) watchLoop(ctx context.Context, topic string, refresh func() error) error {
	id, wake := s.hub.register(topic)
	defer s.hub.unregister(topic, id)

	for {
		if err := refresh(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// WatchRooms emits userID's room list after every room change.
func (s *Store) WatchRooms(ctx context.Context, userID string, emit func([]*data.Room)) error {
	return s.watchLoop(ctx, topicRooms, func() error {
		s.mu.Lock()
		rooms := s.findRoomsLocked(userID, "")
		s.mu.Unlock()
		emit(rooms)
		return nil
	})
}

// WatchRoom emits the room after every change, or nil when it is missing.
func (s *Store) WatchRoom(ctx context.Context, roomID string, emit func(*data.Room)) error {
	return s.watchLoop(ctx, topicRoom(roomID), func() error {
		s.mu.Lock()
		room, err := s.getRoomLocked(roomID)
		s.mu.Unlock()
		if err != nil {
			emit(nil)
			return nil
		}
		emit(room)
		return nil
	})
}

// ===== MESSAGES =====

// AppendMessage appends msg and applies d to its room atomically.
func (s *Store) AppendMessage(ctx context.Context, msg *data.Message, d *data.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("messages.append"); err != nil {
		return err
	}

	r, ok := s.rooms[msg.RoomID]
	if !ok {
		return apperr.NotFoundf("messages.append", "room %q not found", msg.RoomID)
	}

	lm := d.LastMessage
	lm.ReadBy = maps.Clone(d.LastMessage.ReadBy)
	r.LastMessage = &lm
	if r.UnreadCount == nil {
		r.UnreadCount = make(map[string]int)
	}
	for _, uid := range d.Unread {
		r.UnreadCount[uid]++
	}
	for _, uid := range d.Read {
		r.UnreadCount[uid] = 0
	}
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], cloneMessage(msg))

	s.hub.notify(topicMessages(msg.RoomID))
	s.roomChanged(msg.RoomID)
	return nil
}

// MarkRead flips readBy[userID] on every unread message of the room, zeroes
// the user's counter and marks lastMessage read, atomically.
func (s *Store) MarkRead(ctx context.Context, roomID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("messages.mark_read"); err != nil {
		return 0, err
	}

	r, ok := s.rooms[roomID]
	if !ok {
		return 0, apperr.NotFoundf("messages.mark_read", "room %q not found", roomID)
	}

	flipped := 0
	for _, m := range s.messages[roomID] {
		if m.ReadBy[userID] {
			continue
		}
		if m.ReadBy == nil {
			m.ReadBy = make(map[string]bool)
		}
		m.ReadBy[userID] = true
		flipped++
	}

	if r.UnreadCount == nil {
		r.UnreadCount = make(map[string]int)
	}
	r.UnreadCount[userID] = 0
	if r.LastMessage != nil {
		if r.LastMessage.ReadBy == nil {
			r.LastMessage.ReadBy = make(map[string]bool)
		}
		r.LastMessage.ReadBy[userID] = true
	}

	if flipped > 0 {
		s.hub.notify(topicMessages(roomID))
	}
	s.roomChanged(roomID)
	return flipped, nil
}

func (s *Store) listMessagesLocked(roomID string) []*data.Message {
	src := s.messages[roomID]
	out := make([]*data.Message, 0, len(src))
	for _, m := range src {
		out = append(out, cloneMessage(m))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	return out
}

// ListMessages returns the room's messages, oldest first.
func (s *Store) ListMessages(ctx context.Context, roomID string) ([]*data.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("messages.list"); err != nil {
		return nil, err
	}
	return s.listMessagesLocked(roomID), nil
}

// WatchMessages emits the full ordered message list after every change.
func (s *Store) WatchMessages(ctx context.Context, roomID string, emit func([]*data.Message)) error {
	return s.watchLoop(ctx, topicMessages(roomID), func() error {
		s.mu.Lock()
		if err := s.failure("messages.watch"); err != nil {
			s.mu.Unlock()
			return err
		}
		msgs := s.listMessagesLocked(roomID)
		s.mu.Unlock()
		emit(msgs)
		return nil
	})
}

// ===== ACCOUNTS =====

// CreateAccount stores a new credential record.
func (s *Store) CreateAccount(ctx context.Context, email, hashedPassword string) (*data.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("accounts.create"); err != nil {
		return nil, err
	}

	for _, a := range s.accounts {
		if a.Email == email {
			return nil, apperr.Wrap(apperr.Conflict, "accounts.create", apperr.ErrEmailTaken)
		}
	}
	now := time.Now().UTC()
	a := &data.Account{ID: data.NewID(), Email: email, Password: hashedPassword, CreatedAt: now, UpdatedAt: now}
	s.accounts[a.ID] = a
	c := *a
	return &c, nil
}

// GetAccountByEmail finds an account by email.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*data.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Email == email {
			c := *a
			return &c, nil
		}
	}
	return nil, apperr.NotFoundf("accounts.get_by_email", "no account for %q", email)
}

// GetAccountByID finds an account by id.
func (s *Store) GetAccountByID(ctx context.Context, id string) (*data.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, apperr.NotFoundf("accounts.get_by_id", "no account %q", id)
	}
	c := *a
	return &c, nil
}
