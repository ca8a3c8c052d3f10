// Package relationship manages friend requests and friendships between
// profiles. An edge moves NONE -> PENDING -> FRIENDS and back to NONE on
// reject, cancel or removal. Both sides of an edge live on the two profile
// documents, so every transition except RemoveFriend is two writes.
package relationship

import (
	"context"
	"log"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/PaulBabatuyi/huddle/internal/apperr"
	"github.com/PaulBabatuyi/huddle/internal/data"
	"github.com/PaulBabatuyi/huddle/internal/events"
	"github.com/PaulBabatuyi/huddle/internal/normalize"
	"github.com/PaulBabatuyi/huddle/internal/observability"
)

// resolveConcurrency bounds the profile lookups GetFriends and
// GetFriendRequests run at once.
const resolveConcurrency = 8

// Store is the profile persistence the manager needs.
type Store interface {
	GetProfile(ctx context.Context, id string) (*data.Profile, error)
	AddToProfileSet(ctx context.Context, id string, set data.ProfileSet, value string) error
	PullFromProfileSet(ctx context.Context, id string, set data.ProfileSet, value string) error
	PromoteToFriend(ctx context.Context, id string, pending data.ProfileSet, friendID string) error
	UnlinkFriends(ctx context.Context, a, b string) error
}

// Direction says which side of a pending request the caller is on.
type Direction int

const (
	// Sent is a request the caller made; removing it cancels it.
	Sent Direction = iota
	// Received is a request made to the caller; removing it rejects it.
	Received
)

func (d Direction) String() string {
	if d == Received {
		return "received"
	}
	return "sent"
}

// Requests is the resolved pending state of a profile.
type Requests struct {
	Sent     []data.ProfileSummary
	Received []data.ProfileSummary
}

// Manager is the relationship service.
type Manager struct {
	store  Store
	events *events.Emitter
}

// NewManager returns a Manager over store. em may be nil.
func NewManager(store Store, em *events.Emitter) *Manager {
	return &Manager{store: store, events: em}
}

func checkPair(op, a, b string) error {
	if !normalize.ValidID(a) || !normalize.ValidID(b) {
		return apperr.Invalidf(op, "invalid user id")
	}
	if a == b {
		return apperr.Invalidf(op, "a user cannot befriend themself")
	}
	return nil
}

// secondWrite finishes a two-write transition. A failure here leaves a
// one-sided edge behind, which is logged and counted before the error is
// returned.
func secondWrite(op, first, second string, err error) error {
	if err == nil {
		return nil
	}
	log.Printf("partial friend edge op=%s applied=%s missing=%s: %v", op, first, second, err)
	observability.IncFriendEdgePartialWrite(op)
	if apperr.KindOf(err) == apperr.Unknown {
		return apperr.Wrap(apperr.Unavailable, op, err)
	}
	return err
}

// pending reports whether p has a request to or from otherID.
func pending(p *data.Profile, otherID string) bool {
	return slices.Contains(p.FriendRequests.Sent, otherID) || slices.Contains(p.FriendRequests.Received, otherID)
}

// SendFriendRequest records a pending request from sender to receiver.
func (m *Manager) SendFriendRequest(ctx context.Context, senderID, receiverID string) error {
	const op = "relationship.send_request"
	if err := checkPair(op, senderID, receiverID); err != nil {
		return err
	}

	sender, err := m.store.GetProfile(ctx, senderID)
	if err != nil {
		return err
	}
	receiver, err := m.store.GetProfile(ctx, receiverID)
	if err != nil {
		return err
	}

	// Both sides are checked: an interrupted two-step write can leave an
	// edge on one profile only.
	switch {
	case slices.Contains(sender.Friends, receiverID), slices.Contains(receiver.Friends, senderID):
		return apperr.Wrap(apperr.Conflict, op, apperr.ErrAlreadyFriends)
	case pending(sender, receiverID), pending(receiver, senderID):
		return apperr.Wrap(apperr.Conflict, op, apperr.ErrAlreadyRequested)
	}

	if err := m.store.AddToProfileSet(ctx, senderID, data.SetSentRequests, receiverID); err != nil {
		return err
	}
	err = m.store.AddToProfileSet(ctx, receiverID, data.SetReceivedRequests, senderID)
	if err := secondWrite(op, senderID, receiverID, err); err != nil {
		return err
	}

	m.events.Emit(ctx, events.FriendRequested, senderID, "", map[string]string{"receiver_id": receiverID})
	return nil
}

// AcceptFriendRequest turns friendID's pending request to userID into a
// friendship on both profiles.
func (m *Manager) AcceptFriendRequest(ctx context.Context, userID, friendID string) error {
	const op = "relationship.accept_request"
	if err := checkPair(op, userID, friendID); err != nil {
		return err
	}

	user, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return err
	}
	if !slices.Contains(user.FriendRequests.Received, friendID) {
		return apperr.Wrap(apperr.NotFound, op, apperr.ErrNoFriendRequest)
	}

	if err := m.store.PromoteToFriend(ctx, userID, data.SetReceivedRequests, friendID); err != nil {
		return err
	}
	err = m.store.PromoteToFriend(ctx, friendID, data.SetSentRequests, userID)
	if err := secondWrite(op, userID, friendID, err); err != nil {
		return err
	}

	m.events.Emit(ctx, events.FriendAccepted, userID, "", map[string]string{"friend_id": friendID})
	return nil
}

// RemoveFriendRequest drops a pending request from both profiles. With
// Sent the caller cancels its own request to friendID; with Received it
// rejects friendID's request. Removing a request that does not exist is a
// no-op.
func (m *Manager) RemoveFriendRequest(ctx context.Context, userID, friendID string, dir Direction) error {
	const op = "relationship.remove_request"
	if err := checkPair(op, userID, friendID); err != nil {
		return err
	}

	mine, theirs := data.SetSentRequests, data.SetReceivedRequests
	if dir == Received {
		mine, theirs = theirs, mine
	}

	if err := m.store.PullFromProfileSet(ctx, userID, mine, friendID); err != nil {
		return err
	}
	err := m.store.PullFromProfileSet(ctx, friendID, theirs, userID)
	if apperr.Is(err, apperr.NotFound) {
		// the other profile is gone, so there is no edge left on its side
		err = nil
	}
	if err := secondWrite(op, userID, friendID, err); err != nil {
		return err
	}

	m.events.Emit(ctx, events.FriendRequestEnded, userID, "", map[string]string{
		"friend_id": friendID,
		"direction": dir.String(),
	})
	return nil
}

// RejectFriendRequest removes friendID's pending request to userID.
func (m *Manager) RejectFriendRequest(ctx context.Context, userID, friendID string) error {
	return m.RemoveFriendRequest(ctx, userID, friendID, Received)
}

// CancelFriendRequest withdraws userID's pending request to friendID.
func (m *Manager) CancelFriendRequest(ctx context.Context, userID, friendID string) error {
	return m.RemoveFriendRequest(ctx, userID, friendID, Sent)
}

// RemoveFriend ends a friendship on both profiles in one transaction.
func (m *Manager) RemoveFriend(ctx context.Context, userID, friendID string) error {
	const op = "relationship.remove_friend"
	if err := checkPair(op, userID, friendID); err != nil {
		return err
	}
	if err := m.store.UnlinkFriends(ctx, userID, friendID); err != nil {
		return err
	}
	m.events.Emit(ctx, events.FriendRemoved, userID, "", map[string]string{"friend_id": friendID})
	return nil
}

// GetFriends resolves userID's friends. Ids whose profile no longer exists
// are dropped.
func (m *Manager) GetFriends(ctx context.Context, userID string) ([]data.ProfileSummary, error) {
	p, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.resolve(ctx, p.Friends)
}

// GetFriendRequests resolves userID's pending sent and received requests.
func (m *Manager) GetFriendRequests(ctx context.Context, userID string) (*Requests, error) {
	p, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	var out Requests
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		out.Sent, err = m.resolve(gctx, p.FriendRequests.Sent)
		return err
	})
	g.Go(func() error {
		var err error
		out.Received, err = m.resolve(gctx, p.FriendRequests.Received)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &out, nil
}

// resolve looks ids up concurrently and returns the summaries in ids order.
func (m *Manager) resolve(ctx context.Context, ids []string) ([]data.ProfileSummary, error) {
	found := make([]*data.ProfileSummary, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			p, err := m.store.GetProfile(gctx, id)
			if apperr.Is(err, apperr.NotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			s := p.Summary()
			found[i] = &s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]data.ProfileSummary, 0, len(ids))
	for _, s := range found {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out, nil
}
