package main

import (
	"context"
	"log"

	"google.golang.org/grpc"

	"github.com/PaulBabatuyi/huddle/internal/apperr"
	"github.com/PaulBabatuyi/huddle/internal/auth"
	"github.com/PaulBabatuyi/huddle/internal/data"
	"github.com/PaulBabatuyi/huddle/internal/events"
	"github.com/PaulBabatuyi/huddle/internal/ledger"
	"github.com/PaulBabatuyi/huddle/internal/memstore"
	"github.com/PaulBabatuyi/huddle/internal/profile"
	"github.com/PaulBabatuyi/huddle/internal/relationship"
	"github.com/PaulBabatuyi/huddle/internal/room"
)

// profileStore backs both the directory and the relationship manager.
type profileStore interface {
	profile.Store
	relationship.Store
}

// roomStore backs both the registry and the ledger's room reads.
type roomStore interface {
	room.Store
	ledger.RoomStore
}

// stores is the persistence the server is built on, either the MongoDB
// stores of package data or one memstore.Store for all of them.
type stores struct {
	accounts auth.AccountStore
	profiles profileStore
	rooms    roomStore
	messages ledger.MessageStore
}

func memoryStores(m *memstore.Store) stores {
	return stores{accounts: m, profiles: m, rooms: m, messages: m}
}

// Server implements the chat service and contains references to the core services.
type Server struct {
	auth     *auth.Service
	profiles *profile.Directory
	friends  *relationship.Manager
	rooms    *room.Registry
	ledger   *ledger.Ledger
	hub      *StreamHub
}

func (*Server) chatService() {}

// newServer returns a ready-to-use Server wired with the core services.
// em may be nil.
func newServer(st stores, tokens *auth.JWTManager, em *events.Emitter) *Server {
	s := &Server{
		auth:     auth.NewService(st.accounts, tokens),
		profiles: profile.NewDirectory(st.profiles, em),
		friends:  relationship.NewManager(st.profiles, em),
		rooms:    room.NewRegistry(st.rooms, em),
		ledger:   ledger.NewLedger(st.rooms, st.messages, em),
		hub:      NewStreamHub(),
	}
	s.auth.OnAuthStateChange(s.onAuthEvent)
	return s
}

// registerService registers the ChatService on the given gRPC server.
func registerService(g *grpc.Server, srv *Server) {
	g.RegisterService(&chatServiceDesc, srv)
}

// onAuthEvent keeps profiles in step with the identity provider: a new
// account gets its profile, and every sign-in or sign-out stamps lastSeen.
// Failures are logged and never undo the auth operation.
func (s *Server) onAuthEvent(ctx context.Context, ev auth.Event) {
	var err error
	switch ev.Type {
	case auth.SignedUp:
		email := ev.Email
		_, err = s.profiles.UpsertProfile(ctx, ev.UserID, profile.Fields{Email: &email})
	case auth.SignedIn, auth.SignedOut:
		err = s.profiles.UpdateLastSeen(ctx, ev.UserID)
		if apperr.Is(err, apperr.NotFound) {
			// account predates its profile; create it now
			email := ev.Email
			_, err = s.profiles.UpsertProfile(ctx, ev.UserID, profile.Fields{Email: &email})
		}
	}
	if err != nil {
		log.Printf("profile sync failed event=%s user=%s: %v", ev.Type, ev.UserID, err)
	}
}

// member loads roomID and checks userID is one of its participants.
func (s *Server) member(ctx context.Context, roomID, userID string) (*data.Room, error) {
	r, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !r.HasParticipant(userID) {
		return nil, apperr.New(apperr.Forbidden, "api.room_access", "not a participant of room %q", roomID)
	}
	return r, nil
}
