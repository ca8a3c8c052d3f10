package main

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/PaulBabatuyi/huddle/internal/data"
	"github.com/PaulBabatuyi/huddle/internal/live"
)

// pump forwards a live subscription to the stream until the client goes
// away, the caller signs out, or the subscription fails. Only the newest
// undelivered snapshot is kept, so a slow client skips intermediate states
// instead of stalling the subscription.
func pump[T any](s *Server, stream grpc.ServerStream, uid string, subscribe func(context.Context, func(T), func(error)) *live.Subscription, encode func(T) (*structpb.Struct, error)) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	id := s.hub.Register(uid, cancel)
	defer s.hub.Unregister(uid, id)

	latest := make(chan T, 1)
	failed := make(chan error, 1)

	// callbacks run on the single subscription goroutine
	onUpdate := func(v T) {
		select {
		case <-latest:
		default:
		}
		latest <- v
	}
	onError := func(err error) { failed <- err }

	sub := subscribe(ctx, onUpdate, onError)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			if err := stream.Context().Err(); err != nil {
				return status.FromContextError(err).Err()
			}
			return status.Error(codes.Unauthenticated, "signed out")
		case err := <-failed:
			return err
		case v := <-latest:
			doc, err := encode(v)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(doc); err != nil {
				return err
			}
		}
	}
}

// WatchChatRooms streams the caller's room list after every change.
func (s *Server) WatchChatRooms(in *structpb.Struct, stream grpc.ServerStream) error {
	uid, err := caller(stream.Context())
	if err != nil {
		return err
	}
	subscribe := func(ctx context.Context, onUpdate func([]*data.Room), onError func(error)) *live.Subscription {
		return s.rooms.GetChatRooms(ctx, uid, onUpdate, onError)
	}
	return pump(s, stream, uid, subscribe, func(rooms []*data.Room) (*structpb.Struct, error) {
		return newStruct(map[string]interface{}{"rooms": roomList(rooms)})
	})
}

// WatchMessages streams the full message log of a room the caller is in.
func (s *Server) WatchMessages(in *structpb.Struct, stream grpc.ServerStream) error {
	uid, roomID, err := s.streamMember(in, stream)
	if err != nil {
		return err
	}
	subscribe := func(ctx context.Context, onUpdate func([]*data.Message), onError func(error)) *live.Subscription {
		return s.ledger.GetMessages(ctx, roomID, onUpdate, onError)
	}
	return pump(s, stream, uid, subscribe, func(msgs []*data.Message) (*structpb.Struct, error) {
		return newStruct(map[string]interface{}{"messages": messageList(msgs)})
	})
}

// WatchChatRoom streams one room document. A deleted room is sent as
// {"room": null}.
func (s *Server) WatchChatRoom(in *structpb.Struct, stream grpc.ServerStream) error {
	uid, roomID, err := s.streamMember(in, stream)
	if err != nil {
		return err
	}
	subscribe := func(ctx context.Context, onUpdate func(*data.Room), onError func(error)) *live.Subscription {
		return s.ledger.ListenToChatRoom(ctx, roomID, onUpdate, onError)
	}
	return pump(s, stream, uid, subscribe, func(r *data.Room) (*structpb.Struct, error) {
		var doc interface{}
		if r != nil {
			doc = roomDoc(r)
		}
		return newStruct(map[string]interface{}{"room": doc})
	})
}

func (s *Server) streamMember(in *structpb.Struct, stream grpc.ServerStream) (string, string, error) {
	uid, err := caller(stream.Context())
	if err != nil {
		return "", "", err
	}
	roomID, err := requireString(in, "room_id")
	if err != nil {
		return "", "", err
	}
	if _, err := s.member(stream.Context(), roomID, uid); err != nil {
		return "", "", err
	}
	return uid, roomID, nil
}
