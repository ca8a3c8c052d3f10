package main

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// serviceName is the fully-qualified gRPC service name. Every request and
// response is a google.protobuf.Struct.
const serviceName = "huddle.v1.ChatService"

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// chatServiceServer is the handler type the service descriptor registers.
type chatServiceServer interface {
	chatService()
}

type unaryHandler func(s *Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

type streamHandler func(s *Server, in *structpb.Struct, stream grpc.ServerStream) error

func unary(name string, fn unaryHandler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req interface{}) (interface{}, error) {
				out, err := fn(srv.(*Server), ctx, req.(*structpb.Struct))
				if err != nil {
					return nil, toStatus(err)
				}
				return out, nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, call)
		},
	}
}

// serverStream describes a method that takes one request and pushes
// responses until the client or the server ends it.
func serverStream(name string, fn streamHandler) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv interface{}, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return toStatus(fn(srv.(*Server), in, stream))
		},
	}
}

var chatServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*chatServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		// identity
		unary("SignUp", (*Server).SignUp),
		unary("SignIn", (*Server).SignIn),
		unary("SignOut", (*Server).SignOut),

		// profiles
		unary("UpsertProfile", (*Server).UpsertProfile),
		unary("UpdateProfile", (*Server).UpdateProfile),
		unary("GetProfile", (*Server).GetProfile),
		unary("IsUsernameTaken", (*Server).IsUsernameTaken),
		unary("SearchUsers", (*Server).SearchUsers),
		unary("GetUserByQRCode", (*Server).GetUserByQRCode),
		unary("GetQRCode", (*Server).GetQRCode),

		// relationships
		unary("SendFriendRequest", (*Server).SendFriendRequest),
		unary("AcceptFriendRequest", (*Server).AcceptFriendRequest),
		unary("RejectFriendRequest", (*Server).RejectFriendRequest),
		unary("CancelFriendRequest", (*Server).CancelFriendRequest),
		unary("RemoveFriend", (*Server).RemoveFriend),
		unary("GetFriends", (*Server).GetFriends),
		unary("GetFriendRequests", (*Server).GetFriendRequests),

		// rooms
		unary("FindExistingPrivateChat", (*Server).FindExistingPrivateChat),
		unary("CreatePrivateChat", (*Server).CreatePrivateChat),
		unary("GetOrCreateDirectChat", (*Server).GetOrCreateDirectChat),
		unary("CreateGroupChat", (*Server).CreateGroupChat),
		unary("AddUserToGroup", (*Server).AddUserToGroup),
		unary("RemoveParticipant", (*Server).RemoveParticipant),
		unary("UpdateGroupDetails", (*Server).UpdateGroupDetails),
		unary("UpdateRoomDisplayName", (*Server).UpdateRoomDisplayName),
		unary("GetDirectChats", (*Server).GetDirectChats),
		unary("GetRoom", (*Server).GetRoom),

		// messages
		unary("SendMessage", (*Server).SendMessage),
		unary("ListMessages", (*Server).ListMessages),
		unary("MarkMessagesAsRead", (*Server).MarkMessagesAsRead),
		unary("UpdateUserPresence", (*Server).UpdateUserPresence),
		unary("GetUnreadCount", (*Server).GetUnreadCount),
	},
	Streams: []grpc.StreamDesc{
		serverStream("WatchChatRooms", (*Server).WatchChatRooms),
		serverStream("WatchMessages", (*Server).WatchMessages),
		serverStream("WatchChatRoom", (*Server).WatchChatRoom),
	},
	Metadata: "huddle/v1/chat.proto",
}
