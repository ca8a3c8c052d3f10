package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/PaulBabatuyi/huddle/internal/auth"
)

const bufSize = 1024 * 1024

// testAPI is a ChatService served over bufconn with the production
// interceptor chain minus rate limiting.
type testAPI struct {
	conn *grpc.ClientConn
	srv  *Server
}

func startTestAPI(t *testing.T, st stores) *testAPI {
	t.Helper()

	jwtMgr := auth.NewJWTManager("test-secret", time.Hour)
	lis := bufconn.Listen(bufSize)
	g := grpc.NewServer(
		grpc.UnaryInterceptor(authUnaryInterceptor(jwtMgr)),
		grpc.StreamInterceptor(authStreamInterceptor(jwtMgr)),
	)
	srv := newServer(st, jwtMgr, nil)
	registerService(g, srv)
	go func() { _ = g.Serve(lis) }()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.Dial() }
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		g.Stop()
	})
	return &testAPI{conn: conn, srv: srv}
}

func withToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func mustStruct(t *testing.T, m map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

// call invokes a unary method as the holder of token.
func (a *testAPI) call(ctx context.Context, t *testing.T, token, method string, req map[string]interface{}) (*structpb.Struct, error) {
	t.Helper()
	out := new(structpb.Struct)
	err := a.conn.Invoke(withToken(ctx, token), fullMethod(method), mustStruct(t, req), out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *testAPI) mustCall(ctx context.Context, t *testing.T, token, method string, req map[string]interface{}) map[string]interface{} {
	t.Helper()
	out, err := a.call(ctx, t, token, method, req)
	require.NoError(t, err, method)
	return out.AsMap()
}

// user is a signed-up test account.
type user struct {
	id    string
	token string
}

func (a *testAPI) signUp(ctx context.Context, t *testing.T, email string) user {
	t.Helper()
	resp := a.mustCall(ctx, t, "", "SignUp", map[string]interface{}{"email": email, "password": "testPass123"})
	return user{id: resp["user_id"].(string), token: resp["token"].(string)}
}

// watch opens a server stream as the holder of token.
func (a *testAPI) watch(ctx context.Context, t *testing.T, token, method string, req map[string]interface{}) grpc.ClientStream {
	t.Helper()
	desc := &grpc.StreamDesc{StreamName: method, ServerStreams: true}
	cs, err := a.conn.NewStream(withToken(ctx, token), desc, fullMethod(method))
	require.NoError(t, err)
	require.NoError(t, cs.SendMsg(mustStruct(t, req)))
	require.NoError(t, cs.CloseSend())
	return cs
}

func recv(t *testing.T, cs grpc.ClientStream) map[string]interface{} {
	t.Helper()
	out := new(structpb.Struct)
	require.NoError(t, cs.RecvMsg(out))
	return out.AsMap()
}

// recvUntil reads snapshots until ok accepts one. Intermediate snapshots
// may be skipped by the server.
func recvUntil(t *testing.T, cs grpc.ClientStream, ok func(map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	for {
		m := recv(t, cs)
		if ok(m) {
			return m
		}
	}
}

func recvErr(cs grpc.ClientStream) (map[string]interface{}, error) {
	out := new(structpb.Struct)
	if err := cs.RecvMsg(out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
