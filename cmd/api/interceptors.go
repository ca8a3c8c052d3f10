package main

import (
	"context"
	"strings"

	"github.com/PaulBabatuyi/huddle/internal/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// context key type for storing auth claims in context
type authContextKey struct{}

// tokenVerifier is implemented by auth.JWTManager and auth.Service.
type tokenVerifier interface {
	VerifyToken(token string) (*auth.Claims, error)
}

// methods that don't require authentication
var publicMethods = map[string]bool{
	fullMethod("SignUp"): true,
	fullMethod("SignIn"): true,
}

// getClaimsFromContext extracts auth claims from the context, if present.
func getClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	v := ctx.Value(authContextKey{})
	if v == nil {
		return nil, false
	}
	c, ok := v.(*auth.Claims)
	return c, ok
}

// authenticate verifies the bearer token in the incoming metadata and
// returns ctx with the claims attached.
func authenticate(ctx context.Context, j tokenVerifier) (context.Context, error) {
	// extract Authorization header from metadata
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
	}
	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		return nil, status.Errorf(codes.Unauthenticated, "missing authorization header")
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeaders[0], "Bearer"))
	if token == "" {
		return nil, status.Errorf(codes.Unauthenticated, "invalid token")
	}

	claims, err := j.VerifyToken(token)
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "unauthenticated: %v", err)
	}

	// attach claims into context for handlers
	return context.WithValue(ctx, authContextKey{}, claims), nil
}

// authUnaryInterceptor returns a UnaryServerInterceptor that enforces JWT authentication
// for all methods except the public ones (SignUp, SignIn).
func authUnaryInterceptor(j tokenVerifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		ctx, err := authenticate(ctx, j)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// authStreamInterceptor is the stream equivalent of authUnaryInterceptor.
func authStreamInterceptor(j tokenVerifier) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if publicMethods[info.FullMethod] {
			return handler(srv, ss)
		}

		ctx, err := authenticate(ss.Context(), j)
		if err != nil {
			return err
		}

		// wrap stream context with claims
		wrapped := grpcmiddlewareServerStream{ServerStream: ss, ctx: ctx}
		return handler(srv, wrapped)
	}
}

// grpcmiddlewareServerStream wraps grpc.ServerStream to override Context()
type grpcmiddlewareServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context (with claims)
func (g grpcmiddlewareServerStream) Context() context.Context { return g.ctx }
