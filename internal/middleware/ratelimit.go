package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/PaulBabatuyi/huddle/internal/normalize"
	"github.com/PaulBabatuyi/huddle/internal/observability"
)

// idleTTL is how long a key's limiter survives without requests.
const idleTTL = 10 * time.Minute

// LimiterStore holds one token bucket per limiter key ("email:<address>" for
// credential requests, the peer address otherwise). Idle keys are evicted
// every cleanupInterval.
type LimiterStore struct {
	mu              sync.Mutex
	limit           rate.Limit
	burst           int
	clients         map[string]*clientEntry
	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
}

// clientEntry is a key's bucket and when it was last used.
type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiterStore starts a store refilling limitPerMinute tokens per key each
// minute, up to burst. A non-positive limit means 60. Call Stop to end the
// cleanup goroutine.
func NewLimiterStore(limitPerMinute int, burst int, cleanupInterval time.Duration) *LimiterStore {
	if limitPerMinute <= 0 {
		limitPerMinute = 60
	}
	s := &LimiterStore{
		limit:           rate.Every(time.Minute / time.Duration(limitPerMinute)),
		burst:           burst,
		clients:         map[string]*clientEntry{},
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *LimiterStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-idleTTL)
			s.mu.Lock()
			for k, v := range s.clients {
				if v.lastSeen.Before(cutoff) {
					delete(s.clients, k)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (s *LimiterStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// getLimiter returns key's limiter, creating it on first use.
func (s *LimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.clients[key]; ok {
		e.lastSeen = time.Now()
		return e.limiter
	}
	limiter := rate.NewLimiter(s.limit, s.burst)
	s.clients[key] = &clientEntry{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

// Allow takes a token from key's bucket and reports whether one was left.
func (s *LimiterStore) Allow(key string) bool {
	l := s.getLimiter(key)
	return l.Allow()
}

// RateLimitUnaryInterceptor limits the methods in limitedMethods (SignUp and
// SignIn in production). A Struct request carrying an "email" field is keyed
// by the normalized address so one account cannot be hammered from many
// peers; requests without one are keyed by the peer address. Rejections
// answer ResourceExhausted and are counted.
func RateLimitUnaryInterceptor(store *LimiterStore, limitedMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		// unlisted methods are not limited
		if !limitedMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		if !store.Allow(limitKey(ctx, req)) {
			observability.IncRateLimited(info.FullMethod)
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded")
		}

		return handler(ctx, req)
	}
}

// limitKey returns "email:<normalized>" for a request carrying an email, else
// the peer address, else "unknown".
func limitKey(ctx context.Context, req interface{}) string {
	if e := requestEmail(req); e != "" {
		return fmt.Sprintf("email:%s", normalize.Email(e))
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

// requestEmail reads the "email" string field of a Struct request.
func requestEmail(req interface{}) string {
	r, ok := req.(*structpb.Struct)
	if !ok {
		return ""
	}
	return r.GetFields()["email"].GetStringValue()
}
