package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/PaulBabatuyi/huddle/internal/apperr"
	"github.com/PaulBabatuyi/huddle/internal/data"
	"github.com/PaulBabatuyi/huddle/internal/normalize"
)

// MinPasswordLength is the shortest password SignUp accepts.
const MinPasswordLength = 8

// AccountStore persists credentials.
type AccountStore interface {
	CreateAccount(ctx context.Context, email, hashedPassword string) (*data.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*data.Account, error)
	GetAccountByID(ctx context.Context, id string) (*data.Account, error)
}

// EventType is an auth state change.
type EventType int

const (
	SignedUp EventType = iota
	SignedIn
	SignedOut
)

func (t EventType) String() string {
	switch t {
	case SignedUp:
		return "signed_up"
	case SignedIn:
		return "signed_in"
	default:
		return "signed_out"
	}
}

// Event is delivered to auth state listeners.
type Event struct {
	Type   EventType
	UserID string
	Email  string
}

// Session is the result of a successful sign-up or sign-in.
type Session struct {
	UserID    string
	Email     string
	Token     string
	ExpiresAt time.Time
}

// Service is the identity provider: it owns accounts, issues tokens and
// tells listeners when a user signs up, in or out.
type Service struct {
	accounts AccountStore
	tokens   *JWTManager

	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(context.Context, Event)
}

// NewService returns a Service issuing tokens with tokens.
func NewService(accounts AccountStore, tokens *JWTManager) *Service {
	return &Service{
		accounts:  accounts,
		tokens:    tokens,
		listeners: make(map[int]func(context.Context, Event)),
	}
}

// OnAuthStateChange registers fn for every later auth event and returns a
// function that removes it. Listeners run synchronously, in no particular
// order, on the goroutine of the call that caused the event.
func (s *Service) OnAuthStateChange(fn func(context.Context, Event)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Service) notify(ctx context.Context, ev Event) {
	s.mu.RLock()
	fns := make([]func(context.Context, Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(ctx, ev)
	}
}

// SignUp creates an account and signs it in.
func (s *Service) SignUp(ctx context.Context, email, password string) (*Session, error) {
	const op = "auth.sign_up"
	email = normalize.Email(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.Invalidf(op, "invalid email")
	}
	if len(password) < MinPasswordLength {
		return nil, apperr.Invalidf(op, "password must be at least %d characters", MinPasswordLength)
	}

	hashed, err := HashPassword(password)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unknown, op, err)
	}
	acct, err := s.accounts.CreateAccount(ctx, email, hashed)
	if err != nil {
		return nil, err
	}

	sess, err := s.session(op, acct)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, Event{Type: SignedUp, UserID: acct.ID, Email: acct.Email})
	return sess, nil
}

// SignIn checks credentials and issues a token. Unknown emails and wrong
// passwords fail the same way.
func (s *Service) SignIn(ctx context.Context, email, password string) (*Session, error) {
	const op = "auth.sign_in"
	acct, err := s.accounts.GetAccountByEmail(ctx, normalize.Email(email))
	if apperr.Is(err, apperr.NotFound) {
		return nil, apperr.New(apperr.Forbidden, op, "invalid credentials")
	}
	if err != nil {
		return nil, err
	}
	if err := CheckPassword(acct.Password, password); err != nil {
		return nil, apperr.New(apperr.Forbidden, op, "invalid credentials")
	}

	sess, err := s.session(op, acct)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, Event{Type: SignedIn, UserID: acct.ID, Email: acct.Email})
	return sess, nil
}

// SignOut announces that userID left. Tokens are stateless and stay valid
// until they expire.
func (s *Service) SignOut(ctx context.Context, userID string) error {
	acct, err := s.accounts.GetAccountByID(ctx, userID)
	if err != nil {
		return err
	}
	s.notify(ctx, Event{Type: SignedOut, UserID: acct.ID, Email: acct.Email})
	return nil
}

// VerifyToken returns the claims of a token issued by this service.
func (s *Service) VerifyToken(token string) (*Claims, error) {
	return s.tokens.VerifyToken(token)
}

func (s *Service) session(op string, acct *data.Account) (*Session, error) {
	token, expiresAt, err := s.tokens.GenerateToken(acct.ID, acct.Email)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unknown, op, err)
	}
	return &Session{UserID: acct.ID, Email: acct.Email, Token: token, ExpiresAt: expiresAt}, nil
}
