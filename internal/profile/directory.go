// Package profile owns user profile documents: creation by merge-upsert,
// username derivation, uniqueness checks, search and QR lookups.
package profile

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/PaulBabatuyi/huddle/internal/apperr"
	"github.com/PaulBabatuyi/huddle/internal/data"
	"github.com/PaulBabatuyi/huddle/internal/events"
	"github.com/PaulBabatuyi/huddle/internal/normalize"
	"github.com/PaulBabatuyi/huddle/internal/qr"
)

var tracer = otel.Tracer("github.com/PaulBabatuyi/huddle/internal/profile")

// SearchLimit caps the number of username prefix hits returned by SearchUsers.
const SearchLimit = 20

// Store is the profile persistence the directory needs.
type Store interface {
	GetProfile(ctx context.Context, id string) (*data.Profile, error)
	UpsertProfile(ctx context.Context, id string, u *data.ProfileUpdate) (*data.Profile, error)
	UpdateProfile(ctx context.Context, id string, u *data.ProfileUpdate) error
	FindProfileByEmail(ctx context.Context, email string) (*data.Profile, error)
	FindProfileByUsername(ctx context.Context, username string) (*data.Profile, error)
	FindProfilesByUsernamePrefix(ctx context.Context, prefix string, limit int) ([]*data.Profile, error)
}

// Fields is a partial profile. Nil fields are stripped before persisting.
type Fields struct {
	Email       *string
	Username    *string
	DisplayName *string
	PhotoURL    *string
	Status      *string
}

// Directory is the profile service.
type Directory struct {
	store  Store
	events *events.Emitter
	now    func() time.Time
}

// NewDirectory returns a Directory over store. em may be nil.
func NewDirectory(store Store, em *events.Emitter) *Directory {
	return &Directory{store: store, events: em, now: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }}
}

func validUserID(op, id string) error {
	if !normalize.ValidID(id) {
		return apperr.Invalidf(op, "invalid user id %q", id)
	}
	return nil
}

// UpsertProfile merge-writes in into the profile of userID, creating it if
// needed. When no username is given, the email is known and the profile has
// no username yet, one is derived from the email's local part. The QR token
// is always reset to userID and lastSeen is stamped.
func (d *Directory) UpsertProfile(ctx context.Context, userID string, in Fields) (*data.Profile, error) {
	const op = "profile.upsert"
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	if err := validUserID(op, userID); err != nil {
		return nil, err
	}

	existing, err := d.store.GetProfile(ctx, userID)
	if err != nil && !apperr.Is(err, apperr.NotFound) {
		return nil, err
	}

	u, err := d.prepare(ctx, op, userID, in)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if u.Username == nil && (existing == nil || existing.Username == "") {
		email := ""
		if u.Email != nil {
			email = *u.Email
		} else if existing != nil {
			email = existing.Email
		}
		if email != "" {
			username, err := d.deriveUsername(ctx, email)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			u.Username = &username
			span.SetAttributes(attribute.Bool("profile.username_derived", true))
		}
	}

	now := d.now()
	qr := userID
	u.QRCode = &qr
	u.LastSeen = &now
	u.UpdatedAt = now

	p, err := d.store.UpsertProfile(ctx, userID, u)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	d.events.Emit(ctx, events.ProfileUpserted, userID, "", nil)
	return p, nil
}

// prepare normalizes in and rejects an email or username owned by another
// profile.
func (d *Directory) prepare(ctx context.Context, op, userID string, in Fields) (*data.ProfileUpdate, error) {
	u := &data.ProfileUpdate{
		DisplayName: in.DisplayName,
		PhotoURL:    in.PhotoURL,
		Status:      in.Status,
	}

	if in.Email != nil {
		email := normalize.Email(*in.Email)
		if email == "" || !strings.Contains(email, "@") {
			return nil, apperr.Invalidf(op, "invalid email %q", *in.Email)
		}
		owner, err := d.store.FindProfileByEmail(ctx, email)
		switch {
		case err == nil && owner.ID != userID:
			return nil, apperr.Wrap(apperr.Conflict, op, apperr.ErrEmailTaken)
		case err != nil && !apperr.Is(err, apperr.NotFound):
			return nil, err
		}
		u.Email = &email
	}

	if in.Username != nil {
		username := normalize.Username(*in.Username)
		if username == "" {
			return nil, apperr.Invalidf(op, "username must not be empty")
		}
		owner, err := d.store.FindProfileByUsername(ctx, username)
		switch {
		case err == nil && owner.ID != userID:
			return nil, apperr.Wrap(apperr.Conflict, op, apperr.ErrUsernameTaken)
		case err != nil && !apperr.Is(err, apperr.NotFound):
			return nil, err
		}
		u.Username = &username
	}

	return u, nil
}

// deriveUsername tries base, base1, base2, ... and returns the first name
// not in use. The search is sequential and reserves nothing, so two concurrent
// registrations with the same local part can both pick the same candidate.
func (d *Directory) deriveUsername(ctx context.Context, email string) (string, error) {
	base := normalize.LocalPart(email)
	if base == "" {
		base = "user"
	}

	candidate := base
	for i := 1; ; i++ {
		taken, err := d.IsUsernameTaken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = base + strconv.Itoa(i)
	}
}

// IsUsernameTaken reports whether a profile already uses username.
func (d *Directory) IsUsernameTaken(ctx context.Context, username string) (bool, error) {
	_, err := d.store.FindProfileByUsername(ctx, normalize.Username(username))
	if err == nil {
		return true, nil
	}
	if apperr.Is(err, apperr.NotFound) {
		return false, nil
	}
	return false, err
}

// GetProfile returns the profile of userID.
func (d *Directory) GetProfile(ctx context.Context, userID string) (*data.Profile, error) {
	return d.store.GetProfile(ctx, userID)
}

// SearchUsers finds profiles by exact email when query contains '@', and
// otherwise by username prefix, falling back to a literal id lookup when no
// username matches.
func (d *Directory) SearchUsers(ctx context.Context, query string) ([]*data.Profile, error) {
	query = strings.TrimSpace(query)
	ctx, span := tracer.Start(ctx, "profile.search", trace.WithAttributes(
		attribute.Int("search.query_len", len(query)),
		attribute.Bool("search.by_email", strings.Contains(query, "@")),
	))
	defer span.End()

	hits, err := d.search(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("search.results", len(hits)))
	return hits, nil
}

func (d *Directory) search(ctx context.Context, query string) ([]*data.Profile, error) {
	if query == "" {
		return nil, nil
	}

	if strings.Contains(query, "@") {
		p, err := d.store.FindProfileByEmail(ctx, normalize.Email(query))
		if apperr.Is(err, apperr.NotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []*data.Profile{p}, nil
	}

	hits, err := d.store.FindProfilesByUsernamePrefix(ctx, normalize.Username(query), SearchLimit)
	if err != nil {
		return nil, err
	}
	if len(hits) > 0 {
		return hits, nil
	}

	p, err := d.store.GetProfile(ctx, query)
	if apperr.Is(err, apperr.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []*data.Profile{p}, nil
}

// UpdateProfile overwrites the given fields of an existing profile.
func (d *Directory) UpdateProfile(ctx context.Context, userID string, in Fields) error {
	const op = "profile.update"
	u, err := d.prepare(ctx, op, userID, in)
	if err != nil {
		return err
	}
	u.UpdatedAt = d.now()
	return d.store.UpdateProfile(ctx, userID, u)
}

// UpdateLastSeen stamps the profile's lastSeen with the current time.
func (d *Directory) UpdateLastSeen(ctx context.Context, userID string) error {
	now := d.now()
	return d.store.UpdateProfile(ctx, userID, &data.ProfileUpdate{LastSeen: &now, UpdatedAt: now})
}

// GetUserByQRCode resolves a scanned QR token. The token is the user id.
func (d *Directory) GetUserByQRCode(ctx context.Context, token string) (*data.Profile, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.Invalidf("profile.qr_lookup", "empty qr token")
	}
	p, err := d.store.GetProfile(ctx, token)
	if apperr.Is(err, apperr.NotFound) {
		return nil, apperr.NotFoundf("profile.qr_lookup", "no user for qr token")
	}
	return p, err
}

// QRCodePNG renders the profile's QR token as a PNG of size pixels.
func (d *Directory) QRCodePNG(ctx context.Context, userID string, size int) ([]byte, error) {
	p, err := d.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	token := p.QRCode
	if token == "" {
		token = p.ID
	}
	return qr.EncodePNG(token, size)
}
