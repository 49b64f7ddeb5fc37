package store

import (
	"context"
	"errors"
	"time"

	"quickfix/pkg/domain"
)

var (
	// ErrBookingNotFound is returned when a delete or update targets no visible row.
	ErrBookingNotFound = errors.New("booking not found")
	// ErrOwnerRequired guards the ownership invariant on insert.
	ErrOwnerRequired = errors.New("booking owner is required")
)

// UserStore persists principals for the identity service.
type UserStore interface {
	SaveUser(ctx context.Context, p domain.Principal) error
	HasUserEmail(ctx context.Context, email string) (bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.Principal, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.Principal, bool, error)
	ListUsers(ctx context.Context) ([]domain.Principal, error)
	UserCount(ctx context.Context) (int, error)
}

// BookingQuery scopes a booking listing. An empty OwnerID lists every booking.
type BookingQuery struct {
	OwnerID string
}

// BookingStore persists bookings and the denormalized profiles.
type BookingStore interface {
	// InsertBooking assigns ID and CreatedAt and returns the stored row.
	InsertBooking(ctx context.Context, b domain.Booking) (domain.Booking, error)
	// ListBookings orders by booking date, newest first.
	ListBookings(ctx context.Context, q BookingQuery) ([]domain.Booking, error)
	GetBooking(ctx context.Context, id string) (domain.Booking, bool, error)
	// DeleteBooking removes the row. A non-empty ownerID restricts the delete to
	// that owner's rows.
	DeleteBooking(ctx context.Context, id, ownerID string) error
	SetBookingStatus(ctx context.Context, id string, status domain.BookingStatus) (domain.Booking, error)

	UpsertProfile(ctx context.Context, p domain.Profile) error
	GetProfile(ctx context.Context, id string) (domain.Profile, bool, error)
}

// Store is implemented by the Postgres and in-memory backends.
type Store interface {
	UserStore
	BookingStore
}

// SessionStore issues and resolves access tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user since a cutoff time.
type UserSessionRevoker interface {
	RevokeUserSessions(userID string, since time.Time) error
}

// JWK represents a JSON Web Key entry used by JWKS endpoints.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider is an optional capability exposed by session stores that can
// publish JSON Web Keys.
type JWKSProvider interface {
	JWKS() []JWK
}
