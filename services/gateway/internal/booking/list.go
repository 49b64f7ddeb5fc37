package booking

import (
	"context"
	"strings"

	"quickfix/pkg/domain"
	"quickfix/pkg/store"
)

// Scope selects which bookings a listing covers.
type Scope string

const (
	ScopeMine Scope = "mine"
	ScopeAll  Scope = "all"
)

// ParseScope accepts "mine" (the default) and "all".
func ParseScope(raw string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ScopeMine:
		return ScopeMine, nil
	case ScopeAll:
		return ScopeAll, nil
	default:
		return "", ErrInvalidScope
	}
}

// Lister reads bookings scoped to a principal.
type Lister struct {
	store  store.BookingStore
	access *OperatorAccess
}

// NewLister builds a Lister.
func NewLister(st store.BookingStore, access *OperatorAccess) *Lister {
	return &Lister{store: st, access: access}
}

// List returns the principal's bookings, or every booking for an operator
// with scope all. Order is booking date then creation time, newest first.
func (l *Lister) List(ctx context.Context, scope Scope, principal *domain.Principal) ([]domain.Booking, error) {
	owner, err := l.ownerFilter(ctx, scope, principal)
	if err != nil {
		return nil, err
	}
	items, err := l.store.ListBookings(ctx, store.BookingQuery{OwnerID: owner})
	if err != nil {
		return nil, &StoreError{Op: "list bookings", Err: err}
	}
	return items, nil
}

// SetStatus changes a booking's status. Operators only; any known status may
// follow any other.
func (l *Lister) SetStatus(ctx context.Context, principal *domain.Principal, id string, status domain.BookingStatus) (domain.Booking, error) {
	if _, err := l.ownerFilter(ctx, ScopeAll, principal); err != nil {
		return domain.Booking{}, err
	}
	if !status.Valid() {
		return domain.Booking{}, &ValidationError{Fields: map[string]string{"status": "must be pending, completed or cancelled"}}
	}
	updated, err := l.store.SetBookingStatus(ctx, id, status)
	if err != nil {
		return domain.Booking{}, &StoreError{Op: "set booking status", Err: err}
	}
	return updated, nil
}

// ownerFilter returns the owner restriction for scope. An empty result means
// unrestricted.
func (l *Lister) ownerFilter(ctx context.Context, scope Scope, principal *domain.Principal) (string, error) {
	if principal == nil || principal.ID == "" {
		return "", ErrAuthRequired
	}
	switch scope {
	case ScopeMine:
		return principal.ID, nil
	case ScopeAll:
		if !l.access.Allowed(ctx, *principal) {
			return "", ErrForbidden
		}
		return "", nil
	default:
		return "", ErrInvalidScope
	}
}
