// Package booking implements booking submission, ownership-scoped listing,
// the live booking view and deletion for the gateway.
package booking

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"quickfix/internal/util"
	"quickfix/pkg/domain"
	"quickfix/pkg/store"
)

// Submitter validates and persists booking forms.
type Submitter struct {
	store    store.BookingStore
	validate *validator.Validate
	loc      *time.Location
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// SubmitterOption customizes a Submitter.
type SubmitterOption func(*Submitter)

// WithLocation sets the time zone used for the booking date window.
func WithLocation(loc *time.Location) SubmitterOption {
	return func(s *Submitter) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SubmitterOption {
	return func(s *Submitter) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSubmitter builds a Submitter over st.
func NewSubmitter(st store.BookingStore, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		store:    st,
		loc:      time.UTC,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.validate = newValidator(s.today)
	return s
}

func (s *Submitter) today() time.Time {
	n := s.now().In(s.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, s.loc)
}

// Submit validates form, inserts a pending booking owned by principal and
// refreshes the principal's profile. A failed profile upsert is logged and
// the booking is kept.
func (s *Submitter) Submit(ctx context.Context, principal *domain.Principal, form domain.BookingForm) (domain.Booking, error) {
	form = normalizeForm(form)
	if err := validateForm(s.validate, form); err != nil {
		return domain.Booking{}, err
	}
	if principal == nil || principal.ID == "" {
		return domain.Booking{}, ErrAuthRequired
	}
	if !s.acquire(principal.ID) {
		return domain.Booking{}, ErrSubmissionInFlight
	}
	defer s.release(principal.ID)

	created, err := s.store.InsertBooking(ctx, domain.Booking{
		OwnerID:      principal.ID,
		Name:         form.Name,
		Email:        form.Email,
		Phone:        form.Phone,
		VehicleMake:  form.VehicleMake,
		VehicleModel: form.VehicleModel,
		VehicleYear:  form.VehicleYear,
		ServiceType:  form.ServiceType,
		BookingDate:  form.Date,
		Address:      form.Address,
		Area:         form.Area,
		ServiceMode:  domain.ServiceMode(form.ServiceMode),
		Description:  form.Description,
		Status:       domain.BookingPending,
	})
	if err != nil {
		return domain.Booking{}, &StoreError{Op: "insert booking", Err: err}
	}

	if err := s.store.UpsertProfile(ctx, profileFor(*principal, form, s.now().UTC())); err != nil {
		util.LoggerFromContext(ctx).Warn("profile upsert failed", "user_id", principal.ID, "booking_id", created.ID, "err", err)
	}
	return created, nil
}

func (s *Submitter) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Submitter) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// profileFor prefers values already on the principal's metadata.
func profileFor(p domain.Principal, form domain.BookingForm, now time.Time) domain.Profile {
	first, last := splitName(form.Name)
	return domain.Profile{
		ID:          p.ID,
		FirstName:   preferMeta(p, domain.MetaFirstName, first),
		LastName:    preferMeta(p, domain.MetaLastName, last),
		PhoneNumber: preferMeta(p, domain.MetaPhone, form.Phone),
		UpdatedAt:   now,
	}
}

func preferMeta(p domain.Principal, key, fallback string) string {
	if v := strings.TrimSpace(p.Metadata[key]); v != "" {
		return v
	}
	return fallback
}

// splitName splits on the first whitespace run.
func splitName(name string) (first, last string) {
	name = strings.TrimSpace(name)
	idx := strings.IndexFunc(name, func(r rune) bool { return r == ' ' || r == '\t' })
	if idx < 0 {
		return name, ""
	}
	return name[:idx], strings.TrimSpace(name[idx:])
}
