package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"quickfix/pkg/domain"
)

// MemoryStore keeps users, bookings and profiles in-process. Used for local
// runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.Principal // key: user ID
	email    map[string]string           // email -> user ID
	bookings map[string]domain.Booking
	profiles map[string]domain.Profile
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.Principal),
		email:    make(map[string]string),
		bookings: make(map[string]domain.Booking),
		profiles: make(map[string]domain.Profile),
	}
}

func (m *MemoryStore) SaveUser(_ context.Context, p domain.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.users[p.ID]; ok && prev.Email != p.Email {
		delete(m.email, prev.Email)
	}
	m.users[p.ID] = p
	m.email[p.Email] = p.ID
	return nil
}

func (m *MemoryStore) HasUserEmail(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.Principal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.Principal{}, false, nil
	}
	p, ok := m.users[id]
	return p, ok, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.Principal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.users[id]
	return p, ok, nil
}

func (m *MemoryStore) ListUsers(_ context.Context) ([]domain.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Principal, 0, len(m.users))
	for _, p := range m.users {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) UserCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

func (m *MemoryStore) InsertBooking(_ context.Context, b domain.Booking) (domain.Booking, error) {
	if strings.TrimSpace(b.OwnerID) == "" {
		return domain.Booking{}, ErrOwnerRequired
	}
	b.ID = uuid.NewString()
	b.CreatedAt = time.Now().UTC()
	if b.Status == "" {
		b.Status = domain.BookingPending
	}
	m.mu.Lock()
	m.bookings[b.ID] = b
	m.mu.Unlock()
	return b, nil
}

func (m *MemoryStore) ListBookings(_ context.Context, q BookingQuery) ([]domain.Booking, error) {
	m.mu.RLock()
	res := make([]domain.Booking, 0, len(m.bookings))
	for _, b := range m.bookings {
		if q.OwnerID != "" && b.OwnerID != q.OwnerID {
			continue
		}
		res = append(res, b)
	}
	m.mu.RUnlock()
	SortBookings(res)
	return res, nil
}

func (m *MemoryStore) GetBooking(_ context.Context, id string) (domain.Booking, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	return b, ok, nil
}

func (m *MemoryStore) DeleteBooking(_ context.Context, id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok || (ownerID != "" && b.OwnerID != ownerID) {
		return ErrBookingNotFound
	}
	delete(m.bookings, id)
	return nil
}

func (m *MemoryStore) SetBookingStatus(_ context.Context, id string, status domain.BookingStatus) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, ErrBookingNotFound
	}
	b.Status = status
	m.bookings[id] = b
	return b, nil
}

func (m *MemoryStore) UpsertProfile(_ context.Context, p domain.Profile) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.profiles[p.ID] = p
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetProfile(_ context.Context, id string) (domain.Profile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	return p, ok, nil
}

// SortBookings orders by booking date then creation time, newest first.
func SortBookings(list []domain.Booking) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].BookingDate != list[j].BookingDate {
			return list[i].BookingDate > list[j].BookingDate
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
