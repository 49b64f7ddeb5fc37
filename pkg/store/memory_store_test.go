package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"quickfix/pkg/changefeed"
	"quickfix/pkg/domain"
)

func TestMemoryStoreBookingOwnership(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.InsertBooking(ctx, domain.Booking{Name: "no owner"}); !errors.Is(err, ErrOwnerRequired) {
		t.Fatalf("expected owner required, got %v", err)
	}
	mine, err := s.InsertBooking(ctx, domain.Booking{OwnerID: "u1", BookingDate: "2026-10-20"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if mine.ID == "" || mine.CreatedAt.IsZero() || mine.Status != domain.BookingPending {
		t.Fatalf("expected id, created_at and pending status, got %+v", mine)
	}
	if _, err := s.InsertBooking(ctx, domain.Booking{OwnerID: "u2", BookingDate: "2026-10-21"}); err != nil {
		t.Fatalf("insert other: %v", err)
	}

	list, err := s.ListBookings(ctx, BookingQuery{OwnerID: "u1"})
	if err != nil || len(list) != 1 || list[0].ID != mine.ID {
		t.Fatalf("expected only own booking, got %v err=%v", list, err)
	}
	all, err := s.ListBookings(ctx, BookingQuery{})
	if err != nil || len(all) != 2 {
		t.Fatalf("expected two bookings, got %d err=%v", len(all), err)
	}
	if all[0].BookingDate != "2026-10-21" {
		t.Fatalf("expected newest booking date first, got %s", all[0].BookingDate)
	}

	if err := s.DeleteBooking(ctx, mine.ID, "u2"); !errors.Is(err, ErrBookingNotFound) {
		t.Fatalf("expected foreign delete to fail, got %v", err)
	}
	if err := s.DeleteBooking(ctx, mine.ID, "u1"); err != nil {
		t.Fatalf("delete own: %v", err)
	}
	if _, found, _ := s.GetBooking(ctx, mine.ID); found {
		t.Fatalf("booking should be gone")
	}
}

func TestMemoryStoreUsers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := domain.Principal{ID: "u1", Email: "a@example.com", CreatedAt: time.Now()}
	if err := s.SaveUser(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}
	p.Email = "b@example.com"
	if err := s.SaveUser(ctx, p); err != nil {
		t.Fatalf("save renamed: %v", err)
	}
	if ok, _ := s.HasUserEmail(ctx, "a@example.com"); ok {
		t.Fatalf("old email should be released")
	}
	got, found, err := s.GetUserByEmail(ctx, "b@example.com")
	if err != nil || !found || got.ID != "u1" {
		t.Fatalf("lookup by email: %+v found=%v err=%v", got, found, err)
	}
	if n, _ := s.UserCount(ctx); n != 1 {
		t.Fatalf("expected 1 user, got %d", n)
	}
}

func TestSortBookingsTieBreaksOnCreation(t *testing.T) {
	now := time.Now()
	list := []domain.Booking{
		{ID: "old", BookingDate: "2026-11-01", CreatedAt: now.Add(-time.Hour)},
		{ID: "earlier-date", BookingDate: "2026-10-01", CreatedAt: now},
		{ID: "new", BookingDate: "2026-11-01", CreatedAt: now},
	}
	SortBookings(list)
	want := []string{"new", "old", "earlier-date"}
	for i, id := range want {
		if list[i].ID != id {
			t.Fatalf("position %d: want %s got %s", i, id, list[i].ID)
		}
	}
}

func TestPublishingBookingStoreEmitsEvents(t *testing.T) {
	feed := changefeed.NewMemoryFeed()
	defer feed.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := feed.Subscribe(ctx, changefeed.Filter{Table: changefeed.TableBookings, OwnerID: "u1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	s := NewPublishingBookingStore(NewMemoryStore(), feed)
	b, err := s.InsertBooking(ctx, domain.Booking{OwnerID: "u1", BookingDate: "2026-10-20"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	ev := nextEvent(t, sub)
	if ev.Kind != changefeed.KindInsert || ev.RowID != b.ID {
		t.Fatalf("unexpected insert event: %+v", ev)
	}
	var payload domain.Booking
	if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.ID != b.ID {
		t.Fatalf("payload should carry the booking: %+v err=%v", payload, err)
	}

	if _, err := s.SetBookingStatus(ctx, b.ID, domain.BookingCompleted); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if ev := nextEvent(t, sub); ev.Kind != changefeed.KindUpdate {
		t.Fatalf("expected update, got %s", ev.Kind)
	}

	if err := s.DeleteBooking(ctx, b.ID, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ev := nextEvent(t, sub); ev.Kind != changefeed.KindDelete || ev.OwnerID != "u1" {
		t.Fatalf("unexpected delete event: %+v", ev)
	}

	if err := s.DeleteBooking(ctx, b.ID, "u1"); !errors.Is(err, ErrBookingNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("failed delete must not publish, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func nextEvent(t *testing.T, sub *changefeed.Subscription) changefeed.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for change event")
	}
	return changefeed.Event{}
}
