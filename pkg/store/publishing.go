package store

import (
	"context"
	"encoding/json"
	"log/slog"

	"quickfix/pkg/changefeed"
	"quickfix/pkg/domain"
)

// PublishingBookingStore emits a change event after every committed booking
// write. Publish failures are logged; the write itself already succeeded.
type PublishingBookingStore struct {
	BookingStore
	feed changefeed.Publisher
}

// NewPublishingBookingStore wraps inner so booking writes reach the change feed.
func NewPublishingBookingStore(inner BookingStore, feed changefeed.Publisher) *PublishingBookingStore {
	return &PublishingBookingStore{BookingStore: inner, feed: feed}
}

func (s *PublishingBookingStore) InsertBooking(ctx context.Context, b domain.Booking) (domain.Booking, error) {
	stored, err := s.BookingStore.InsertBooking(ctx, b)
	if err != nil {
		return stored, err
	}
	s.publish(ctx, changefeed.KindInsert, stored)
	return stored, nil
}

func (s *PublishingBookingStore) DeleteBooking(ctx context.Context, id, ownerID string) error {
	existing, found, err := s.BookingStore.GetBooking(ctx, id)
	if err != nil {
		return err
	}
	if err := s.BookingStore.DeleteBooking(ctx, id, ownerID); err != nil {
		return err
	}
	if !found {
		existing = domain.Booking{ID: id, OwnerID: ownerID}
	}
	s.publish(ctx, changefeed.KindDelete, existing)
	return nil
}

func (s *PublishingBookingStore) SetBookingStatus(ctx context.Context, id string, status domain.BookingStatus) (domain.Booking, error) {
	updated, err := s.BookingStore.SetBookingStatus(ctx, id, status)
	if err != nil {
		return updated, err
	}
	s.publish(ctx, changefeed.KindUpdate, updated)
	return updated, nil
}

func (s *PublishingBookingStore) publish(ctx context.Context, kind changefeed.Kind, b domain.Booking) {
	if s.feed == nil {
		return
	}
	payload, err := json.Marshal(b)
	if err != nil {
		slog.Warn("booking change event marshal failed", "booking_id", b.ID, "err", err)
		return
	}
	ev := changefeed.Event{
		Table:   changefeed.TableBookings,
		Kind:    kind,
		RowID:   b.ID,
		OwnerID: b.OwnerID,
		Payload: payload,
	}
	if err := s.feed.Publish(ctx, ev); err != nil {
		slog.Warn("booking change event publish failed", "booking_id", b.ID, "kind", kind, "err", err)
	}
}
