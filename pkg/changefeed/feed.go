// Package changefeed delivers row-level change notifications filtered by
// table and owning principal.
package changefeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Kind names the change carried by an event.
type Kind string

const (
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
)

// Well-known tables.
const (
	TableBookings = "bookings"
	TableSessions = "auth.sessions"
)

// Event is one change notification.
type Event struct {
	Table   string          `json:"table"`
	Kind    Kind            `json:"kind"`
	RowID   string          `json:"rowId,omitempty"`
	OwnerID string          `json:"ownerId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Filter selects events for a subscription. An empty OwnerID matches every row
// of the table.
type Filter struct {
	Table   string
	OwnerID string
}

// Match reports whether the event passes the filter.
func (f Filter) Match(ev Event) bool {
	if f.Table != "" && f.Table != ev.Table {
		return false
	}
	if f.OwnerID != "" && f.OwnerID != ev.OwnerID {
		return false
	}
	return true
}

// Publisher emits change events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber opens filtered subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, filter Filter) (*Subscription, error)
}

// Feed is a full change-feed transport.
type Feed interface {
	Publisher
	Subscriber
	Close() error
}

// Subscription streams matching events until Close is called or the context
// passed to Subscribe ends. The channel is closed afterwards.
type Subscription struct {
	events <-chan Event
	cancel context.CancelFunc
	done   <-chan struct{}
	once   sync.Once
}

func newSubscription(events <-chan Event, cancel context.CancelFunc, done <-chan struct{}) *Subscription {
	return &Subscription{events: events, cancel: cancel, done: done}
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close releases the subscription and waits for its delivery goroutine.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		if s.done != nil {
			<-s.done
		}
	})
}

// Stamp fills the event timestamp when absent.
func Stamp(ev Event) Event {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}

const ownerWildcard = "_"

func ownerSegment(ownerID string) string {
	if ownerID == "" {
		return ownerWildcard
	}
	return ownerID
}
