package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFilterMatch(t *testing.T) {
	ev := Event{Table: TableBookings, OwnerID: "user-1"}
	cases := []struct {
		filter Filter
		want   bool
	}{
		{Filter{Table: TableBookings}, true},
		{Filter{Table: TableBookings, OwnerID: "user-1"}, true},
		{Filter{Table: TableBookings, OwnerID: "user-2"}, false},
		{Filter{Table: TableSessions}, false},
	}
	for _, tc := range cases {
		if got := tc.filter.Match(ev); got != tc.want {
			t.Fatalf("Match(%+v) = %v, want %v", tc.filter, got, tc.want)
		}
	}
}

func TestMemoryFeedOwnerFilter(t *testing.T) {
	feed := NewMemoryFeed()
	ctx := context.Background()
	sub, err := feed.Subscribe(ctx, Filter{Table: TableBookings, OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	_ = feed.Publish(ctx, Event{Table: TableBookings, Kind: KindInsert, OwnerID: "user-2", RowID: "b-other"})
	_ = feed.Publish(ctx, Event{Table: TableBookings, Kind: KindInsert, OwnerID: "user-1", RowID: "b-mine"})

	ev := receive(t, sub)
	if ev.RowID != "b-mine" {
		t.Fatalf("expected own event, got %+v", ev)
	}
	if ev.At.IsZero() {
		t.Fatalf("expected published event to be stamped")
	}
}

func TestMemoryFeedCloseReleasesSubscriber(t *testing.T) {
	feed := NewMemoryFeed()
	sub, err := feed.Subscribe(context.Background(), Filter{Table: TableBookings})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if feed.Subscribers() != 1 {
		t.Fatalf("expected one subscriber")
	}
	sub.Close()
	if feed.Subscribers() != 0 {
		t.Fatalf("expected subscriber released, got %d", feed.Subscribers())
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("expected closed channel")
	}
}

func TestRedisFeedDeliversOwnerAndTableEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	feed, err := NewRedisFeed(mr.Addr(), "", "test:changes")
	if err != nil {
		t.Fatalf("new redis feed: %v", err)
	}
	defer feed.Close()
	ctx := context.Background()

	mine, err := feed.Subscribe(ctx, Filter{Table: TableBookings, OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("subscribe owner: %v", err)
	}
	defer mine.Close()
	all, err := feed.Subscribe(ctx, Filter{Table: TableBookings})
	if err != nil {
		t.Fatalf("subscribe table: %v", err)
	}
	defer all.Close()

	if err := feed.Publish(ctx, Event{Table: TableBookings, Kind: KindDelete, OwnerID: "user-2", RowID: "b-2"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := feed.Publish(ctx, Event{Table: TableBookings, Kind: KindInsert, OwnerID: "user-1", RowID: "b-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if ev := receive(t, mine); ev.RowID != "b-1" || ev.Kind != KindInsert {
		t.Fatalf("unexpected owner event: %+v", ev)
	}
	first, second := receive(t, all), receive(t, all)
	if first.RowID != "b-2" || second.RowID != "b-1" {
		t.Fatalf("unexpected table events: %+v %+v", first, second)
	}
}

func TestRoutingKeys(t *testing.T) {
	if got := routingKey(TableBookings, "u1"); got != "bookings.u1" {
		t.Fatalf("routing key = %q", got)
	}
	if got := routingKey(TableBookings, ""); got != "bookings._" {
		t.Fatalf("routing key without owner = %q", got)
	}
	if got := bindingKey(Filter{Table: TableSessions}); got != "auth.sessions.*" {
		t.Fatalf("binding key = %q", got)
	}
	if got := bindingKey(Filter{Table: TableBookings, OwnerID: "u1"}); got != "bookings.u1" {
		t.Fatalf("owner binding key = %q", got)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Options{Driver: "kafka"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	feed, err := Open(Options{Driver: "memory"})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	_ = feed.Close()
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}
