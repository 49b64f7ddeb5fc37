package booking

import (
	"context"
	"fmt"
	"sync"

	"quickfix/internal/util"
	"quickfix/pkg/changefeed"
	"quickfix/pkg/domain"
)

// View is a live booking list for one principal and scope. It keeps the
// bookings in an arena keyed by id plus the display order.
type View struct {
	lister    *Lister
	feed      changefeed.Subscriber
	scope     Scope
	principal domain.Principal

	mu    sync.Mutex
	arena map[string]domain.Booking
	order []string
	sub   *changefeed.Subscription
}

// NewView builds an empty view. Call Load to populate it.
func (l *Lister) NewView(scope Scope, principal domain.Principal, feed changefeed.Subscriber) *View {
	return &View{
		lister:    l,
		feed:      feed,
		scope:     scope,
		principal: principal,
		arena:     make(map[string]domain.Booking),
	}
}

// Load re-fetches the whole list. On failure the previous list is kept and
// returned alongside the error.
func (v *View) Load(ctx context.Context) ([]domain.Booking, error) {
	items, err := v.lister.List(ctx, v.scope, &v.principal)
	if err != nil {
		return v.Bookings(), err
	}
	v.replace(items)
	return v.Bookings(), nil
}

// Bookings returns a snapshot in display order.
func (v *View) Bookings() []domain.Booking {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.Booking, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.arena[id])
	}
	return out
}

// Subscribe opens the change-feed subscription that Watch follows. Call it
// before the initial Load so a change committed in between still triggers a
// re-fetch. Close releases it.
func (v *View) Subscribe(ctx context.Context) error {
	if v.feed == nil {
		return fmt.Errorf("booking view: no change feed configured")
	}
	owner, err := v.lister.ownerFilter(ctx, v.scope, &v.principal)
	if err != nil {
		return err
	}
	sub, err := v.feed.Subscribe(ctx, changefeed.Filter{Table: changefeed.TableBookings, OwnerID: owner})
	if err != nil {
		return &StoreError{Op: "subscribe bookings", Err: err}
	}
	v.mu.Lock()
	prev := v.sub
	v.sub = sub
	v.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return nil
}

// Close releases the change-feed subscription, if any.
func (v *View) Close() {
	v.mu.Lock()
	sub := v.sub
	v.sub = nil
	v.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// Watch follows the change feed until ctx ends or the feed closes. Every
// change triggers a full re-fetch whose outcome is passed to onChange.
// Events that queue up during a re-fetch are folded into the next one.
// Watch subscribes itself when Subscribe was not called first.
func (v *View) Watch(ctx context.Context, onChange func([]domain.Booking, error)) error {
	v.mu.Lock()
	sub := v.sub
	v.mu.Unlock()
	if sub == nil {
		if err := v.Subscribe(ctx); err != nil {
			return err
		}
		v.mu.Lock()
		sub = v.sub
		v.mu.Unlock()
	}
	defer v.Close()

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				return nil
			}
			drained := drain(events)
			util.LoggerFromContext(ctx).Debug("booking change received", "user_id", v.principal.ID, "scope", v.scope, "coalesced", drained)
			items, err := v.Load(ctx)
			if ctx.Err() != nil {
				return nil
			}
			onChange(items, err)
		}
	}
}

// Delete removes a booking. Success drops it from the local list without a
// re-fetch; failure reloads the list from the store so no phantom removal
// survives.
func (v *View) Delete(ctx context.Context, id string) ([]domain.Booking, error) {
	owner, err := v.lister.ownerFilter(ctx, v.scope, &v.principal)
	if err != nil {
		return v.Bookings(), err
	}
	if err := v.lister.store.DeleteBooking(ctx, id, owner); err != nil {
		if _, loadErr := v.Load(ctx); loadErr != nil {
			util.LoggerFromContext(ctx).Warn("reload after failed delete failed", "booking_id", id, "err", loadErr)
		}
		return v.Bookings(), &StoreError{Op: "delete booking", Err: err}
	}
	v.remove(id)
	return v.Bookings(), nil
}

func (v *View) replace(items []domain.Booking) {
	arena := make(map[string]domain.Booking, len(items))
	order := make([]string, 0, len(items))
	for _, b := range items {
		if _, dup := arena[b.ID]; !dup {
			order = append(order, b.ID)
		}
		arena[b.ID] = b
	}
	v.mu.Lock()
	v.arena, v.order = arena, order
	v.mu.Unlock()
}

func (v *View) remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.arena[id]; !ok {
		return
	}
	delete(v.arena, id)
	for i, existing := range v.order {
		if existing == id {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
}

func drain(events <-chan changefeed.Event) int {
	n := 0
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
