package changefeed

import (
	"context"
	"errors"
	"sync"
)

const defaultBuffer = 16

// MemoryFeed is an in-process feed (single instance only).
type MemoryFeed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*memorySub
	closed bool
}

type memorySub struct {
	filter Filter
	ch     chan Event
}

// NewMemoryFeed builds an empty in-memory feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[int]*memorySub)}
}

// Publish delivers ev to every matching subscriber. A subscriber whose buffer
// is full misses the event; pending events already force a re-read.
func (f *MemoryFeed) Publish(_ context.Context, ev Event) error {
	ev = Stamp(ev)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("changefeed closed")
	}
	for _, sub := range f.subs {
		if !sub.filter.Match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a filtered subscriber.
func (f *MemoryFeed) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errors.New("changefeed closed")
	}
	id := f.nextID
	f.nextID++
	sub := &memorySub{filter: filter, ch: make(chan Event, defaultBuffer)}
	f.subs[id] = sub
	f.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-subCtx.Done()
		f.remove(id)
	}()
	return newSubscription(sub.ch, cancel, done), nil
}

// Subscribers returns the number of live subscriptions.
func (f *MemoryFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close drops every subscriber.
func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for id, sub := range f.subs {
		close(sub.ch)
		delete(f.subs, id)
	}
	return nil
}

func (f *MemoryFeed) remove(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return
	}
	close(sub.ch)
	delete(f.subs, id)
}
