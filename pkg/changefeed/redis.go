package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "quickfix:changes"

// RedisFeed fans events out over Redis pub/sub.
// Channel layout: <prefix>:<table>:<ownerID>.
type RedisFeed struct {
	client *redis.Client
	prefix string
}

// NewRedisFeed connects a Redis-backed feed.
func NewRedisFeed(addr, password, prefix string) (*RedisFeed, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("changefeed redis addr is required")
	}
	return NewRedisFeedWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}), prefix), nil
}

// NewRedisFeedWithClient wraps an existing client.
func NewRedisFeedWithClient(client *redis.Client, prefix string) *RedisFeed {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisFeed{client: client, prefix: prefix}
}

// Publish sends ev to the owner channel of its table.
func (f *RedisFeed) Publish(ctx context.Context, ev Event) error {
	ev = Stamp(ev)
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := f.client.Publish(ctx, f.channel(ev.Table, ev.OwnerID), raw).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe listens on the owner channel, or every channel of the table when
// the filter has no owner.
func (f *RedisFeed) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	if strings.TrimSpace(filter.Table) == "" {
		return nil, errors.New("changefeed filter requires a table")
	}
	subCtx, cancel := context.WithCancel(ctx)
	var ps *redis.PubSub
	if filter.OwnerID != "" {
		ps = f.client.Subscribe(subCtx, f.channel(filter.Table, filter.OwnerID))
	} else {
		ps = f.client.PSubscribe(subCtx, f.prefix+":"+filter.Table+":*")
	}
	// Wait for the subscribe confirmation so no event published after return is lost.
	if _, err := ps.Receive(subCtx); err != nil {
		_ = ps.Close()
		cancel()
		return nil, fmt.Errorf("subscribe change feed: %w", err)
	}

	out := make(chan Event, defaultBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("changefeed: drop malformed event", "channel", msg.Channel, "err", err)
					continue
				}
				if !filter.Match(ev) {
					continue
				}
				select {
				case out <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return newSubscription(out, cancel, done), nil
}

// Close closes the Redis client.
func (f *RedisFeed) Close() error {
	return f.client.Close()
}

func (f *RedisFeed) channel(table, ownerID string) string {
	return f.prefix + ":" + table + ":" + ownerSegment(ownerID)
}
