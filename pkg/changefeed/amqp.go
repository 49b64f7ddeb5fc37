package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultExchange = "quickfix.changes"

// AMQPFeed routes events through a RabbitMQ topic exchange.
// Routing key layout: <table>.<ownerID>.
type AMQPFeed struct {
	conn     *amqp.Connection
	exchange string

	mu  sync.Mutex
	pub *amqp.Channel
}

// NewAMQPFeed dials RabbitMQ and declares the topic exchange.
func NewAMQPFeed(url, exchange string) (*AMQPFeed, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("changefeed amqp url is required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = defaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := pub.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPFeed{conn: conn, exchange: exchange, pub: pub}, nil
}

// Publish sends ev with its table/owner routing key.
func (f *AMQPFeed) Publish(ctx context.Context, ev Event) error {
	ev = Stamp(ev)
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	err = f.pub.PublishWithContext(ctx, f.exchange, routingKey(ev.Table, ev.OwnerID), false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   ev.At,
		Body:        raw,
	})
	if err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe binds an exclusive auto-delete queue to the filter's binding key.
func (f *AMQPFeed) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	if strings.TrimSpace(filter.Table) == "" {
		return nil, errors.New("changefeed filter requires a table")
	}
	ch, err := f.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, bindingKey(filter), f.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume queue: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan Event, defaultBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-subCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal(d.Body, &ev); err != nil {
					slog.Warn("changefeed: drop malformed event", "routing_key", d.RoutingKey, "err", err)
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

// Close closes the broker connection.
func (f *AMQPFeed) Close() error {
	return f.conn.Close()
}

func routingKey(table, ownerID string) string {
	return table + "." + ownerSegment(ownerID)
}

func bindingKey(filter Filter) string {
	if filter.OwnerID == "" {
		return filter.Table + ".*"
	}
	return routingKey(filter.Table, filter.OwnerID)
}
