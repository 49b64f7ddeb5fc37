package changefeed

import (
	"fmt"
	"strings"
)

// Options selects and configures a feed transport.
type Options struct {
	Driver        string // memory | redis | amqp
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string
	AMQPURL       string
	AMQPExchange  string
}

// Open builds the transport named by opts.Driver. Redis is the default.
func Open(opts Options) (Feed, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "redis":
		return NewRedisFeed(opts.RedisAddr, opts.RedisPassword, opts.RedisPrefix)
	case "amqp", "rabbitmq":
		return NewAMQPFeed(opts.AMQPURL, opts.AMQPExchange)
	case "memory":
		return NewMemoryFeed(), nil
	default:
		return nil, fmt.Errorf("unknown changefeed driver %q", opts.Driver)
	}
}
