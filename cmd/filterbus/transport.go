package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fxsml/filterbus/config"
	"github.com/fxsml/filterbus/transport"
	"github.com/fxsml/filterbus/transport/amqp"
	"github.com/fxsml/filterbus/transport/kafka"
	"github.com/fxsml/filterbus/transport/nats"
	"github.com/fxsml/filterbus/transport/redis"
)

// brokerTransport sends, publishes and receives.
type brokerTransport interface {
	transport.Transport
	transport.Receiver
	io.Closer
}

// openTransport connects to the broker selected by cfg.
func openTransport(cfg *config.Config, logger *slog.Logger) (brokerTransport, error) {
	t := cfg.Transport
	switch t.Kind {
	case config.TransportMemory:
		return transport.NewMemory(transport.MemoryConfig{}), nil
	case config.TransportNATS:
		return nats.New(nats.Config{
			URL:           t.URL,
			SubjectPrefix: t.Prefix,
			Logger:        logger,
		})
	case config.TransportAMQP:
		return amqp.Dial(t.URL, amqp.Config{
			Exchange: t.Prefix,
			Logger:   logger,
		})
	case config.TransportKafka:
		return kafka.New(kafka.Config{
			Brokers:     t.Brokers,
			TopicPrefix: t.Prefix,
			Logger:      logger,
		})
	case config.TransportRedis:
		opts, err := goredis.ParseURL(t.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		client := goredis.NewClient(opts)
		return &redisTransport{
			Transport: redis.New(client, redis.Config{
				KeyPrefix: t.Prefix,
				Block:     time.Second,
				Logger:    logger,
			}),
			client: client,
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", t.Kind)
	}
}

// redisTransport owns the client it was created with.
type redisTransport struct {
	*redis.Transport
	client *goredis.Client
}

func (t *redisTransport) Close() error {
	return errors.Join(t.Transport.Close(), t.client.Close())
}
