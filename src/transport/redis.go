package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/madonna/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisEnvelope wraps a frame with the originating instance ID so that an
// instance can skip frames it published itself.
type redisEnvelope struct {
	InstanceID string          `json:"instance_id"`
	Message    json.RawMessage `json:"message"`
}

// RedisDialer reads realtime frames from a Redis pub/sub channel. Inbound
// frames arrive on <prefix>events, outbound frames are published to
// <prefix>outbound.
type RedisDialer struct {
	client     *redis.Client
	prefix     string
	instanceID string
	logger     zerolog.Logger

	// WriteTimeout bounds each publish. The client must have
	// ContextTimeoutEnabled for the deadline to reach the socket.
	WriteTimeout time.Duration
}

// NewRedisDialer creates a dialer on an existing client.
func NewRedisDialer(client *redis.Client, prefix string, logger zerolog.Logger) *RedisDialer {
	return &RedisDialer{
		client:     client,
		prefix:     prefix,
		instanceID:   uuid.New().String(),
		logger:       logger.With().Str("component", "redis-transport").Logger(),
		WriteTimeout: 10 * time.Second,
	}
}

// InstanceID identifies frames published by this process.
func (d *RedisDialer) InstanceID() string { return d.instanceID }

func (d *RedisDialer) eventsChannel() string   { return d.prefix + "events" }
func (d *RedisDialer) outboundChannel() string { return d.prefix + "outbound" }

// Dial subscribes to the events channel and waits for confirmation.
func (d *RedisDialer) Dial(ctx context.Context) (types.Conn, error) {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	sub := d.client.Subscribe(ctx, d.eventsChannel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	d.logger.Info().
		Str("instance_id", d.instanceID).
		Str("channel", d.eventsChannel()).
		Msg("redis transport subscribed")

	return &redisConn{
		dialer: d,
		sub:    sub,
		msgs:   sub.Channel(),
		done:   make(chan struct{}),
	}, nil
}

type redisConn struct {
	dialer *RedisDialer
	sub    *redis.PubSub
	msgs   <-chan *redis.Message
	once   sync.Once
	done   chan struct{}
}

// ReadJSON waits for the next frame not published by this instance. Bare
// frames without an envelope are accepted as they are.
func (c *redisConn) ReadJSON(v any) error {
	for {
		select {
		case <-c.done:
			return io.EOF
		case msg, ok := <-c.msgs:
			if !ok {
				return io.EOF
			}
			payload, skip, err := c.unwrap([]byte(msg.Payload))
			if err != nil {
				return err
			}
			if skip {
				continue
			}
			return json.Unmarshal(payload, v)
		}
	}
}

func (c *redisConn) unwrap(data []byte) ([]byte, bool, error) {
	var env redisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, err
	}
	if env.InstanceID == "" || len(env.Message) == 0 {
		return data, false, nil
	}
	if env.InstanceID == c.dialer.instanceID {
		return nil, true, nil
	}
	return env.Message, false, nil
}

// WriteJSON publishes the frame to the outbound channel.
func (c *redisConn) WriteJSON(v any) error {
	select {
	case <-c.done:
		return errors.New("redis transport closed")
	default:
	}
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data, err := json.Marshal(redisEnvelope{InstanceID: c.dialer.instanceID, Message: msg})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.dialer.WriteTimeout)
	defer cancel()
	if err := c.dialer.client.Publish(ctx, c.dialer.outboundChannel(), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (c *redisConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.sub.Close()
	})
	return err
}
