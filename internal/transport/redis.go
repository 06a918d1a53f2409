package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisTopic returns the pub/sub channel name for a room.
func RedisTopic(room string) string {
	return "collab:room:" + room
}

// Redis is a relay Channel over a redis pub/sub topic. Every replica in the
// room publishes to and subscribes from the same topic. Redis echoes a
// publisher's own messages back, so each payload is prefixed with the
// publishing instance's ID and Receive drops its own.
type Redis struct {
	client   *redis.Client
	topic    string
	instance []byte
	pubsub   *redis.PubSub
	messages <-chan *redis.Message

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// DialRedis subscribes to the room topic on the server at addr.
func DialRedis(ctx context.Context, addr, room string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	ch, err := NewRedis(ctx, client, room)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return ch, nil
}

// NewRedis subscribes to the room topic using an existing client. Closing
// the channel closes the client.
func NewRedis(ctx context.Context, client *redis.Client, room string) (*Redis, error) {
	topic := RedisTopic(room)
	pubsub := client.Subscribe(ctx, topic)
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	id := uuid.New()
	return &Redis{
		client:   client,
		topic:    topic,
		instance: id[:],
		pubsub:   pubsub,
		messages: pubsub.Channel(),
		done:     make(chan struct{}),
	}, nil
}

func (r *Redis) Kind() Kind {
	return KindRelay
}

func (r *Redis) Send(ctx context.Context, msg []byte) error {
	if err := r.client.Publish(ctx, r.topic, frameRedis(r.instance, msg)).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *Redis) Receive(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-r.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case m, ok := <-r.messages:
			if !ok {
				return nil, ErrClosed
			}
			payload, own := unframeRedis(r.instance, []byte(m.Payload))
			if own || payload == nil {
				continue
			}
			return payload, nil
		}
	}
}

func (r *Redis) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.closeErr = r.pubsub.Close()
		if err := r.client.Close(); err != nil && r.closeErr == nil {
			r.closeErr = err
		}
	})
	return r.closeErr
}

func frameRedis(instance, msg []byte) []byte {
	out := make([]byte, 0, len(instance)+len(msg))
	out = append(out, instance...)
	return append(out, msg...)
}

// unframeRedis strips the instance prefix. own is true for messages this
// instance published; a nil payload means the frame was too short.
func unframeRedis(instance, frame []byte) (payload []byte, own bool) {
	if len(frame) < len(instance) {
		return nil, false
	}
	if bytes.Equal(frame[:len(instance)], instance) {
		return nil, true
	}
	return frame[len(instance):], false
}
