package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	"chatbridge/internal/eventbus"
)

// BusSink republishes notifications on the in-process bus, scoped by owner.
type BusSink struct {
	Bus eventbus.Bus
}

func (BusSink) Name() string { return "bus" }

func (s BusSink) Deliver(_ context.Context, n Notification) error {
	if s.Bus == nil {
		return errors.New("bus sink: nil bus")
	}
	s.Bus.Publish(eventbus.Event{Type: n.Event, Time: n.At, Owner: n.OwnerID, Data: n.Payload})
	return nil
}

// RedisSink publishes a JSON envelope on "<prefix>:<owner>".
type RedisSink struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSink(client redis.UniversalClient, prefix string) *RedisSink {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "chatbridge:user"
	}
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) Name() string { return "redis" }

// Channel returns the pub/sub channel for ownerID.
func (s *RedisSink) Channel(ownerID string) string { return s.prefix + ":" + ownerID }

func (s *RedisSink) Deliver(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return backoffPermanent(err)
	}
	return s.client.Publish(ctx, s.Channel(n.OwnerID), b).Err()
}
