package fanout

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type relayEnvelope struct {
	Origin string `json:"origin"`
	Event  *Event `json:"event"`
}

// RedisRelay mirrors events across processes so a websocket attached to any
// node sees events produced by the node that owns the session.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	origin  string
}

var _ Sink = (*RedisRelay)(nil)

func NewRedisRelay(rdb *redis.Client, channel, origin string) *RedisRelay {
	return &RedisRelay{rdb: rdb, channel: channel, origin: origin}
}

func (r *RedisRelay) Name() string {
	return "redis"
}

func (r *RedisRelay) Handle(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(relayEnvelope{Origin: r.origin, Event: ev})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, data).Err()
}

// Run feeds events published by other nodes into the local hub until ctx ends.
func (r *RedisRelay) Run(ctx context.Context, hub *Hub) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				zap.L().Warn("fanout: bad relay payload", zap.Error(err))
				continue
			}
			if env.Origin == r.origin || env.Event == nil {
				continue
			}
			hub.DeliverLocal(env.Event)
		}
	}
}
